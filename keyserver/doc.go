// Package keyserver implements a threshold key release server.
//
// A key server holds Shamir shares of payload data keys indexed by key id.
// On POST /v1/fetch_key it verifies the session certificate (issuer
// signature and validity window) and the request signature by the session
// key, then evaluates each requested policy check. Granted shares are
// returned encrypted to the session encryption key; refused ones are listed
// as explicit denials.
//
// Shares come from the YAML configuration or are submitted at runtime by
// registered admins over POST /admin/shares.
package keyserver
