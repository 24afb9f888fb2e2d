// Package broker holds the application state of the trust broker: the
// enclave identity, the in-memory file and attestation registries and the
// assessment pipeline built over them.
//
// Registries are guarded by reader/writer locks and are never persisted.
// Uploaded files can be referenced in assessments by file id or by content
// hash; any other reference is resolved by the configured blob store.
package broker
