// Package brokerhandler serves the broker HTTP API and provides a client for it.
//
// All routes live under /api/v1:
//
//	POST /upload             multipart upload, signs an "upload" attestation
//	GET  /files              list uploaded files
//	GET  /file/{id}          metadata of one uploaded file
//	POST /assess             run the assessment pipeline over two blob references
//	POST /attest             sign a custom attestation over an uploaded file
//	GET  /attestations       list attestations signed since startup
//	GET  /attestation/{id}   one attestation
//	POST /verify             verify an attestation against its embedded signer
//	GET  /identity           identity report bound to ?user_data=<hex>
//	GET  /health             broker status
//
// Failures are answered with an api.ErrorResponse carrying the error kind and
// the pipeline stage that failed.
package brokerhandler
