/*
Package api defines the wire types of the broker HTTP API and the mapping
from broker errors to HTTP status codes.

The API is mounted under /api/v1:

  - POST /upload: multipart upload of a file; signs an "upload" attestation
  - GET /files, GET /file/{id}: metadata of uploaded files
  - POST /assess: runs the assessment pipeline over two blob references
  - POST /attest: signs an attestation for an uploaded file
  - GET /attestations, GET /attestation/{id}: stored attestations
  - POST /verify: checks an attestation against its embedded signer
  - GET /identity: software-only identity report over caller data
  - GET /health: broker status and public key

Errors are JSON ErrorResponse bodies. Input errors answer 400, policy
errors 403, upstream errors 502, crypto errors 422, unknown files and
attestations 404 and everything else 500.

The handlers live in api/brokerhandler; the key server admin client lives
in api/clients.
*/
package api
