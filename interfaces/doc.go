// Package interfaces defines the contracts shared by the broker's components,
// separating interface definitions from implementations.
//
// # Storage Interfaces
//
// BlobStore fetches model and dataset artifacts by opaque reference from
// external stores (HTTP aggregators, file, S3, IPFS, Vault).
//
// BlobStoreFactory creates blob stores from URIs and aggregates them into
// fallback chains.
//
// # Service Interfaces
//
// Scorer is the remote evaluation service. Publisher records signed results
// on a ledger.
//
// # Core Types
//
//   - ContentDigest: 32-byte SHA-256 hash, renderable as a CIDv1
//   - FormatKind: closed set of content classes assigned by the classifier
//   - Attestation: signed statement binding a digest and operation to the enclave identity
//   - FileEntry: an uploaded file held in memory
//
// # Errors
//
// Error tags failures with an ErrorKind (InputError, UpstreamError,
// CryptoError, PolicyError, InternalError) and the stage that produced them.
// KindOf recovers the kind anywhere in a wrapped chain.
package interfaces
