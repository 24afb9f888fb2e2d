// Package attestation signs and verifies statements binding a content digest
// and an operation label to the enclave identity.
//
// An attestation signature covers the canonical JSON form of its metadata.
// The metadata repeats the attestation id, subject digest, operation,
// timestamp and signer so that none of them can be altered without
// invalidating the signature. Verification needs only the attestation
// itself and can be performed by any party.
//
// Identity reports are a software-only placeholder for hardware remote
// attestation and carry fixed measurement values.
package attestation
