// Package cryptoutils holds the cryptographic building blocks shared by the
// broker and the key servers.
//
// EnclaveIdentity is the process-lifetime Ed25519 keypair that signs
// attestations and session certificates. It is generated at startup and
// never written anywhere.
//
// Key shares travel between key servers and the broker encrypted with an
// ECIES construction over NIST P-256:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// The AES-256-GCM key is HKDF-SHA256 of the ECDH shared secret, salted with
// the ephemeral public key, which is also the additional authenticated data.
//
// CanonicalJSON produces the byte representation that attestation
// signatures cover.
package cryptoutils
