package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// EnclaveIdentity is the process-lifetime signing keypair of a broker
// instance. The private key is never exported or persisted; a restart
// yields a new identity.
type EnclaveIdentity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewEnclaveIdentity generates a fresh Ed25519 identity.
func NewEnclaveIdentity() (*EnclaveIdentity, error) {
	return newEnclaveIdentity(rand.Reader)
}

func newEnclaveIdentity(random io.Reader) (*EnclaveIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate enclave identity: %w", err)
	}
	return &EnclaveIdentity{private: priv, public: pub}, nil
}

// Sign signs msg with the identity key.
func (id *EnclaveIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// PublicKey returns a copy of the public key.
func (id *EnclaveIdentity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.public))
	copy(out, id.public)
	return out
}

// PublicKeyHex returns the lowercase hex encoding of the public key.
func (id *EnclaveIdentity) PublicKeyHex() string {
	return hex.EncodeToString(id.public)
}

// ID returns a short stable identifier derived from the public key.
func (id *EnclaveIdentity) ID() string {
	sum := sha256.Sum256(id.public)
	return hex.EncodeToString(sum[:8])
}

// VerifySignature checks an Ed25519 signature, rejecting malformed keys
// instead of panicking.
func VerifySignature(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
