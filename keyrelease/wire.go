package keyrelease

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
)

// FetchKeyPath is the key server endpoint serving share requests.
const FetchKeyPath = "/v1/fetch_key"

// FetchKeyRequest asks a key server for the shares named in Descriptor.
type FetchKeyRequest struct {
	Descriptor       AuthorizationDescriptor `json:"descriptor"`
	EncryptionKey    string                  `json:"enc_key"`
	Certificate      SessionCertificate      `json:"certificate"`
	RequestSignature []byte                  `json:"request_signature"`
}

// EncryptedShare is a share encrypted to the session encryption key.
type EncryptedShare struct {
	KeyID ID     `json:"key_id"`
	Share []byte `json:"encrypted_share"`
}

// Denial explains why a key server refused a key id.
type Denial struct {
	KeyID  ID     `json:"key_id"`
	Reason string `json:"reason"`
}

// FetchKeyResponse carries granted shares and explicit denials. Key ids the
// server does not hold appear in neither list.
type FetchKeyResponse struct {
	Shares  []EncryptedShare `json:"shares"`
	Denials []Denial         `json:"denials,omitempty"`
}

// RequestDigest is sha256(canonical descriptor || encryption key PEM).
func RequestDigest(d *AuthorizationDescriptor, encryptionKey []byte) ([]byte, error) {
	canonical, err := d.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write(encryptionKey)
	return h.Sum(nil), nil
}

// NewFetchKeyRequest builds a request signed by the session key.
func NewFetchKeyRequest(d *AuthorizationDescriptor, session *Session) (*FetchKeyRequest, error) {
	digest, err := RequestDigest(d, session.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &FetchKeyRequest{
		Descriptor:       *d,
		EncryptionKey:    string(session.EncryptionKey),
		Certificate:      session.Certificate,
		RequestSignature: session.Sign(digest),
	}, nil
}

// Verify checks, in order: certificate signature and validity window, the
// certificate policy matching the descriptor, the encryption key format and
// the request signature by the session key.
func (r *FetchKeyRequest) Verify(now time.Time) error {
	if err := r.Certificate.Verify(now); err != nil {
		return err
	}
	if r.Certificate.PolicyID != r.Descriptor.PolicyID {
		return errors.New("certificate policy does not match descriptor")
	}
	if len(r.Descriptor.Checks) == 0 {
		return errors.New("descriptor requests no keys")
	}
	if err := cryptoutils.PublicKeyPEM(r.EncryptionKey).Validate(); err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}

	digest, err := RequestDigest(&r.Descriptor, []byte(r.EncryptionKey))
	if err != nil {
		return err
	}
	if !cryptoutils.VerifySignature(r.Certificate.SessionKey, digest, r.RequestSignature) {
		return errors.New("invalid request signature")
	}
	return nil
}
