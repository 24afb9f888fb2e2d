package keyrelease

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

const (
	sessionDomain = "enclave-session-v1"

	// DefaultSessionTTL is the lifetime of a session certificate.
	DefaultSessionTTL = 10 * time.Minute
	// MaxClockSkew is how far in the future a certificate may be dated.
	MaxClockSkew = time.Minute
)

// Signer is the long-term identity issuing session certificates.
type Signer interface {
	Sign(msg []byte) []byte
	PublicKey() ed25519.PublicKey
}

// SessionCertificate binds an ephemeral session key to the issuer identity
// for one decrypt attempt.
type SessionCertificate struct {
	Issuer       []byte `json:"issuer"`
	SessionKey   []byte `json:"session_key"`
	PolicyID     ID     `json:"policy_id"`
	CreationTime int64  `json:"creation_time_ms"`
	TTLMinutes   uint16 `json:"ttl_min"`
	Signature    []byte `json:"signature"`
}

// Message returns the bytes the issuer signs.
func (c *SessionCertificate) Message() []byte {
	msg := make([]byte, 0, len(sessionDomain)+32+len(c.SessionKey)+10)
	msg = append(msg, sessionDomain...)
	msg = append(msg, c.PolicyID[:]...)
	msg = append(msg, c.SessionKey...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(c.CreationTime))
	msg = binary.BigEndian.AppendUint16(msg, c.TTLMinutes)
	return msg
}

// ExpiresAt returns the end of the validity window.
func (c *SessionCertificate) ExpiresAt() time.Time {
	return time.UnixMilli(c.CreationTime).Add(time.Duration(c.TTLMinutes) * time.Minute)
}

// CheckValidity reports ErrCertificateExpired when now is past the
// validity window. The window is closed: now == expiry is still valid.
func (c *SessionCertificate) CheckValidity(now time.Time) error {
	created := time.UnixMilli(c.CreationTime)
	if created.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("certificate dated %s is in the future", created.UTC().Format(time.RFC3339))
	}
	if now.After(c.ExpiresAt()) {
		return interfaces.ErrCertificateExpired
	}
	return nil
}

// Verify checks the issuer signature and the validity window.
func (c *SessionCertificate) Verify(now time.Time) error {
	if len(c.SessionKey) != ed25519.PublicKeySize {
		return errors.New("invalid session key length")
	}
	if !cryptoutils.VerifySignature(c.Issuer, c.Message(), c.Signature) {
		return errors.New("invalid certificate signature")
	}
	return c.CheckValidity(now)
}

// Session is the client side of one decrypt attempt: the certificate, the
// session signing key and the keypair key servers encrypt shares to.
type Session struct {
	Certificate   SessionCertificate
	EncryptionKey cryptoutils.PublicKeyPEM

	signingKey    ed25519.PrivateKey
	decryptionKey cryptoutils.PrivateKeyPEM
}

// CreateSession generates fresh session keys and has identity certify them.
// Every call yields new keys.
func CreateSession(identity Signer, policyID ID, ttl time.Duration, now time.Time) (*Session, error) {
	if ttl < time.Minute || ttl > time.Duration(math.MaxUint16)*time.Minute {
		return nil, fmt.Errorf("session ttl %s out of range", ttl)
	}

	sessionPub, sessionPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	encPub, encPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session encryption key: %w", err)
	}

	cert := SessionCertificate{
		Issuer:       identity.PublicKey(),
		SessionKey:   sessionPub,
		PolicyID:     policyID,
		CreationTime: now.UnixMilli(),
		TTLMinutes:   uint16(ttl / time.Minute),
	}
	cert.Signature = identity.Sign(cert.Message())

	return &Session{
		Certificate:   cert,
		EncryptionKey: encPub,
		signingKey:    sessionPriv,
		decryptionKey: encPriv,
	}, nil
}

// Sign signs msg with the session key.
func (s *Session) Sign(msg []byte) []byte {
	return ed25519.Sign(s.signingKey, msg)
}

// OpenShare decrypts a share encrypted to the session encryption key.
func (s *Session) OpenShare(encrypted []byte) ([]byte, error) {
	return cryptoutils.DecryptWithPrivateKey(s.decryptionKey, encrypted)
}

// Destroy wipes the session private keys.
func (s *Session) Destroy() {
	cryptoutils.WipeBytes(s.signingKey)
	s.decryptionKey.Wipe()
}
