package keyserver

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
)

var (
	ErrUnknownAdmin = errors.New("unregistered admin public key")
	ErrShareExists  = errors.New("share already held for key id")
)

// ShareStore holds the key shares of one key server in memory. Shares are
// loaded from configuration or submitted by registered admins, and are
// never written back anywhere.
type ShareStore struct {
	mu     sync.RWMutex
	shares map[keyrelease.ID][]byte

	// admin public key fingerprint -> PEM
	admins map[string][]byte
}

// NewShareStore creates a store preloaded with shares and accepting
// submissions from adminPubKeys.
func NewShareStore(shares map[keyrelease.ID][]byte, adminPubKeys [][]byte) (*ShareStore, error) {
	s := &ShareStore{
		shares: make(map[keyrelease.ID][]byte, len(shares)),
		admins: make(map[string][]byte),
	}
	for id, share := range shares {
		s.shares[id] = append([]byte(nil), share...)
	}

	for _, publicKeyPEM := range adminPubKeys {
		if err := cryptoutils.PublicKeyPEM(publicKeyPEM).Validate(); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", publicKeyPEM, err)
		}
		s.admins[fingerprint(publicKeyPEM)] = publicKeyPEM
	}
	return s, nil
}

func fingerprint(publicKeyPEM []byte) string {
	sum := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(sum[:])
}

// ShareSubmissionMessage is what an admin signs to submit a share.
func ShareSubmissionMessage(keyID keyrelease.ID, share []byte) []byte {
	msg := append([]byte("keyserver-share-v1"), keyID[:]...)
	return append(msg, share...)
}

// SubmitShare stores a share for keyID after verifying the admin signature
// over ShareSubmissionMessage. Both ECDSA (ASN.1) and Ed25519 admin keys are
// accepted. An existing share is never replaced.
func (s *ShareStore) SubmitShare(keyID keyrelease.ID, share, signature, adminPubKeyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered, found := s.admins[fingerprint(adminPubKeyPEM)]
	if !found {
		return ErrUnknownAdmin
	}
	if !bytes.Equal(registered, adminPubKeyPEM) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	pubKey, err := cryptoutils.PublicKeyPEM(adminPubKeyPEM).PublicKey()
	if err != nil {
		return fmt.Errorf("failed to parse admin public key: %w", err)
	}

	msg := ShareSubmissionMessage(keyID, share)
	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(msg)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, msg, signature) {
			return errors.New("invalid signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ED25519 key")
	}

	if _, exists := s.shares[keyID]; exists {
		return ErrShareExists
	}
	s.shares[keyID] = append([]byte(nil), share...)
	return nil
}

// Get returns a copy of the share held for keyID.
func (s *ShareStore) Get(keyID keyrelease.ID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.shares[keyID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), share...), true
}

// KeyIDs lists the held key ids in a stable order.
func (s *ShareStore) KeyIDs() []keyrelease.ID {
	s.mu.RLock()
	ids := make([]keyrelease.ID, 0, len(s.shares))
	for id := range s.shares {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Wipe zeroes every held share.
func (s *ShareStore) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, share := range s.shares {
		cryptoutils.WipeBytes(share)
		delete(s.shares, id)
	}
}
