package keyrelease

import (
	"bytes"
	"errors"
	"fmt"
)

// PayloadMagic opens every EncryptedPayload so that sealed blobs are
// recognised whatever their size or entropy.
var PayloadMagic = []byte("ETB")

const (
	// PayloadVersion is the only supported EncryptedPayload layout.
	PayloadVersion = 1
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// DataKeySize is the length of the secret split across key servers.
	DataKeySize = 32
	// MaxKeyIDs bounds the recipients of one payload. Shamir over GF(2^8)
	// supports at most 255 shares.
	MaxKeyIDs = 255

	magicSize       = 3
	headerFixedSize = magicSize + 3 + 32 + 32
)

var (
	ErrNotSealed          = errors.New("data is not an encrypted payload")
	ErrPayloadTooShort    = errors.New("encrypted payload too short")
	ErrUnsupportedVersion = errors.New("unsupported encrypted payload version")
	ErrInvalidQuorum      = errors.New("invalid quorum")
)

// Header is the plaintext part of an EncryptedPayload. Its serialized form is
// authenticated as additional data by the payload cipher.
type Header struct {
	Version  uint8
	Quorum   uint8
	PolicyID ID
	ObjectID ID
	// KeyIDs lists recipients in share order: share i is held by KeyIDs[i].
	KeyIDs []ID
}

// EncryptedPayload is a blob sealed under a data key split across key servers.
//
// Layout: "ETB" | version(1) | quorum(1) | count(1) | policy id(32) | object id(32) |
// count*32 key ids | nonce(12) | ciphertext
type EncryptedPayload struct {
	Header     Header
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Validate checks the header invariants.
func (h *Header) Validate() error {
	if h.Version != PayloadVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if len(h.KeyIDs) == 0 {
		return errors.New("payload names no key ids")
	}
	if len(h.KeyIDs) > MaxKeyIDs {
		return fmt.Errorf("payload names %d key ids, at most %d allowed", len(h.KeyIDs), MaxKeyIDs)
	}
	if h.Quorum == 0 || int(h.Quorum) > len(h.KeyIDs) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidQuorum, h.Quorum, len(h.KeyIDs))
	}
	seen := make(map[ID]struct{}, len(h.KeyIDs))
	for _, id := range h.KeyIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate key id %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Bytes serializes the header.
func (h *Header) Bytes() []byte {
	out := make([]byte, 0, headerFixedSize+32*len(h.KeyIDs))
	out = append(out, PayloadMagic...)
	out = append(out, h.Version, h.Quorum, uint8(len(h.KeyIDs)))
	out = append(out, h.PolicyID[:]...)
	out = append(out, h.ObjectID[:]...)
	for _, id := range h.KeyIDs {
		out = append(out, id[:]...)
	}
	return out
}

// IndexOf returns the share index of keyID, or -1.
func (h *Header) IndexOf(keyID ID) int {
	for i, id := range h.KeyIDs {
		if id == keyID {
			return i
		}
	}
	return -1
}

// IsSealed reports whether data carries the EncryptedPayload framing with a
// supported version. It does not validate the rest of the header.
func IsSealed(data []byte) bool {
	return len(data) > magicSize && bytes.HasPrefix(data, PayloadMagic) && data[magicSize] == PayloadVersion
}

// ParsePayload decodes and validates an EncryptedPayload.
func ParsePayload(data []byte) (*EncryptedPayload, error) {
	if !bytes.HasPrefix(data, PayloadMagic) {
		return nil, ErrNotSealed
	}
	if len(data) < headerFixedSize {
		return nil, ErrPayloadTooShort
	}

	p := &EncryptedPayload{}
	h := &p.Header
	fixed := data[magicSize:]
	h.Version = fixed[0]
	h.Quorum = fixed[1]
	count := int(fixed[2])
	copy(h.PolicyID[:], fixed[3:35])
	copy(h.ObjectID[:], fixed[35:67])

	if h.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	offset := headerFixedSize
	if len(data) < offset+32*count+NonceSize {
		return nil, ErrPayloadTooShort
	}
	h.KeyIDs = make([]ID, count)
	for i := range h.KeyIDs {
		copy(h.KeyIDs[i][:], data[offset:offset+32])
		offset += 32
	}

	copy(p.Nonce[:], data[offset:offset+NonceSize])
	offset += NonceSize
	p.Ciphertext = append([]byte(nil), data[offset:]...)

	if err := h.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Bytes serializes the payload.
func (p *EncryptedPayload) Bytes() []byte {
	header := p.Header.Bytes()
	out := make([]byte, 0, len(header)+NonceSize+len(p.Ciphertext))
	out = append(out, header...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Ciphertext...)
	return out
}

// ShareSize is the length of one valid key share for this header.
func (h *Header) ShareSize() int {
	if h.Quorum == 1 {
		return DataKeySize
	}
	// Shamir shares carry their x coordinate as a trailing byte.
	return DataKeySize + 1
}
