package keyrelease

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ID is a 32-byte policy, object or key identifier.
type ID [32]byte

// ParseID decodes a hex identifier with an optional 0x prefix.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid identifier length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromName derives an identifier as the keccak256 hash of name, matching
// how the policy contract derives its ids.
func IDFromName(name string) ID {
	return ID(crypto.Keccak256Hash([]byte(name)))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
