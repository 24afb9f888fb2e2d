package keyrelease

import (
	"fmt"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// StageKeyRelease names key release failures in typed errors.
const StageKeyRelease = "key_release"

// ValidShares selects, in header order, one usable share per key id named
// by the header. Denials, unknown key ids, wrong-length shares and
// duplicates are skipped.
func ValidShares(h *Header, responses []KeyShareResponse) [][]byte {
	byIndex := make(map[int][]byte, len(h.KeyIDs))
	for _, r := range responses {
		if r.Denied || r.Share == nil {
			continue
		}
		idx := h.IndexOf(r.KeyID)
		if idx < 0 || len(r.Share) != h.ShareSize() {
			continue
		}
		if _, seen := byIndex[idx]; seen {
			continue
		}
		byIndex[idx] = r.Share
	}

	shares := make([][]byte, 0, len(byIndex))
	for i := range h.KeyIDs {
		if share, ok := byIndex[i]; ok {
			shares = append(shares, share)
		}
	}
	return shares
}

// CombineAndDecrypt recovers the data key from the responses and opens the
// payload. With fewer valid shares than the quorum it fails with a
// PolicyError before any key material is combined.
func CombineAndDecrypt(payload *EncryptedPayload, responses []KeyShareResponse) ([]byte, error) {
	h := &payload.Header
	shares := ValidShares(h, responses)
	if len(shares) < int(h.Quorum) {
		return nil, interfaces.NewPolicyError(StageKeyRelease,
			fmt.Errorf("%w: %d of %d", interfaces.ErrQuorumNotMet, len(shares), h.Quorum))
	}

	dataKey, err := combineDataKey(shares, int(h.Quorum))
	if err != nil {
		return nil, interfaces.NewCryptoError(StageKeyRelease, err)
	}
	defer cryptoutils.WipeBytes(dataKey)

	aead, err := payloadCipher(dataKey, h)
	if err != nil {
		return nil, interfaces.NewCryptoError(StageKeyRelease, err)
	}

	plaintext, err := aead.Open(nil, payload.Nonce[:], payload.Ciphertext, h.Bytes())
	if err != nil {
		return nil, interfaces.NewCryptoError(StageKeyRelease, fmt.Errorf("failed to open payload: %w", err))
	}
	return plaintext, nil
}
