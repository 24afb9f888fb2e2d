package keyrelease

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
)

const payloadKeyInfo = "enclave-trust-broker/payload/v1"

// Seal encrypts plaintext under a fresh data key and splits that key into
// one share per key id, any quorum of which recovers it. shares[i] belongs
// to keyIDs[i].
func Seal(plaintext []byte, policyID, objectID ID, keyIDs []ID, quorum int) (*EncryptedPayload, [][]byte, error) {
	if quorum < 1 || quorum > 255 {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidQuorum, quorum)
	}

	header := Header{
		Version:  PayloadVersion,
		Quorum:   uint8(quorum),
		PolicyID: policyID,
		ObjectID: objectID,
		KeyIDs:   append([]ID(nil), keyIDs...),
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}

	dataKey := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer cryptoutils.WipeBytes(dataKey)

	shares, err := splitDataKey(dataKey, len(keyIDs), quorum)
	if err != nil {
		return nil, nil, err
	}

	p := &EncryptedPayload{Header: header}
	if _, err := io.ReadFull(rand.Reader, p.Nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := payloadCipher(dataKey, &header)
	if err != nil {
		return nil, nil, err
	}
	p.Ciphertext = aead.Seal(nil, p.Nonce[:], plaintext, header.Bytes())

	return p, shares, nil
}

func splitDataKey(dataKey []byte, parts, quorum int) ([][]byte, error) {
	if quorum == 1 {
		// Any single holder can release the key on its own.
		shares := make([][]byte, parts)
		for i := range shares {
			shares[i] = append([]byte(nil), dataKey...)
		}
		return shares, nil
	}

	shares, err := shamir.Split(dataKey, parts, quorum)
	if err != nil {
		return nil, fmt.Errorf("failed to split data key: %w", err)
	}
	return shares, nil
}

func combineDataKey(shares [][]byte, quorum int) ([]byte, error) {
	if len(shares) < quorum || len(shares) == 0 {
		return nil, errors.New("not enough shares")
	}
	if quorum == 1 {
		return append([]byte(nil), shares[0]...), nil
	}
	key, err := shamir.Combine(shares[:quorum])
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return key, nil
}

func payloadCipher(dataKey []byte, header *Header) (cipher.AEAD, error) {
	key, err := cryptoutils.DeriveKey(dataKey, header.ObjectID[:], payloadKeyInfo)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)
	return cryptoutils.NewGCM(key)
}
