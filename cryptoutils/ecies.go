package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	eciesInfo  = "enclave-trust-broker/ecies/v1"
	gcmIVSize  = 12
	aesKeySize = 32
)

// EncryptWithPublicKey encrypts data to a P-256 public key in PEM form.
// It performs ECDH with a fresh ephemeral key, derives an AES-256 key with
// HKDF-SHA256 over the shared secret and seals with AES-GCM.
//
// Output format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func EncryptWithPublicKey(publicKeyPEM PublicKeyPEM, data []byte) ([]byte, error) {
	publicKey, err := publicKeyPEM.ECDH()
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := publicKey.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ephemeralPublic := ephemeralKey.PublicKey().Bytes()
	aesGCM, err := eciesCipher(sharedSecret, ephemeralPublic)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, data, ephemeralPublic)

	result := make([]byte, 0, 2+len(ephemeralPublic)+len(iv)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPublic)))
	result = append(result, ephemeralPublic...)
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM PrivateKeyPEM, encryptedData []byte) ([]byte, error) {
	privateKey, err := privateKeyPEM.ECDH()
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmIVSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralPublic := encryptedData[2 : 2+ephemeralKeyLen]
	peer, err := privateKey.Curve().NewPublicKey(ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}

	sharedSecret, err := privateKey.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	aesGCM, err := eciesCipher(sharedSecret, ephemeralPublic)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+gcmIVSize]
	ciphertext := encryptedData[ivStart+gcmIVSize:]

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveKey expands secret into an AES-256 key bound to salt and info.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// NewGCM returns an AES-GCM AEAD for a 32-byte key.
func NewGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func eciesCipher(sharedSecret, ephemeralPublic []byte) (cipher.AEAD, error) {
	key, err := DeriveKey(sharedSecret, ephemeralPublic, eciesInfo)
	if err != nil {
		return nil, err
	}
	return NewGCM(key)
}

// ecdsaToECDH converts a parsed ECDSA key into its ECDH form.
func ecdsaToECDH(key any) (*ecdh.PublicKey, error) {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key: %T", key)
	}
	return pub.ECDH()
}
