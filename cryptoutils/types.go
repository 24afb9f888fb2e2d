package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyPEM is a PKIX public key in PEM format.
type PublicKeyPEM []byte

// NewPublicKeyPEM validates PEM-encoded public key data.
func NewPublicKeyPEM(data []byte) (PublicKeyPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}

	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	return PublicKeyPEM(data), nil
}

// Validate checks if the public key is properly formed.
func (pub PublicKeyPEM) Validate() error {
	_, err := NewPublicKeyPEM(pub)
	return err
}

// PublicKey returns the parsed public key.
func (pub PublicKeyPEM) PublicKey() (any, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// ECDH returns the key as an ECDH public key. Only NIST curves are accepted.
func (pub PublicKeyPEM) ECDH() (*ecdh.PublicKey, error) {
	parsed, err := pub.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return ecdsaToECDH(parsed)
}

// PrivateKeyPEM is an EC private key in SEC 1 or PKCS#8 PEM format.
type PrivateKeyPEM []byte

// PrivateKey returns the parsed ECDSA private key.
func (priv PrivateKeyPEM) PrivateKey() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	return ecKey, nil
}

// ECDH returns the key as an ECDH private key.
func (priv PrivateKeyPEM) ECDH() (*ecdh.PrivateKey, error) {
	key, err := priv.PrivateKey()
	if err != nil {
		return nil, err
	}
	return key.ECDH()
}

// Wipe zeroes the PEM buffer in place.
func (priv PrivateKeyPEM) Wipe() {
	WipeBytes(priv)
}

// RandomP256Keypair generates a P-256 keypair in PEM form.
func RandomP256Keypair() (PublicKeyPEM, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return PublicKeyPEM(pubkeyPEM), PrivateKeyPEM(privateKeyPEM), nil
}

// WipeBytes zeroes data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
