package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"github.com/ruteri/enclave-trust-broker/keyserver"
)

// KeyServerAdminClient submits key shares to a key server on behalf of a
// registered administrator.
type KeyServerAdminClient struct {
	baseURL      string
	privateKey   *ecdsa.PrivateKey
	publicKeyPEM []byte
	httpClient   *http.Client
}

// NewKeyServerAdminClient creates a client signing submissions with adminKey.
// The key server must list the matching PKIX public key PEM as an admin.
func NewKeyServerAdminClient(baseURL string, adminKey cryptoutils.PrivateKeyPEM, timeout ...time.Duration) (*KeyServerAdminClient, error) {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	privateKey, err := adminKey.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("invalid admin key: %w", err)
	}
	publicKeyPEM, err := publicKeyToPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &KeyServerAdminClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		privateKey:   privateKey,
		publicKeyPEM: publicKeyPEM,
		httpClient:   &http.Client{Timeout: clientTimeout},
	}, nil
}

// PublicKeyPEM returns the admin public key to register with key servers.
func (c *KeyServerAdminClient) PublicKeyPEM() []byte {
	return c.publicKeyPEM
}

// SubmitShare hands one share to the key server. A key server never
// replaces a share it already holds.
func (c *KeyServerAdminClient) SubmitShare(ctx context.Context, keyID keyrelease.ID, share []byte) error {
	digest := sha256.Sum256(keyserver.ShareSubmissionMessage(keyID, share))
	signature, err := ecdsa.SignASN1(rand.Reader, c.privateKey, digest[:])
	if err != nil {
		return fmt.Errorf("failed to sign share: %w", err)
	}

	body, err := json.Marshal(keyserver.SubmitShareRequest{
		KeyID:          keyID,
		Share:          share,
		Signature:      signature,
		AdminPublicKey: string(c.publicKeyPEM),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/shares", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("share submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("share submission failed with code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ListKeys returns the key ids the server holds shares for.
func (c *KeyServerAdminClient) ListKeys(ctx context.Context) (*keyserver.KeysResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/keys", nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key listing failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key listing failed with code %d", resp.StatusCode)
	}

	var keys keyserver.KeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("failed to parse key listing: %w", err)
	}
	return &keys, nil
}

func publicKeyToPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal admin public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
