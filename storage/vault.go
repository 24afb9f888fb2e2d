package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// VaultConfig describes a KV v2 mount used as a blob store.
type VaultConfig struct {
	Address   string
	MountPath string
	DataPath  string
	// Token authenticates requests. When empty the client falls back to
	// VAULT_TOKEN.
	Token string
	// ClientCert enables TLS certificate authentication.
	ClientCert *tls.Certificate
	Timeout    time.Duration
}

// VaultStore keeps blobs base64-encoded in a KV v2 secrets engine at
// {mount}/data/{path}/blobs/{hex digest}.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

func NewVaultStore(cfg VaultConfig, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*cfg.ClientCert}},
			},
			Timeout: timeout,
		}
	} else {
		config.Timeout = timeout
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Fetch reads the blob named by ref, a hex content digest.
func (b *VaultStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseDigestRef(ref)
	if err != nil {
		return nil, err
	}
	path := b.secretPath(digest)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.New("invalid data format in Vault response")
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, errors.New("content key not found in Vault data")
	}

	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	if err := verifyDigest(digest, blob); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	b.log.Debug("Fetched blob from Vault", slog.String("path", path), slog.Int("size", len(blob)))
	return blob, nil
}

// Store writes data under its digest.
func (b *VaultStore) Store(ctx context.Context, data []byte) (string, error) {
	ref := DigestRef(data)
	digest, _ := parseDigestRef(ref)
	path := b.secretPath(digest)

	_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored blob in Vault", slog.String("path", path))
	return ref, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultStore) LocationURI() string {
	return b.locationURI
}

func (b *VaultStore) secretPath(digest interfaces.ContentDigest) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/blobs/%s", b.mountPath, digest.String())
	}
	return fmt.Sprintf("%s/data/%s/blobs/%s", b.mountPath, b.dataPath, digest.String())
}
