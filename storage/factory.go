package storage

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// Factory creates blob stores from location URIs.
type Factory struct {
	log        *slog.Logger
	httpClient *http.Client
}

// NewFactory creates a factory. httpClient is used by aggregator stores and
// may be nil.
func NewFactory(logger *slog.Logger, httpClient *http.Client) *Factory {
	return &Factory{log: logger, httpClient: httpClient}
}

// BlobStoreFor creates a store from a location.
//
// Supported schemes:
//   - http://, https:// - blob aggregator, ?publisher=<url> enables Store
//   - file:///path - local directory
//   - s3://[KEY:SECRET@]bucket/prefix?region=..&endpoint=..&path_style=true
//   - ipfs://host:port/?timeout=30s
//   - vault://host:port/mount/path?token=..&tls=false
//   - sim:// - simulated downloads
func (f *Factory) BlobStoreFor(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	switch strings.ToLower(location.Scheme) {
	case "http", "https":
		return f.createAggregatorStore(location)
	case "file":
		return f.createFileStore(location)
	case "s3":
		return f.createS3Store(location)
	case "ipfs":
		return f.createIPFSStore(location)
	case "vault":
		return f.createVaultStore(location)
	case "sim":
		return NewSimStore(f.log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiStore creates a MultiStore over every location that yields a
// valid store. Invalid locations are logged and skipped.
func (f *Factory) CreateMultiStore(locations []interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	stores := make([]interfaces.BlobStore, 0, len(locations))
	for _, location := range locations {
		store, err := f.BlobStoreFor(location)
		if err != nil {
			f.log.Warn("Failed to create blob store",
				"err", err,
				slog.String("location", location.String()))
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("no valid blob stores created")
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	return NewMultiStore(stores, f.log), nil
}

func (f *Factory) createAggregatorStore(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing aggregator host", interfaces.ErrInvalidLocationURI)
	}
	base := fmt.Sprintf("%s://%s%s", location.Scheme, location.Host, strings.TrimSuffix(location.Path, "/"))
	return NewAggregatorStore(base, location.GetParam("publisher"), f.httpClient, f.log), nil
}

func (f *Factory) createFileStore(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	path := location.Path
	if location.Host != "" {
		// file://./relative/path
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}
	return NewFileStore(path, f.log)
}

func (f *Factory) createS3Store(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket name", interfaces.ErrInvalidLocationURI)
	}

	cfg := S3Config{
		Bucket:    location.Host,
		Prefix:    strings.TrimPrefix(location.Path, "/"),
		Region:    location.GetParam("region"),
		Endpoint:  location.GetParam("endpoint"),
		PathStyle: location.GetParamBool("path_style"),
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if location.Auth != "" {
		cfg.AccessKey, cfg.SecretKey, _ = strings.Cut(location.Auth, ":")
	}

	return NewS3Store(cfg, f.log)
}

func (f *Factory) createIPFSStore(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	host, port, found := strings.Cut(location.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := location.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSStore(host, port, timeout, f.log), nil
}

func (f *Factory) createVaultStore(location interfaces.BlobStoreLocation) (interfaces.BlobStore, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mount == "" {
		mount = "secret"
	}

	return NewVaultStore(VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, location.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     location.GetParam("token"),
	}, f.log)
}

var (
	_ interfaces.BlobStore        = (*AggregatorStore)(nil)
	_ interfaces.BlobStore        = (*FileStore)(nil)
	_ interfaces.BlobStore        = (*S3Store)(nil)
	_ interfaces.BlobStore        = (*IPFSStore)(nil)
	_ interfaces.BlobStore        = (*VaultStore)(nil)
	_ interfaces.BlobStore        = (*SimStore)(nil)
	_ interfaces.BlobStore        = (*MultiStore)(nil)
	_ interfaces.BlobStoreFactory = (*Factory)(nil)
)
