package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// BlobStoreLocation is a parsed blob store URI.
type BlobStoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewBlobStoreLocation parses and validates a blob store URI.
func NewBlobStoreLocation(uri string) (BlobStoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return BlobStoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "http", "https", "file", "s3", "ipfs", "vault", "sim":
	default:
		return BlobStoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return BlobStoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc BlobStoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc BlobStoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc BlobStoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when a blob reference does not resolve.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a blob store is not reachable.
	ErrBackendUnavailable = errors.New("blob store unavailable")

	// ErrInvalidLocationURI is returned for malformed or unsupported blob store URIs.
	ErrInvalidLocationURI = errors.New("invalid blob store location URI")

	// ErrInvalidBlobRef is returned for references a store cannot address.
	ErrInvalidBlobRef = errors.New("invalid blob reference")
)

// BlobStore fetches externally stored artifacts by opaque reference.
type BlobStore interface {
	// Fetch retrieves the bytes behind ref.
	Fetch(ctx context.Context, ref string) ([]byte, error)

	// Store saves data and returns the reference it can be fetched by.
	Store(ctx context.Context, data []byte) (string, error)

	// Available checks if the store is reachable.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this store.
	LocationURI() string
}

// BlobStoreFactory creates blob stores from URIs.
type BlobStoreFactory interface {
	BlobStoreFor(location BlobStoreLocation) (BlobStore, error)
	CreateMultiStore(locations []BlobStoreLocation) (BlobStore, error)
}
