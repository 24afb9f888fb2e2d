package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// DefaultMaxBlobSize bounds aggregator downloads.
const DefaultMaxBlobSize = 2048 << 20

// AggregatorStore talks to a blob aggregator over HTTP: blobs are read with
// GET {base}/v1/blobs/{id} and written with PUT {publisher}/v1/blobs, which
// answers with the id the aggregator will serve the blob under.
type AggregatorStore struct {
	baseURL      string
	publisherURL string
	client       *http.Client
	maxSize      int64
	log          *slog.Logger
}

// NewAggregatorStore creates a store reading from baseURL. publisherURL may
// be empty for read-only use.
func NewAggregatorStore(baseURL, publisherURL string, client *http.Client, log *slog.Logger) *AggregatorStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &AggregatorStore{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		publisherURL: strings.TrimSuffix(publisherURL, "/"),
		client:       client,
		maxSize:      DefaultMaxBlobSize,
		log:          log,
	}
}

func (b *AggregatorStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" || strings.ContainsAny(ref, "/?#") {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidBlobRef, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/blobs/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, interfaces.ErrContentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("aggregator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	if int64(len(data)) > b.maxSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", ref, b.maxSize)
	}
	if len(data) == 0 {
		return nil, errors.New("downloaded blob is empty")
	}

	b.log.Debug("Fetched blob from aggregator",
		slog.String("ref", ref),
		slog.Int("size", len(data)))

	return data, nil
}

// publishResponse covers both answers a publisher gives: a newly created
// blob object or an already certified blob.
type publishResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func (b *AggregatorStore) Store(ctx context.Context, data []byte) (string, error) {
	if b.publisherURL == "" {
		return "", errors.New("aggregator store is read-only: no publisher configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.publisherURL+"/v1/blobs", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to publish blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("publisher returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var published publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&published); err != nil {
		return "", fmt.Errorf("failed to decode publisher response: %w", err)
	}

	switch {
	case published.NewlyCreated != nil && published.NewlyCreated.BlobObject.BlobID != "":
		return published.NewlyCreated.BlobObject.BlobID, nil
	case published.AlreadyCertified != nil && published.AlreadyCertified.BlobID != "":
		return published.AlreadyCertified.BlobID, nil
	default:
		return "", errors.New("publisher response carries no blob id")
	}
}

// Available reports whether the aggregator answers HTTP at all.
func (b *AggregatorStore) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("Aggregator unavailable", slog.String("url", b.baseURL), "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (b *AggregatorStore) Name() string {
	return "aggregator-" + strings.TrimPrefix(strings.TrimPrefix(b.baseURL, "https://"), "http://")
}

func (b *AggregatorStore) LocationURI() string {
	if b.publisherURL == "" {
		return b.baseURL
	}
	return fmt.Sprintf("%s?publisher=%s", b.baseURL, url.QueryEscape(b.publisherURL))
}
