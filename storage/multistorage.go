package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// MultiStore fans out over several stores: Fetch returns the first hit,
// Store writes to every available store.
type MultiStore struct {
	stores []interfaces.BlobStore
	log    *slog.Logger
}

func NewMultiStore(stores []interfaces.BlobStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStore{stores: stores, log: logger}
}

// Fetch tries each available store in order. ErrContentNotFound is returned
// only when every store that answered reported the blob missing.
func (m *MultiStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable",
				slog.String("store", store.Name()),
				slog.String("ref", ref))
			continue
		}

		data, err := store.Fetch(ctx, ref)
		if err == nil {
			m.log.Info("Fetched blob",
				slog.String("store", store.Name()),
				slog.String("ref", ref),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to fetch from store",
			slog.String("store", store.Name()),
			slog.String("ref", ref),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no store available for %s", interfaces.ErrBackendUnavailable, ref)
	}

	allMissing := true
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			allMissing = false
			break
		}
	}
	if allMissing {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, ref)
	}

	m.log.Error("All stores failed to fetch blob",
		slog.String("ref", ref),
		slog.Int("failed_stores", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("all stores failed to fetch %s: %w", ref, errors.Join(errs...))
}

// Store writes data to every available store and returns the reference from
// the first that succeeded.
func (m *MultiStore) Store(ctx context.Context, data []byte) (string, error) {
	var result string
	var errs []error

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Store unavailable", slog.String("store", store.Name()))
			continue
		}

		ref, err := store.Store(ctx, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Debug("Failed to store blob", slog.String("store", store.Name()), "err", err)
			continue
		}

		if result == "" {
			result = ref
		} else if ref != result {
			m.log.Debug("Store addresses blob under a different reference",
				slog.String("store", store.Name()),
				slog.String("ref", ref),
				slog.String("primary_ref", result))
		}
	}

	if result == "" {
		return "", fmt.Errorf("all stores failed to store blob: %w", errors.Join(errs...))
	}
	return result, nil
}

func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string {
	return "multi-store"
}

func (m *MultiStore) LocationURI() string {
	locations := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
