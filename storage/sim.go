package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// simModelWeights is the size of the zeroed weight section of a simulated model.
const simModelWeights = 500_000

var simModelMetadata = []byte(`{"model_type":"neural_network","framework":"pytorch","input_shape":[1,784],"output_shape":[1,10],"parameters":101770}`)

// SimStore serves blobs without any network access. Stored blobs are kept
// in memory; any other reference resolves to generated demo content: a CSV
// dataset when the reference names a dataset, a pickled model otherwise.
type SimStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	log   *slog.Logger
}

func NewSimStore(log *slog.Logger) *SimStore {
	return &SimStore{blobs: make(map[string][]byte), log: log}
}

func (s *SimStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", interfaces.ErrInvalidBlobRef)
	}

	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if ok {
		return append([]byte(nil), data...), nil
	}

	if IsSimDatasetRef(ref) {
		s.log.Debug("Generating simulated dataset", slog.String("ref", ref))
		return SimDataset(), nil
	}
	s.log.Debug("Generating simulated model", slog.String("ref", ref))
	return SimModel(), nil
}

func (s *SimStore) Store(ctx context.Context, data []byte) (string, error) {
	ref := DigestRef(data)
	s.mu.Lock()
	s.blobs[ref] = append([]byte(nil), data...)
	s.mu.Unlock()
	return ref, nil
}

func (s *SimStore) Available(ctx context.Context) bool { return true }

func (s *SimStore) Name() string { return "sim" }

func (s *SimStore) LocationURI() string { return "sim://" }

// IsSimDatasetRef reports whether a simulated reference names a dataset.
func IsSimDatasetRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.Contains(lower, "dataset") || strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, "_test")
}

// SimModel returns a pickle-framed model: protocol header, JSON metadata
// and zeroed weights.
func SimModel() []byte {
	model := make([]byte, 0, 2+len(simModelMetadata)+simModelWeights)
	model = append(model, 0x80, 0x04)
	model = append(model, simModelMetadata...)
	return append(model, make([]byte, simModelWeights)...)
}

// SimDataset returns a 1000-row CSV with three features and a binary label.
func SimDataset() []byte {
	var buf bytes.Buffer
	buf.WriteString("feature1,feature2,feature3,label\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&buf, "%g,%g,%g,%d\n", float32(i)*0.1, float32(i)*0.2, float32(i)*0.3, i%2)
	}
	return buf.Bytes()
}
