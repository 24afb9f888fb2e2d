package attestation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, interfaces.ErrAttestationNotFound)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Put(&interfaces.Attestation{ID: "b", Operation: "upload", Timestamp: base.Add(time.Minute)})
	r.Put(&interfaces.Attestation{ID: "a", Operation: "assess", Timestamp: base})
	r.Put(&interfaces.Attestation{ID: "a", Operation: "overwrite", Timestamp: base})

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "assess", got.Operation)

	got.Operation = "mutated"
	again, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "assess", again.Operation)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Put(&interfaces.Attestation{ID: fmt.Sprintf("att-%d", i), Timestamp: time.Now()})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
