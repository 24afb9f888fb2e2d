package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// FileRegistry is the in-memory store of uploaded files, indexed by file id
// and by content digest. It is lost on restart.
type FileRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*interfaces.FileEntry
	byDigest map[interfaces.ContentDigest]string
}

func NewFileRegistry() *FileRegistry {
	return &FileRegistry{
		byID:     make(map[string]*interfaces.FileEntry),
		byDigest: make(map[interfaces.ContentDigest]string),
	}
}

// Put stores entry. The first upload of a digest keeps the digest index.
func (r *FileRegistry) Put(entry *interfaces.FileEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[entry.ID] = entry
	if _, ok := r.byDigest[entry.Digest]; !ok {
		r.byDigest[entry.Digest] = entry.ID
	}
}

// Get returns the entry with id. The returned entry must not be modified.
func (r *FileRegistry) Get(id string) (*interfaces.FileEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byID[id]
	if !ok {
		return nil, interfaces.ErrFileNotFound
	}
	return entry, nil
}

// Resolve finds a file by id or by hex content digest.
func (r *FileRegistry) Resolve(ref string) (*interfaces.FileEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.byID[ref]; ok {
		return entry, true
	}
	digest, err := interfaces.NewContentDigestFromHex(ref)
	if err != nil {
		return nil, false
	}
	id, ok := r.byDigest[digest]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// List returns the entries ordered by upload time.
func (r *FileRegistry) List() []*interfaces.FileEntry {
	r.mu.RLock()
	out := make([]*interfaces.FileEntry, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out
}

func (r *FileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// uploadStore lets assessments reference uploaded files by id or digest.
// Other references go to the backing store.
type uploadStore struct {
	files   *FileRegistry
	backing interfaces.BlobStore
}

func (s *uploadStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if entry, ok := s.files.Resolve(ref); ok {
		return append([]byte(nil), entry.Data...), nil
	}
	if s.backing == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, ref)
	}
	return s.backing.Fetch(ctx, ref)
}

func (s *uploadStore) Store(ctx context.Context, data []byte) (string, error) {
	if s.backing == nil {
		return "", fmt.Errorf("%w: no blob store configured", interfaces.ErrBackendUnavailable)
	}
	return s.backing.Store(ctx, data)
}

func (s *uploadStore) Available(ctx context.Context) bool {
	return s.backing == nil || s.backing.Available(ctx)
}

func (s *uploadStore) Name() string {
	if s.backing == nil {
		return "uploads"
	}
	return "uploads+" + s.backing.Name()
}

func (s *uploadStore) LocationURI() string {
	if s.backing == nil {
		return "uploads://"
	}
	return s.backing.LocationURI()
}
