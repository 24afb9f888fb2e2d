package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-trust-broker/attestation"
	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/classifier"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/metrics"
	"github.com/ruteri/enclave-trust-broker/orchestrator"
)

const (
	OperationUpload = "upload"

	StageUpload = "upload"
	StageAttest = "attest"

	// MaxUploadSize bounds a single upload held in memory.
	MaxUploadSize = orchestrator.MaxDatasetSize
)

// Config wires the broker. Identity, Store and Scorer are required.
type Config struct {
	Identity  *cryptoutils.EnclaveIdentity
	Store     interfaces.BlobStore
	Decrypter orchestrator.Decrypter
	Scorer    interfaces.Scorer
	Publisher interfaces.Publisher
	Policies  *callpolicy.Set
	Metrics   *metrics.Metrics

	// MirrorUploads also writes uploaded bytes to Store.
	MirrorUploads bool
}

// UploadResult describes an accepted upload.
type UploadResult struct {
	FileID        string                   `json:"file_id"`
	ContentHash   interfaces.ContentDigest `json:"content_hash"`
	Size          int                      `json:"size"`
	FileName      string                   `json:"file_name"`
	FileType      interfaces.FileType      `json:"file_type"`
	Format        interfaces.FormatKind    `json:"format"`
	UploadedAt    time.Time                `json:"uploaded_at"`
	AttestationID string                   `json:"attestation_id"`
	BlobRef       string                   `json:"blob_ref,omitempty"`
}

// Health is a snapshot of the broker state.
type Health struct {
	Status       string `json:"status"`
	PublicKey    string `json:"public_key"`
	EnclaveID    string `json:"enclave_id"`
	Files        int    `json:"files"`
	Attestations int    `json:"attestations"`
	BlobStore    string `json:"blob_store"`
	KeyRelease   bool   `json:"key_release"`
}

// Service is the broker application state: the enclave identity, the
// in-memory registries and the assessment pipeline. It is created once at
// startup and shared by every request handler.
type Service struct {
	signer       *attestation.Service
	attestations *attestation.Registry
	files        *FileRegistry
	store        *uploadStore
	orchestrator *orchestrator.Orchestrator
	policies     *callpolicy.Set
	metrics      *metrics.Metrics
	mirror       bool
	keyRelease   bool
	log          *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.Identity == nil {
		return nil, errors.New("enclave identity is required")
	}

	if cfg.Policies == nil {
		cfg.Policies = callpolicy.Defaults()
	}

	signer := attestation.NewService(cfg.Identity, log)
	files := NewFileRegistry()
	store := &uploadStore{files: files, backing: cfg.Store}

	o, err := orchestrator.New(orchestrator.Config{
		Store:     store,
		Decrypter: cfg.Decrypter,
		Scorer:    cfg.Scorer,
		Signer:    signer,
		Publisher: cfg.Publisher,
		Policies:  cfg.Policies,
	}, log)
	if err != nil {
		return nil, err
	}

	return &Service{
		signer:       signer,
		attestations: attestation.NewRegistry(),
		files:        files,
		store:        store,
		orchestrator: o,
		policies:     cfg.Policies,
		metrics:      cfg.Metrics,
		mirror:       cfg.MirrorUploads && cfg.Store != nil,
		keyRelease:   cfg.Decrypter != nil,
		log:          log,
	}, nil
}

// Upload stores data in the file registry and signs an "upload" attestation
// over its digest.
func (s *Service) Upload(ctx context.Context, name string, fileType interfaces.FileType, data []byte) (*UploadResult, error) {
	if len(data) == 0 {
		return nil, interfaces.NewInputError(StageUpload, classifier.ErrEmptyPayload)
	}
	if len(data) > MaxUploadSize {
		return nil, interfaces.Errorf(interfaces.KindInput, StageUpload, "upload is %d bytes, limit is %d", len(data), MaxUploadSize)
	}
	if name == "" {
		name = "unnamed"
	}
	if fileType == "" {
		fileType = interfaces.FileTypeFromName(name)
	}

	entry := &interfaces.FileEntry{
		ID:         uuid.New().String(),
		Name:       name,
		Type:       fileType,
		Digest:     classifier.ComputeDigest(data),
		Size:       len(data),
		Format:     classifier.DetectFormat(data),
		UploadedAt: time.Now().UTC(),
		Data:       append([]byte(nil), data...),
	}

	var blobRef string
	if s.mirror {
		storeCtx, cancel := s.policies.For(callpolicy.BlobStore).WithTimeout(ctx)
		ref, err := s.store.Store(storeCtx, data)
		cancel()
		if err != nil {
			return nil, interfaces.NewUpstreamError(StageUpload, fmt.Errorf("mirroring upload to %s: %w", s.store.Name(), err))
		}
		blobRef = ref
	}

	att, err := s.signer.Sign(entry.Digest, OperationUpload, map[string]any{
		"file_id":   entry.ID,
		"file_name": entry.Name,
		"file_type": entry.Type,
		"size":      entry.Size,
		"format":    entry.Format,
	})
	if err != nil {
		return nil, err
	}

	s.files.Put(entry)
	s.attestations.Put(att)
	s.metrics.ObserveUpload()
	s.metrics.ObserveAttestation(OperationUpload)

	s.log.Info("file uploaded",
		slog.String("file_id", entry.ID),
		slog.String("file_name", entry.Name),
		slog.Int("size", entry.Size),
		slog.String("content_hash", entry.Digest.String()),
		slog.String("attestation_id", att.ID))

	return &UploadResult{
		FileID:        entry.ID,
		ContentHash:   entry.Digest,
		Size:          entry.Size,
		FileName:      entry.Name,
		FileType:      entry.Type,
		Format:        entry.Format,
		UploadedAt:    entry.UploadedAt,
		AttestationID: att.ID,
		BlobRef:       blobRef,
	}, nil
}

// GetFile returns the metadata of an uploaded file.
func (s *Service) GetFile(id string) (*interfaces.FileEntry, error) {
	return s.files.Get(id)
}

// ListFiles returns the metadata of every uploaded file.
func (s *Service) ListFiles() []*interfaces.FileEntry {
	return s.files.List()
}

// Attest signs an attestation with an arbitrary operation label over the
// digest of an uploaded file.
func (s *Service) Attest(fileID, operation string, metadata map[string]any) (*interfaces.Attestation, error) {
	entry, err := s.files.Get(fileID)
	if err != nil {
		return nil, err
	}
	if operation == "" {
		return nil, interfaces.Errorf(interfaces.KindInput, StageAttest, "operation is required")
	}

	details := map[string]any{
		"file_id":   entry.ID,
		"file_name": entry.Name,
	}
	if len(metadata) > 0 {
		details["metadata"] = metadata
	}

	att, err := s.signer.Sign(entry.Digest, operation, details)
	if err != nil {
		return nil, err
	}
	s.attestations.Put(att)
	s.metrics.ObserveAttestation(operation)

	s.log.Info("attestation signed",
		slog.String("attestation_id", att.ID),
		slog.String("file_id", entry.ID),
		slog.String("operation", operation))
	return att, nil
}

func (s *Service) GetAttestation(id string) (*interfaces.Attestation, error) {
	return s.attestations.Get(id)
}

func (s *Service) ListAttestations() []*interfaces.Attestation {
	return s.attestations.List()
}

// Verify checks att against its embedded signer. local reports whether the
// signer is this broker's identity.
func (s *Service) Verify(att *interfaces.Attestation) (valid, local bool) {
	valid = attestation.Verify(att)
	s.metrics.ObserveVerification(valid)
	return valid, valid && s.signer.IsLocalSigner(att)
}

// Assess runs the assessment pipeline and records the signed result.
func (s *Service) Assess(ctx context.Context, req orchestrator.AssessRequest) (*orchestrator.AssessResult, error) {
	start := time.Now()
	res, err := s.orchestrator.Assess(ctx, req)
	s.metrics.ObserveAssessment(err, time.Since(start))
	if err != nil {
		s.log.Warn("assessment failed",
			slog.String("model_ref", req.ModelRef),
			slog.String("dataset_ref", req.DatasetRef),
			slog.String("kind", interfaces.KindOf(err).String()),
			slog.String("stage", interfaces.StageOf(err)),
			"err", err)
		return nil, err
	}

	s.attestations.Put(res.Attestation)
	s.metrics.ObserveAttestation(orchestrator.OperationAssess)
	return res, nil
}

// IdentityReport returns the software-only identity report over userData.
func (s *Service) IdentityReport(userData []byte) (*attestation.IdentityReport, error) {
	report, err := s.signer.GenerateIdentityReport(userData)
	if err != nil {
		return nil, interfaces.NewInputError("identity", err)
	}
	return report, nil
}

func (s *Service) Health(ctx context.Context) *Health {
	status := "healthy"
	if !s.store.Available(ctx) {
		status = "degraded"
	}
	identity := s.signer.Identity()
	return &Health{
		Status:       status,
		PublicKey:    identity.PublicKeyHex(),
		EnclaveID:    identity.ID(),
		Files:        s.files.Len(),
		Attestations: s.attestations.Len(),
		BlobStore:    s.store.Name(),
		KeyRelease:   s.keyRelease,
	}
}
