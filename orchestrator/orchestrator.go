package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-trust-broker/attestation"
	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/classifier"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
)

// Pipeline stages reported in typed errors.
const (
	StageRequest    = "request"
	StageFetch      = "fetch"
	StageClassify   = "classify"
	StageKeyRelease = keyrelease.StageKeyRelease
	StageSanity     = "sanity_check"
	StageScoring    = "scoring"
	StageSigning    = "signing"
	StagePublish    = "publish"
)

// OperationAssess labels assessment attestations.
const OperationAssess = "assess"

const (
	MaxModelSize   = 500 << 20
	MaxDatasetSize = 2048 << 20
)

// Decrypter recovers the plaintext of an encrypted blob.
type Decrypter interface {
	Decrypt(ctx context.Context, payload []byte) (*keyrelease.Result, error)
}

// AssessRequest names the two blobs to assess and how.
type AssessRequest struct {
	ModelRef   string
	DatasetRef string
	Kind       interfaces.AssessmentKind
	Metrics    []string
}

// BlobReport describes one input blob as it moved through the pipeline.
type BlobReport struct {
	Ref             string                   `json:"ref"`
	Digest          interfaces.ContentDigest `json:"digest"`
	PlaintextDigest interfaces.ContentDigest `json:"plaintext_digest"`
	Size            int                      `json:"size"`
	Format          interfaces.FormatKind    `json:"format"`
	Subtype         string                   `json:"subtype"`
	Encrypted       bool                     `json:"encrypted"`
	Authoritative   bool                     `json:"authoritative"`
}

// AssessResult is the signed outcome of one assessment.
type AssessResult struct {
	AssessmentID     string                    `json:"assessment_id"`
	Kind             interfaces.AssessmentKind `json:"assessment_type"`
	Metrics          []string                  `json:"quality_metrics"`
	Model            BlobReport                `json:"model"`
	Dataset          BlobReport                `json:"dataset"`
	Evaluation       json.RawMessage           `json:"evaluation"`
	QualityScore     float64                   `json:"quality_score"`
	ResultDigest     interfaces.ContentDigest  `json:"result_digest"`
	NonAuthoritative bool                      `json:"non_authoritative"`
	ProcessingTimeMs int64                     `json:"processing_time_ms"`
	Attestation      *interfaces.Attestation   `json:"attestation"`
	Publication      *interfaces.Publication   `json:"publication,omitempty"`
}

// Config wires the orchestrator's collaborators. Decrypter and Publisher
// are optional.
type Config struct {
	Store     interfaces.BlobStore
	Decrypter Decrypter
	Scorer    interfaces.Scorer
	Signer    *attestation.Service
	Publisher interfaces.Publisher
	Policies  *callpolicy.Set

	// MaxModelSize and MaxDatasetSize default to the package limits when zero.
	MaxModelSize   int
	MaxDatasetSize int
}

// Orchestrator runs the assessment pipeline. It holds no per-request state
// and is safe for concurrent use.
type Orchestrator struct {
	store     interfaces.BlobStore
	decrypter Decrypter
	scorer    interfaces.Scorer
	signer    *attestation.Service
	publisher interfaces.Publisher
	policies  *callpolicy.Set
	log       *slog.Logger
	now       func() time.Time

	maxModelSize   int
	maxDatasetSize int
}

// New validates cfg and returns an orchestrator.
func New(cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Scorer == nil {
		return nil, errors.New("scorer is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("attestation service is required")
	}
	if cfg.Policies == nil {
		cfg.Policies = callpolicy.Defaults()
	}
	if cfg.MaxModelSize <= 0 {
		cfg.MaxModelSize = MaxModelSize
	}
	if cfg.MaxDatasetSize <= 0 {
		cfg.MaxDatasetSize = MaxDatasetSize
	}

	return &Orchestrator{
		store:     cfg.Store,
		decrypter: cfg.Decrypter,
		scorer:    cfg.Scorer,
		signer:    cfg.Signer,
		publisher: cfg.Publisher,
		policies:  cfg.Policies,
		log:       log,
		now:       time.Now,

		maxModelSize:   cfg.MaxModelSize,
		maxDatasetSize: cfg.MaxDatasetSize,
	}, nil
}

// preparedBlob is a blob after fetch, classification, decryption and
// sanity checking.
type preparedBlob struct {
	report    BlobReport
	plaintext []byte
}

// Assess runs the full pipeline. Any stage failure aborts the pipeline with
// an error tagged with that stage; no partial result is returned.
func (o *Orchestrator) Assess(ctx context.Context, req AssessRequest) (*AssessResult, error) {
	start := o.now()

	kind, err := interfaces.ParseAssessmentKind(string(req.Kind))
	if err != nil {
		return nil, interfaces.NewInputError(StageRequest, err)
	}
	if req.ModelRef == "" || req.DatasetRef == "" {
		return nil, interfaces.Errorf(interfaces.KindInput, StageRequest, "model and dataset references are required")
	}

	log := o.log.With(
		slog.String("model_ref", req.ModelRef),
		slog.String("dataset_ref", req.DatasetRef),
		slog.String("assessment_type", string(kind)))
	log.Info("starting assessment")

	model, err := o.prepare(ctx, log, req.ModelRef, o.maxModelSize)
	if err != nil {
		return nil, err
	}
	dataset, err := o.prepare(ctx, log, req.DatasetRef, o.maxDatasetSize)
	if err != nil {
		return nil, err
	}

	evaluation, err := o.evaluate(ctx, req, kind, model, dataset)
	if err != nil {
		return nil, err
	}

	digest := ResultDigest(evaluation.Raw, model.report.Digest, dataset.report.Digest)
	nonAuthoritative := !model.report.Authoritative || !dataset.report.Authoritative

	result := &AssessResult{
		AssessmentID:     uuid.New().String(),
		Kind:             kind,
		Metrics:          append([]string{}, req.Metrics...),
		Model:            model.report,
		Dataset:          dataset.report,
		Evaluation:       evaluation.Raw,
		QualityScore:     evaluation.QualityScore,
		ResultDigest:     digest,
		NonAuthoritative: nonAuthoritative,
	}

	att, err := o.signer.Sign(digest, OperationAssess, assessMetadata{
		AssessmentID:     result.AssessmentID,
		AssessmentType:   kind,
		QualityMetrics:   result.Metrics,
		ModelRef:         model.report.Ref,
		ModelDigest:      model.report.Digest,
		ModelFormat:      model.report.Format,
		DatasetRef:       dataset.report.Ref,
		DatasetDigest:    dataset.report.Digest,
		DatasetFormat:    dataset.report.Format,
		QualityScore:     evaluation.QualityScore,
		IntegrityScore:   evaluation.DataIntegrityScore,
		NonAuthoritative: nonAuthoritative,
	})
	if err != nil {
		if interfaces.StageOf(err) == "" {
			return nil, interfaces.NewInternalError(StageSigning, err)
		}
		return nil, err
	}
	result.Attestation = att
	result.Publication = o.publish(ctx, log, att)
	result.ProcessingTimeMs = o.now().Sub(start).Milliseconds()

	log.Info("assessment completed",
		slog.String("assessment_id", result.AssessmentID),
		slog.String("attestation_id", att.ID),
		slog.Float64("quality_score", result.QualityScore),
		slog.Bool("non_authoritative", nonAuthoritative),
		slog.Int64("processing_time_ms", result.ProcessingTimeMs))

	return result, nil
}

type assessMetadata struct {
	AssessmentID     string                    `json:"assessment_id"`
	AssessmentType   interfaces.AssessmentKind `json:"assessment_type"`
	QualityMetrics   []string                  `json:"quality_metrics"`
	ModelRef         string                    `json:"model_ref"`
	ModelDigest      interfaces.ContentDigest  `json:"model_digest"`
	ModelFormat      interfaces.FormatKind     `json:"model_format"`
	DatasetRef       string                    `json:"dataset_ref"`
	DatasetDigest    interfaces.ContentDigest  `json:"dataset_digest"`
	DatasetFormat    interfaces.FormatKind     `json:"dataset_format"`
	QualityScore     float64                   `json:"quality_score"`
	IntegrityScore   float64                   `json:"data_integrity_score"`
	NonAuthoritative bool                      `json:"non_authoritative"`
}

// prepare fetches ref and turns it into checked plaintext.
func (o *Orchestrator) prepare(ctx context.Context, log *slog.Logger, ref string, maxSize int) (*preparedBlob, error) {
	data, err := o.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(data) > maxSize {
		return nil, interfaces.Errorf(interfaces.KindInput, StageFetch, "blob %s is %d bytes, limit is %d", ref, len(data), maxSize)
	}

	report := BlobReport{
		Ref:           ref,
		Digest:        classifier.ComputeDigest(data),
		Size:          len(data),
		Authoritative: true,
	}

	if len(data) == 0 {
		return nil, interfaces.NewInputError(StageClassify, fmt.Errorf("blob %s: %w", ref, classifier.ErrEmptyPayload))
	}

	// Framed payloads go to key release whatever their entropy; unframed
	// blobs that look like ciphertext still do so they fail there instead of
	// being scored.
	plaintext := data
	if keyrelease.IsSealed(data) || classifier.EstimateEncryptionLikelihood(data) {
		report.Encrypted = true
		res, err := o.decrypt(ctx, ref, data)
		if err != nil {
			return nil, err
		}
		plaintext = res.Plaintext
		report.Authoritative = res.Authoritative
	}

	detection := classifier.Detect(plaintext)
	report.Format = detection.Kind
	report.Subtype = detection.Subtype
	report.PlaintextDigest = classifier.ComputeDigest(plaintext)

	if err := classifier.SanityCheck(detection.Kind, plaintext); err != nil {
		return nil, interfaces.NewInputError(StageSanity, fmt.Errorf("blob %s (%s): %w", ref, detection.Kind, err))
	}

	log.Debug("blob prepared",
		slog.String("ref", ref),
		slog.String("digest", report.Digest.String()),
		slog.String("format", report.Format.String()),
		slog.String("subtype", report.Subtype),
		slog.Bool("encrypted", report.Encrypted),
		slog.Int("size", report.Size))

	return &preparedBlob{report: report, plaintext: plaintext}, nil
}

func (o *Orchestrator) fetch(ctx context.Context, ref string) ([]byte, error) {
	fetchCtx, cancel := o.policies.For(callpolicy.BlobStore).WithTimeout(ctx)
	defer cancel()

	data, err := o.store.Fetch(fetchCtx, ref)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, interfaces.ErrInvalidBlobRef), errors.Is(err, interfaces.ErrInvalidLocationURI):
		return nil, interfaces.NewInputError(StageFetch, err)
	default:
		return nil, interfaces.NewUpstreamError(StageFetch, fmt.Errorf("fetching %s from %s: %w", ref, o.store.Name(), err))
	}
}

func (o *Orchestrator) decrypt(ctx context.Context, ref string, data []byte) (*keyrelease.Result, error) {
	if o.decrypter == nil {
		return nil, interfaces.Errorf(interfaces.KindInput, StageKeyRelease, "blob %s appears encrypted but no key servers are configured", ref)
	}

	res, err := o.decrypter.Decrypt(ctx, data)
	if err != nil {
		if interfaces.StageOf(err) == "" {
			return nil, interfaces.NewCryptoError(StageKeyRelease, err)
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, req AssessRequest, kind interfaces.AssessmentKind, model, dataset *preparedBlob) (*interfaces.Evaluation, error) {
	scoreCtx, cancel := o.policies.For(callpolicy.Scorer).WithTimeout(ctx)
	defer cancel()

	evaluation, err := o.scorer.Evaluate(scoreCtx, &interfaces.EvaluationRequest{
		ModelBlobID:    req.ModelRef,
		DatasetBlobID:  req.DatasetRef,
		ModelData:      model.plaintext,
		DatasetData:    dataset.plaintext,
		ModelFormat:    model.report.Format,
		DatasetFormat:  dataset.report.Format,
		AssessmentType: kind,
		QualityMetrics: req.Metrics,
	})
	if err != nil {
		if interfaces.StageOf(err) == "" {
			return nil, interfaces.NewUpstreamError(StageScoring, err)
		}
		return nil, err
	}
	if evaluation == nil || len(evaluation.Raw) == 0 {
		return nil, interfaces.Errorf(interfaces.KindUpstream, StageScoring, "scorer returned an empty result")
	}
	return evaluation, nil
}

// publish records att on the ledger. Publication is best effort: a failure
// is logged and the signed result is still returned.
func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, att *interfaces.Attestation) *interfaces.Publication {
	if o.publisher == nil {
		return nil
	}

	pubCtx, cancel := o.policies.For(callpolicy.Ledger).WithTimeout(ctx)
	defer cancel()

	publication, err := o.publisher.Publish(pubCtx, att)
	if err != nil {
		log.Warn("failed to publish assessment", slog.String("attestation_id", att.ID), "err", interfaces.NewUpstreamError(StagePublish, err))
		return nil
	}
	return publication
}

// ResultDigest is SHA-256 over the scorer's result bytes followed by the
// model and dataset digests.
func ResultDigest(result []byte, model, dataset interfaces.ContentDigest) interfaces.ContentDigest {
	h := sha256.New()
	h.Write(result)
	h.Write(model[:])
	h.Write(dataset[:])

	var d interfaces.ContentDigest
	copy(d[:], h.Sum(nil))
	return d
}
