package interfaces

import (
	"context"
	"encoding/json"
)

// EvaluationRequest is what the broker sends to the remote scorer. Model and
// dataset bytes are plaintext at this point.
type EvaluationRequest struct {
	ModelBlobID    string         `json:"model_blob_id"`
	DatasetBlobID  string         `json:"dataset_blob_id"`
	ModelData      []byte         `json:"model_data"`
	DatasetData    []byte         `json:"dataset_data"`
	ModelFormat    FormatKind     `json:"model_format"`
	DatasetFormat  FormatKind     `json:"dataset_format"`
	AssessmentType AssessmentKind `json:"assessment_type"`
	QualityMetrics []string       `json:"quality_metrics"`
}

// Evaluation is the scorer's opaque result. Raw keeps the exact response
// bytes so the signed digest covers what the scorer actually returned.
type Evaluation struct {
	QualityScore       float64            `json:"quality_score"`
	DataIntegrityScore float64            `json:"data_integrity_score"`
	AccuracyMetrics    map[string]float64 `json:"accuracy_metrics,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
	BiasAssessment     map[string]any     `json:"bias_assessment,omitempty"`
	Raw                json.RawMessage    `json:"-"`
}

// Scorer evaluates a model against a dataset.
type Scorer interface {
	Evaluate(ctx context.Context, req *EvaluationRequest) (*Evaluation, error)
}

// Publication is the ledger record for a signed result.
type Publication struct {
	AttestationID string        `json:"attestation_id"`
	ResultDigest  ContentDigest `json:"result_digest"`
	Signature     string        `json:"signature"`
	TxHash        string        `json:"tx_hash,omitempty"`
}

// Publisher records signed results on a ledger.
type Publisher interface {
	Publish(ctx context.Context, att *Attestation) (*Publication, error)
}
