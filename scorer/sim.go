package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// Sim scores locally from coarse properties of the inputs: parameter count
// of the model and row and column counts of the dataset. It is
// deterministic and never fails on well-formed requests.
type Sim struct {
	log *slog.Logger
}

func NewSim(log *slog.Logger) *Sim {
	return &Sim{log: log}
}

func (s *Sim) Evaluate(ctx context.Context, req *interfaces.EvaluationRequest) (*interfaces.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, interfaces.NewUpstreamError(StageScoring, err)
	}

	parameters := modelParameters(req.ModelData)
	rows, columns := datasetShape(req.DatasetData)

	dataFactor := 0.7
	if rows > 1000 {
		dataFactor = 0.9
	}
	modelFactor := 0.8
	if parameters > 50000 {
		modelFactor = 0.95
	}
	accuracy := dataFactor * modelFactor

	inferenceMS := min(max(parameters/1000+rows/10, 50), 30000)
	integrity := 70.0
	if columns > 5 && rows > 500 {
		integrity = 90
	}

	evaluation := interfaces.Evaluation{
		QualityScore:       float64(int64(accuracy*85 + 10)),
		DataIntegrityScore: integrity,
		AccuracyMetrics: map[string]float64{
			"precision": accuracy + 0.02,
			"recall":    accuracy - 0.01,
			"f1_score":  accuracy,
			"auc":       accuracy + 0.05,
		},
		PerformanceMetrics: map[string]float64{
			"inference_time_ms":             float64(inferenceMS),
			"memory_usage_mb":               float64(max(parameters*4/1_048_576, 10)),
			"throughput_samples_per_second": float64(max(100000/inferenceMS, 1)),
		},
		BiasAssessment: map[string]any{
			"fairness_score":     85.0,
			"bias_detected":      false,
			"demographic_parity": 0.95,
			"equalized_odds":     0.93,
		},
	}

	raw, err := json.Marshal(evaluation)
	if err != nil {
		return nil, interfaces.NewInternalError(StageScoring, fmt.Errorf("failed to marshal evaluation: %w", err))
	}
	evaluation.Raw = raw

	s.log.Info("Simulated evaluation completed",
		slog.String("assessment_type", string(req.AssessmentType)),
		slog.Int64("parameters", parameters),
		slog.Int64("rows", rows),
		slog.Float64("quality_score", evaluation.QualityScore))

	return &evaluation, nil
}

// modelParameters reads a "parameters" count from JSON metadata embedded
// near the start of the model, falling back to one float32 per 4 bytes.
func modelParameters(model []byte) int64 {
	if start := bytes.IndexByte(model, '{'); start >= 0 && start < 64 {
		var meta struct {
			Parameters int64 `json:"parameters"`
		}
		if err := json.NewDecoder(bytes.NewReader(model[start:])).Decode(&meta); err == nil && meta.Parameters > 0 {
			return meta.Parameters
		}
	}
	return int64(len(model) / 4)
}

// datasetShape counts data rows (excluding the header) and header columns
// of delimited text.
func datasetShape(dataset []byte) (rows, columns int64) {
	lines := bytes.Split(bytes.TrimRight(dataset, "\n"), []byte("\n"))
	if len(lines) == 0 || len(lines[0]) == 0 {
		return 0, 0
	}
	columns = int64(bytes.Count(lines[0], []byte(","))) + 1
	return int64(len(lines) - 1), columns
}
