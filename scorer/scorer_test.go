package scorer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() *interfaces.EvaluationRequest {
	return &interfaces.EvaluationRequest{
		ModelBlobID:    "model-1",
		DatasetBlobID:  "dataset-1",
		ModelData:      []byte{0x80, 0x04, 'w'},
		DatasetData:    []byte("a,b\n1,2\n"),
		ModelFormat:    interfaces.SerializedObject,
		DatasetFormat:  interfaces.DelimitedText,
		AssessmentType: interfaces.QualityAnalysis,
		QualityMetrics: []string{"accuracy"},
	}
}

func newScorerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	mux := chi.NewRouter()
	mux.Post("/evaluate", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func scorerPolicy(timeout time.Duration) callpolicy.Policy {
	return callpolicy.Policy{Timeout: timeout, MaxAttempts: 1}
}

func TestClient_Evaluate(t *testing.T) {
	const evaluation = `{"quality_score": 87, "data_integrity_score": 90, "accuracy_metrics": {"precision": 0.9, "rmse": null}, "bias_assessment": {"bias_detected": false, "bias_type": null, "fairness_score": 85}}`

	srv := newScorerServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Binary fields travel base64-encoded.
		assert.Equal(t, "gAR3", req["model_data"])
		assert.Equal(t, "serialized_object", req["model_format"])
		assert.Equal(t, "quality_analysis", req["assessment_type"])

		_, _ = w.Write([]byte(`{"status":"ok","evaluation":` + evaluation + `}`))
	})

	client := NewClient(srv.URL+"/", scorerPolicy(time.Second), nil, testLogger())
	result, err := client.Evaluate(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, 87.0, result.QualityScore)
	assert.Equal(t, 0.9, result.AccuracyMetrics["precision"])
	assert.Equal(t, false, result.BiasAssessment["bias_detected"])
	assert.JSONEq(t, evaluation, string(result.Raw))
	assert.Equal(t, evaluation, string(result.Raw), "raw evaluation bytes are kept verbatim")
}

func TestClient_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		delay   time.Duration
		message string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "model load failed", message: "status 500"},
		{name: "missing evaluation", status: http.StatusOK, body: `{"status":"ok"}`, message: "no evaluation"},
		{name: "null evaluation", status: http.StatusOK, body: `{"evaluation":null}`, message: "no evaluation"},
		{name: "missing quality score", status: http.StatusOK, body: `{"evaluation":{"data_integrity_score":1}}`, message: "quality_score"},
		{name: "score out of range", status: http.StatusOK, body: `{"evaluation":{"quality_score":140}}`, message: "out of range"},
		{name: "not json", status: http.StatusOK, body: `<html>`, message: "parse"},
		{name: "timeout", status: http.StatusOK, body: `{"evaluation":{"quality_score":1}}`, delay: 500 * time.Millisecond, message: "deadline"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newScorerServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.delay > 0 {
					select {
					case <-time.After(tc.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			client := NewClient(srv.URL, scorerPolicy(100*time.Millisecond), nil, testLogger())
			_, err := client.Evaluate(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, interfaces.KindUpstream, interfaces.KindOf(err))
			assert.Equal(t, StageScoring, interfaces.StageOf(err))
			assert.ErrorContains(t, err, tc.message)
		})
	}
}

func TestSim_Evaluate(t *testing.T) {
	sim := NewSim(testLogger())

	req := testRequest()
	req.ModelData = storage.SimModel()
	req.DatasetData = storage.SimDataset()

	first, err := sim.Evaluate(context.Background(), req)
	require.NoError(t, err)
	second, err := sim.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Raw, second.Raw)

	// 101770 parameters and 1000 rows with four columns.
	assert.Equal(t, int64(101770), modelParameters(req.ModelData))
	rows, columns := datasetShape(req.DatasetData)
	assert.Equal(t, int64(1000), rows)
	assert.Equal(t, int64(4), columns)
	assert.Equal(t, 66.0, first.QualityScore)
	assert.Equal(t, 70.0, first.DataIntegrityScore)

	parsed, err := ParseEvaluation([]byte(`{"evaluation":` + string(first.Raw) + `}`))
	require.NoError(t, err)
	assert.Equal(t, first.QualityScore, parsed.QualityScore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sim.Evaluate(ctx, req)
	assert.Equal(t, interfaces.KindUpstream, interfaces.KindOf(err))
}
