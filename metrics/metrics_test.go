package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New("broker")

	m.ObserveAssessment(nil, 120*time.Millisecond)
	m.ObserveAssessment(interfaces.NewPolicyError("key_release", errors.New("denied")), time.Second)
	m.ObserveUpload()
	m.ObserveAttestation("upload")
	m.ObserveAttestation("upload")
	m.ObserveVerification(false)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	for _, line := range []string{
		`broker_assessments_total{outcome="ok",stage=""} 1`,
		`broker_assessments_total{outcome="PolicyError",stage="key_release"} 1`,
		`broker_assessment_duration_seconds_count 2`,
		`broker_uploads_total 1`,
		`broker_attestations_signed_total{operation="upload"} 2`,
		`broker_verifications_total{valid="false"} 1`,
	} {
		assert.Contains(t, string(body), line)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAssessment(nil, time.Second)
		m.ObserveUpload()
		m.ObserveAttestation("assess")
		m.ObserveVerification(true)
	})
}
