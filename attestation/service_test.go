package attestation

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/enclave-trust-broker/classifier"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	return NewService(identity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// flipHex replaces the character at i with a different lowercase hex digit.
func flipHex(s string, i int) string {
	repl := byte('0')
	if s[i] == '0' {
		repl = '1'
	}
	return s[:i] + string(repl) + s[i+1:]
}

func TestSignAndVerify(t *testing.T) {
	svc := newTestService(t)
	subject := classifier.ComputeDigest([]byte("model weights"))

	att, err := svc.Sign(subject, "upload", map[string]any{"file_name": "model.pkl", "file_size": 13})
	require.NoError(t, err)

	assert.NotEmpty(t, att.ID)
	assert.Equal(t, subject, att.SubjectDigest)
	assert.Equal(t, "upload", att.Operation)
	assert.Equal(t, svc.Identity().PublicKeyHex(), att.SignerPublicKey)
	assert.True(t, Verify(att))
	assert.True(t, svc.Verify(att))
	assert.True(t, svc.IsLocalSigner(att))

	details, err := Details(att)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_name":"model.pkl","file_size":13}`, string(details))
}

func TestSign_Validation(t *testing.T) {
	svc := newTestService(t)
	subject := classifier.ComputeDigest([]byte("x"))

	_, err := svc.Sign(subject, "", nil)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInput, interfaces.KindOf(err))

	_, err = svc.Sign(subject, "upload", []string{"not", "an", "object"})
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInput, interfaces.KindOf(err))

	att, err := svc.Sign(subject, "upload", nil)
	require.NoError(t, err)
	assert.True(t, Verify(att))
}

func TestVerify_Tampering(t *testing.T) {
	svc := newTestService(t)
	other := newTestService(t)
	subject := classifier.ComputeDigest([]byte("dataset"))

	sign := func() *interfaces.Attestation {
		att, err := svc.Sign(subject, "assess", map[string]any{"score": 0.9})
		require.NoError(t, err)
		return att
	}

	testCases := []struct {
		name   string
		mutate func(att *interfaces.Attestation)
	}{
		{"metadata detail changed", func(att *interfaces.Attestation) {
			att.Metadata = json.RawMessage(strings.Replace(string(att.Metadata), "0.9", "1.0", 1))
		}},
		{"operation changed", func(att *interfaces.Attestation) { att.Operation = "upload" }},
		{"subject changed", func(att *interfaces.Attestation) {
			att.SubjectDigest = classifier.ComputeDigest([]byte("other"))
		}},
		{"timestamp changed", func(att *interfaces.Attestation) { att.Timestamp = att.Timestamp.Add(time.Second) }},
		{"id changed", func(att *interfaces.Attestation) { att.ID = "forged" }},
		{"signature corrupted", func(att *interfaces.Attestation) { att.Signature = flipHex(att.Signature, 10) }},
		{"signature truncated", func(att *interfaces.Attestation) { att.Signature = att.Signature[:64] }},
		{"signature uppercase", func(att *interfaces.Attestation) { att.Signature = strings.ToUpper(att.Signature) }},
		{"signature not hex", func(att *interfaces.Attestation) { att.Signature = "zz" + att.Signature[2:] }},
		{"signer replaced", func(att *interfaces.Attestation) { att.SignerPublicKey = other.Identity().PublicKeyHex() }},
		{"signer truncated", func(att *interfaces.Attestation) { att.SignerPublicKey = att.SignerPublicKey[:10] }},
		{"metadata not json", func(att *interfaces.Attestation) { att.Metadata = json.RawMessage("{") }},
		{"metadata empty", func(att *interfaces.Attestation) { att.Metadata = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			att := sign()
			require.True(t, Verify(att))
			tc.mutate(att)
			assert.False(t, Verify(att))
		})
	}

	assert.False(t, Verify(nil))
}

func TestVerify_ReformattedMetadata(t *testing.T) {
	svc := newTestService(t)
	att, err := svc.Sign(classifier.ComputeDigest([]byte("x")), "upload", map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)

	var generic map[string]any
	dec := json.NewDecoder(strings.NewReader(string(att.Metadata)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&generic))
	pretty, err := json.MarshalIndent(generic, "", "  ")
	require.NoError(t, err)

	att.Metadata = pretty
	assert.True(t, Verify(att), "whitespace and key order are not significant")
}

func TestVerify_JSONRoundTrip(t *testing.T) {
	svc := newTestService(t)
	att, err := svc.Sign(classifier.ComputeDigest([]byte("x")), "attest", map[string]any{"k": "v"})
	require.NoError(t, err)

	raw, err := json.Marshal(att)
	require.NoError(t, err)

	var decoded interfaces.Attestation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, Verify(&decoded))
}

func TestVerify_ForeignSigner(t *testing.T) {
	svc := newTestService(t)
	other := newTestService(t)

	att, err := other.Sign(classifier.ComputeDigest([]byte("x")), "attest", nil)
	require.NoError(t, err)

	assert.True(t, svc.Verify(att))
	assert.False(t, svc.IsLocalSigner(att))
}

func TestIdentityReport(t *testing.T) {
	svc := newTestService(t)

	report, err := svc.GenerateIdentityReport([]byte("nonce-123"))
	require.NoError(t, err)

	doc, err := VerifyIdentityReport(report)
	require.NoError(t, err)
	assert.Equal(t, svc.Identity().PublicKeyHex(), doc.PublicKey)
	assert.True(t, doc.SoftwareOnly)
	assert.Equal(t, "bm9uY2UtMTIz", doc.UserData)
	require.Len(t, doc.Measurements, 3)
	assert.Len(t, doc.Measurements["pcr1"], 2*MeasurementSize)
	assert.Equal(t, strings.Repeat("01", MeasurementSize), doc.Measurements["pcr1"])

	report.Signature = flipHex(report.Signature, 0)
	_, err = VerifyIdentityReport(report)
	assert.Error(t, err)

	_, err = svc.GenerateIdentityReport(make([]byte, MaxUserDataSize+1))
	assert.Error(t, err)
}
