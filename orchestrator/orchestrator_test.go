package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-trust-broker/attestation"
	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/classifier"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"github.com/ruteri/enclave-trust-broker/keyserver"
	"github.com/ruteri/enclave-trust-broker/ledger"
	"github.com/ruteri/enclave-trust-broker/scorer"
	"github.com/ruteri/enclave-trust-broker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type denyAll struct{}

func (denyAll) Check(context.Context, *keyrelease.SessionCertificate, *keyrelease.AuthorizationDescriptor, keyrelease.PolicyCheck) (bool, string, error) {
	return false, "not on allow list", nil
}

type failingScorer struct{}

func (failingScorer) Evaluate(context.Context, *interfaces.EvaluationRequest) (*interfaces.Evaluation, error) {
	return nil, errors.New("scorer unreachable")
}

type testEnv struct {
	identity  *cryptoutils.EnclaveIdentity
	signer    *attestation.Service
	store     *storage.SimStore
	publisher *ledger.MemoryPublisher
	policies  *callpolicy.Set
	servers   []keyrelease.Server
}

func newTestEnv(t *testing.T) *testEnv {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)

	return &testEnv{
		identity:  identity,
		signer:    attestation.NewService(identity, testLogger()),
		store:     storage.NewSimStore(testLogger()),
		publisher: ledger.NewMemoryPublisher(),
		policies:  callpolicy.Defaults(),
	}
}

// sealToCluster seals plaintext 2-of-len(checkers), stores the payload and
// starts one key server per share.
func (env *testEnv) sealToCluster(t *testing.T, plaintext []byte, checkers ...keyserver.PolicyChecker) string {
	keyIDs := make([]keyrelease.ID, len(checkers))
	for i := range keyIDs {
		keyIDs[i] = keyrelease.IDFromName(fmt.Sprintf("orchestrator-ks-%d", i))
	}

	payload, shares, err := keyrelease.Seal(plaintext, keyrelease.IDFromName("policy"), keyrelease.IDFromName("model"), keyIDs, 2)
	require.NoError(t, err)

	for i, checker := range checkers {
		store, err := keyserver.NewShareStore(map[keyrelease.ID][]byte{keyIDs[i]: shares[i]}, nil)
		require.NoError(t, err)

		ks := keyserver.New(fmt.Sprintf("ks-%d", i), store, checker, testLogger())
		mux := chi.NewRouter()
		keyserver.NewHandler(ks, testLogger()).RegisterRoutes(mux)
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		env.servers = append(env.servers, keyrelease.Server{Name: ks.Name(), URL: srv.URL})
	}

	ref, err := env.store.Store(context.Background(), payload.Bytes())
	require.NoError(t, err)
	return ref
}

func (env *testEnv) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	cfg := Config{
		Store:     env.store,
		Scorer:    scorer.NewSim(testLogger()),
		Signer:    env.signer,
		Publisher: env.publisher,
		Policies:  env.policies,
	}
	if len(env.servers) > 0 {
		cfg.Decrypter = keyrelease.NewClient(env.identity, keyrelease.ClientConfig{
			Servers: env.servers,
			Policy:  env.policies.For(callpolicy.KeyServer),
		}, testLogger())
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(cfg, testLogger())
	require.NoError(t, err)
	return o
}

func allowAll(t *testing.T) keyserver.PolicyChecker {
	p, err := keyserver.NewStaticPolicy(keyserver.PolicyConfig{})
	require.NoError(t, err)
	return p
}

func encryptedModel(t *testing.T) []byte {
	weights := make([]byte, 4096)
	_, err := rand.Read(weights)
	require.NoError(t, err)
	return append([]byte{0x80, 0x04}, weights...)
}

func assertStageError(t *testing.T, err error, kind interfaces.ErrorKind, stage string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, interfaces.KindOf(err), err.Error())
	assert.Equal(t, stage, interfaces.StageOf(err), err.Error())
}

func TestAssess_Plaintext(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, nil)

	res, err := o.Assess(context.Background(), AssessRequest{
		ModelRef:   "model_v1",
		DatasetRef: "dataset_v1",
		Kind:       interfaces.QualityAnalysis,
		Metrics:    []string{"accuracy", "f1_score"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.AssessmentID)
	assert.Equal(t, interfaces.QualityAnalysis, res.Kind)
	assert.False(t, res.NonAuthoritative)
	assert.Equal(t, 66.0, res.QualityScore)

	assert.Equal(t, classifier.ComputeDigest(storage.SimModel()), res.Model.Digest)
	assert.Equal(t, res.Model.Digest, res.Model.PlaintextDigest)
	assert.Equal(t, interfaces.SerializedObject, res.Model.Format)
	assert.False(t, res.Model.Encrypted)
	assert.Equal(t, interfaces.DelimitedText, res.Dataset.Format)

	assert.Equal(t, ResultDigest(res.Evaluation, res.Model.Digest, res.Dataset.Digest), res.ResultDigest)

	att := res.Attestation
	require.NotNil(t, att)
	assert.Equal(t, OperationAssess, att.Operation)
	assert.Equal(t, res.ResultDigest, att.SubjectDigest)
	assert.True(t, attestation.Verify(att))

	details, err := attestation.Details(att)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(details, &meta))
	assert.Equal(t, res.AssessmentID, meta["assessment_id"])
	assert.Equal(t, res.Model.Digest.String(), meta["model_digest"])
	assert.Equal(t, false, meta["non_authoritative"])

	require.NotNil(t, res.Publication)
	published, ok := env.publisher.Lookup(att.ID)
	require.True(t, ok)
	assert.Equal(t, res.ResultDigest, published.ResultDigest)
}

func TestAssess_EncryptedModel(t *testing.T) {
	env := newTestEnv(t)
	plaintext := encryptedModel(t)
	ref := env.sealToCluster(t, plaintext, allowAll(t), allowAll(t), denyAll{})

	sealed, err := env.store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, classifier.EstimateEncryptionLikelihood(sealed))

	res, err := env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{
		ModelRef:   ref,
		DatasetRef: "dataset_v1",
	})
	require.NoError(t, err)

	assert.Equal(t, interfaces.BasicValidation, res.Kind)
	assert.True(t, res.Model.Encrypted)
	assert.True(t, res.Model.Authoritative)
	assert.False(t, res.NonAuthoritative)
	assert.Equal(t, classifier.ComputeDigest(sealed), res.Model.Digest)
	assert.Equal(t, classifier.ComputeDigest(plaintext), res.Model.PlaintextDigest)
	assert.Equal(t, interfaces.SerializedObject, res.Model.Format)
	assert.True(t, attestation.Verify(res.Attestation))
}

func TestAssess_SmallSealedModel(t *testing.T) {
	env := newTestEnv(t)
	plaintext := []byte(`{"a":12345}`)
	ref := env.sealToCluster(t, plaintext, allowAll(t), allowAll(t))

	sealed, err := env.store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, keyrelease.IsSealed(sealed))

	res, err := env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{
		ModelRef:   ref,
		DatasetRef: "dataset_v1",
	})
	require.NoError(t, err)

	assert.True(t, res.Model.Encrypted)
	assert.True(t, res.Model.Authoritative)
	assert.Equal(t, classifier.ComputeDigest(plaintext), res.Model.PlaintextDigest)
	assert.Equal(t, interfaces.StructuredText, res.Model.Format)
}

func TestAssess_SmallSealedModelWithoutKeyServers(t *testing.T) {
	env := newTestEnv(t)
	payload, _, err := keyrelease.Seal([]byte(`{"a":12345}`), keyrelease.IDFromName("policy"),
		keyrelease.IDFromName("model"), []keyrelease.ID{keyrelease.IDFromName("k1"), keyrelease.IDFromName("k2")}, 2)
	require.NoError(t, err)
	ref, err := env.store.Store(context.Background(), payload.Bytes())
	require.NoError(t, err)

	_, err = env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{ModelRef: ref, DatasetRef: "dataset_v1"})
	assertStageError(t, err, interfaces.KindInput, StageKeyRelease)
}

func TestAssess_QuorumNotMet(t *testing.T) {
	env := newTestEnv(t)
	ref := env.sealToCluster(t, encryptedModel(t), allowAll(t), denyAll{}, denyAll{})

	res, err := env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{ModelRef: ref, DatasetRef: "dataset_v1"})
	assert.Nil(t, res)
	assertStageError(t, err, interfaces.KindPolicy, StageKeyRelease)
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotMet)
	assert.Zero(t, env.publisher.Len())
}

func TestAssess_DemoFallbackIsNonAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	ref := env.sealToCluster(t, encryptedModel(t), allowAll(t), denyAll{}, denyAll{})
	env.policies.EnableDemoFallback(callpolicy.KeyServer)

	res, err := env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{ModelRef: ref, DatasetRef: "dataset_v1"})
	require.NoError(t, err)

	assert.True(t, res.NonAuthoritative)
	assert.False(t, res.Model.Authoritative)
	assert.True(t, res.Dataset.Authoritative)

	details, err := attestation.Details(res.Attestation)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(details, &meta))
	assert.Equal(t, true, meta["non_authoritative"])
}

func TestAssess_EncryptedWithoutKeyServers(t *testing.T) {
	env := newTestEnv(t)
	noise := make([]byte, 4096)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	ref, err := env.store.Store(context.Background(), noise)
	require.NoError(t, err)

	_, err = env.orchestrator(t, nil).Assess(context.Background(), AssessRequest{ModelRef: ref, DatasetRef: "dataset_v1"})
	assertStageError(t, err, interfaces.KindInput, StageKeyRelease)
}

func TestAssess_StageFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	brokenJSON, err := env.store.Store(ctx, []byte(`{"weights": [0.1, 0.2`))
	require.NoError(t, err)

	fileStore, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	missing := storage.DigestRef([]byte("never stored"))

	testCases := []struct {
		name   string
		req    AssessRequest
		mutate func(*Config)
		kind   interfaces.ErrorKind
		stage  string
	}{
		{
			name:  "unknown assessment type",
			req:   AssessRequest{ModelRef: "model_v1", DatasetRef: "dataset_v1", Kind: "deep_magic"},
			kind:  interfaces.KindInput,
			stage: StageRequest,
		},
		{
			name:  "missing reference",
			req:   AssessRequest{ModelRef: "model_v1"},
			kind:  interfaces.KindInput,
			stage: StageRequest,
		},
		{
			name:   "malformed reference",
			req:    AssessRequest{ModelRef: "not-a-digest", DatasetRef: "dataset_v1"},
			mutate: func(c *Config) { c.Store = fileStore },
			kind:   interfaces.KindInput,
			stage:  StageFetch,
		},
		{
			name:   "blob not found",
			req:    AssessRequest{ModelRef: missing, DatasetRef: missing},
			mutate: func(c *Config) { c.Store = fileStore },
			kind:   interfaces.KindUpstream,
			stage:  StageFetch,
		},
		{
			name:   "model over size limit",
			req:    AssessRequest{ModelRef: "model_v1", DatasetRef: "dataset_v1"},
			mutate: func(c *Config) { c.MaxModelSize = 1024 },
			kind:   interfaces.KindInput,
			stage:  StageFetch,
		},
		{
			name:  "dataset fails sanity check",
			req:   AssessRequest{ModelRef: "model_v1", DatasetRef: brokenJSON},
			kind:  interfaces.KindInput,
			stage: StageSanity,
		},
		{
			name:   "scorer unreachable",
			req:    AssessRequest{ModelRef: "model_v1", DatasetRef: "dataset_v1"},
			mutate: func(c *Config) { c.Scorer = failingScorer{} },
			kind:   interfaces.KindUpstream,
			stage:  StageScoring,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := env.orchestrator(t, tc.mutate).Assess(ctx, tc.req)
			assert.Nil(t, res)
			assertStageError(t, err, tc.kind, tc.stage)
		})
	}
	assert.Zero(t, env.publisher.Len(), "failed assessments are never published")
}

func TestAssess_PublicationFailureKeepsResult(t *testing.T) {
	env := newTestEnv(t)
	publisher := &ledger.MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("rpc down"))

	o := env.orchestrator(t, func(c *Config) { c.Publisher = publisher })
	res, err := o.Assess(context.Background(), AssessRequest{ModelRef: "model_v1", DatasetRef: "dataset_v1"})
	require.NoError(t, err)

	assert.Nil(t, res.Publication)
	assert.True(t, attestation.Verify(res.Attestation))
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(Config{Scorer: scorer.NewSim(testLogger()), Signer: env.signer}, testLogger())
	assert.Error(t, err)
	_, err = New(Config{Store: env.store, Signer: env.signer}, testLogger())
	assert.Error(t, err)
	_, err = New(Config{Store: env.store, Scorer: scorer.NewSim(testLogger())}, testLogger())
	assert.Error(t, err)
}

func TestResultDigest(t *testing.T) {
	model := classifier.ComputeDigest([]byte("model"))
	dataset := classifier.ComputeDigest([]byte("dataset"))
	result := []byte(`{"quality_score":80}`)

	base := ResultDigest(result, model, dataset)
	assert.Equal(t, base, ResultDigest(result, model, dataset))
	assert.NotEqual(t, base, ResultDigest(result, dataset, model))
	assert.NotEqual(t, base, ResultDigest([]byte(`{"quality_score":81}`), model, dataset))
}
