package keyrelease

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// fakeKeyServer serves shares for the key ids it holds after verifying the
// request the way a real key server does.
type fakeKeyServer struct {
	mu       sync.Mutex
	shares   map[ID][]byte
	deny     atomic.Bool
	delay    atomic.Duration
	status   atomic.Int64
	requests atomic.Int32
	lastReq  *FetchKeyRequest
}

func (f *fakeKeyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Inc()
	if delay := f.delay.Load(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status := f.status.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}

	var req FetchKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Verify(time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	f.mu.Lock()
	f.lastReq = &req
	f.mu.Unlock()

	resp := FetchKeyResponse{}
	for _, check := range req.Descriptor.Checks {
		share, ok := f.shares[check.KeyID]
		if !ok {
			continue
		}
		if f.deny.Load() {
			resp.Denials = append(resp.Denials, Denial{KeyID: check.KeyID, Reason: "seal_approve rejected"})
			continue
		}
		enc, err := cryptoutils.EncryptWithPublicKey(cryptoutils.PublicKeyPEM(req.EncryptionKey), share)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Shares = append(resp.Shares, EncryptedShare{KeyID: check.KeyID, Share: enc})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type testEnv struct {
	identity  *cryptoutils.EnclaveIdentity
	plaintext []byte
	payload   *EncryptedPayload
	fakes     []*fakeKeyServer
	servers   []Server
}

// newTestEnv seals a payload across count key ids with quorum, one fake
// server per key id.
func newTestEnv(t *testing.T, count, quorum int) *testEnv {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)

	plaintext := make([]byte, 2048)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	keyIDs := testKeyIDs(count)
	payload, shares, err := Seal(plaintext, IDFromName("policy"), IDFromName("object"), keyIDs, quorum)
	require.NoError(t, err)

	env := &testEnv{identity: identity, plaintext: plaintext, payload: payload}
	for i := range keyIDs {
		fake := &fakeKeyServer{shares: map[ID][]byte{keyIDs[i]: shares[i]}}
		srv := httptest.NewServer(fake)
		t.Cleanup(srv.Close)
		env.fakes = append(env.fakes, fake)
		env.servers = append(env.servers, Server{Name: srv.URL, URL: srv.URL})
	}
	return env
}

func (env *testEnv) client(policy callpolicy.Policy) *Client {
	return NewClient(env.identity, ClientConfig{Servers: env.servers, Policy: policy}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func defaultPolicy() callpolicy.Policy {
	return callpolicy.Defaults().For(callpolicy.KeyServer)
}

func TestDecrypt_AllServersGrant(t *testing.T) {
	env := newTestEnv(t, 3, 2)

	res, err := env.client(defaultPolicy()).Decrypt(context.Background(), env.payload.Bytes())
	require.NoError(t, err)
	assert.True(t, res.Authoritative)
	assert.Equal(t, Decrypted, res.State)
	assert.Equal(t, 3, res.Granted)
	assert.Equal(t, env.plaintext, res.Plaintext)

	for _, fake := range env.fakes {
		assert.Equal(t, int32(1), fake.requests.Load(), "each server is asked exactly once")
	}
}

func TestDecrypt_QuorumFromSubset(t *testing.T) {
	env := newTestEnv(t, 3, 2)
	env.fakes[0].status.Store(http.StatusInternalServerError)

	res, err := env.client(defaultPolicy()).Decrypt(context.Background(), env.payload.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Granted)
	assert.Equal(t, env.plaintext, res.Plaintext)
	assert.Equal(t, int32(1), env.fakes[0].requests.Load(), "failed servers are not retried")
}

func TestDecrypt_QuorumNotMet(t *testing.T) {
	env := newTestEnv(t, 3, 2)
	env.fakes[0].deny.Store(true)
	env.fakes[1].status.Store(http.StatusBadGateway)

	_, err := env.client(defaultPolicy()).Decrypt(context.Background(), env.payload.Bytes())
	require.Error(t, err)
	assert.Equal(t, interfaces.KindPolicy, interfaces.KindOf(err))
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotMet)
	assert.ErrorIs(t, err, interfaces.ErrAuthorizationDenied)
	assert.Equal(t, StageKeyRelease, interfaces.StageOf(err))
}

func TestDecrypt_ServersUnavailable(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(env *testEnv)
	}{
		{"all servers fail", func(env *testEnv) {
			for _, fake := range env.fakes {
				fake.status.Store(http.StatusInternalServerError)
			}
		}},
		{"failures below quorum", func(env *testEnv) {
			env.fakes[0].status.Store(http.StatusInternalServerError)
			env.fakes[1].status.Store(http.StatusServiceUnavailable)
		}},
		{"unreachable servers", func(env *testEnv) {
			for i := range env.servers {
				env.servers[i].URL = "http://127.0.0.1:1"
			}
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 3, 2)
			tc.setup(env)

			_, err := env.client(defaultPolicy()).Decrypt(context.Background(), env.payload.Bytes())
			require.Error(t, err)
			assert.Equal(t, interfaces.KindUpstream, interfaces.KindOf(err), err.Error())
			assert.Equal(t, StageKeyRelease, interfaces.StageOf(err))
			assert.ErrorIs(t, err, interfaces.ErrKeyServersUnavailable)
			assert.ErrorIs(t, err, interfaces.ErrQuorumNotMet)
		})
	}
}

func TestDecrypt_TimedOut(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	env.fakes[1].delay.Store(2 * time.Second)

	policy := defaultPolicy()
	policy.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := env.client(policy).Decrypt(context.Background(), env.payload.Bytes())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "slow servers are abandoned at the timeout")
	assert.Equal(t, interfaces.KindUpstream, interfaces.KindOf(err))
	assert.ErrorIs(t, err, interfaces.ErrKeyServersTimedOut)
	assert.Equal(t, int32(1), env.fakes[1].requests.Load())
}

func TestDecrypt_DemoFallback(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	env.fakes[0].deny.Store(true)

	policy := defaultPolicy()
	policy.DemoFallback = true

	res, err := env.client(policy).Decrypt(context.Background(), env.payload.Bytes())
	require.NoError(t, err)
	assert.False(t, res.Authoritative)
	assert.Equal(t, QuorumNotMet, res.State)
	assert.True(t, IsDemoPlaceholder(res.Plaintext))
	assert.NotEqual(t, env.plaintext, res.Plaintext)

	// Fallback never masks a successful release.
	env.fakes[0].deny.Store(false)
	res, err = env.client(policy).Decrypt(context.Background(), env.payload.Bytes())
	require.NoError(t, err)
	assert.True(t, res.Authoritative)
	assert.Equal(t, env.plaintext, res.Plaintext)
}

func TestDecrypt_DemoFallbackDoesNotCoverCryptoFailures(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	policy := defaultPolicy()
	policy.DemoFallback = true

	raw := env.payload.Bytes()
	raw[len(raw)-1] ^= 0x01

	_, err := env.client(policy).Decrypt(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindCrypto, interfaces.KindOf(err))
}

func TestDecrypt_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	_, err := env.client(defaultPolicy()).Decrypt(context.Background(), []byte("not a payload"))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInput, interfaces.KindOf(err))
	assert.Equal(t, int32(0), env.fakes[0].requests.Load())
}

func TestDecrypt_SingleServerHoldsAllKeys(t *testing.T) {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)

	keyIDs := testKeyIDs(3)
	payload, shares, err := Seal([]byte("quorum of one server"), IDFromName("policy"), IDFromName("object"), keyIDs, 3)
	require.NoError(t, err)

	fake := &fakeKeyServer{shares: map[ID][]byte{}}
	for i, id := range keyIDs {
		fake.shares[id] = shares[i]
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewClient(identity, ClientConfig{Servers: []Server{{URL: srv.URL + "/"}}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := client.Decrypt(context.Background(), payload.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("quorum of one server"), res.Plaintext)
	assert.Equal(t, srv.URL, client.Servers()[0].Name)
}

func TestRequestKeys_SessionBinding(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	client := env.client(defaultPolicy())

	d, err := BuildAuthorizationDescriptor(&env.payload.Header)
	require.NoError(t, err)

	s1, err := CreateSession(env.identity, env.payload.Header.PolicyID, time.Minute, time.Now())
	require.NoError(t, err)
	s2, err := CreateSession(env.identity, env.payload.Header.PolicyID, time.Minute, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, s1.Certificate.SessionKey, s2.Certificate.SessionKey)
	assert.NotEqual(t, s1.EncryptionKey, s2.EncryptionKey)

	responses, err := client.RequestKeys(context.Background(), d, s1, env.servers, time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, env.payload.Header.KeyIDs[0], responses[0].KeyID)

	env.fakes[0].mu.Lock()
	sent := env.fakes[0].lastReq
	env.fakes[0].mu.Unlock()
	require.NotNil(t, sent)
	assert.Equal(t, []byte(s1.Certificate.SessionKey), sent.Certificate.SessionKey)

	// Shares encrypted to one session cannot be opened by another.
	_, err = s2.OpenShare(mustEncryptShare(t, s1, []byte("share")))
	assert.Error(t, err)
}

func TestRequestKeys_ExpiredCertificate(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	client := env.client(defaultPolicy())

	d, err := BuildAuthorizationDescriptor(&env.payload.Header)
	require.NoError(t, err)

	stale, err := CreateSession(env.identity, env.payload.Header.PolicyID, time.Minute, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = client.RequestKeys(context.Background(), d, stale, env.servers, time.Second)
	assert.ErrorIs(t, err, interfaces.ErrCertificateExpired)
	assert.Equal(t, int32(0), env.fakes[0].requests.Load(), "expired certificates are never sent")
}

func TestAttempt_OutOfOrder(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	client := env.client(defaultPolicy())
	a := client.NewAttempt(env.payload)
	defer a.Close()

	assert.ErrorIs(t, a.BuildDescriptor(), ErrInvalidTransition)
	_, err := a.Decrypt()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, a.EstablishSession())
	assert.Equal(t, SessionEstablished, a.State())
	assert.ErrorIs(t, a.EstablishSession(), ErrInvalidTransition)
	assert.ErrorIs(t, a.RequestKeys(context.Background(), env.servers, time.Second), ErrInvalidTransition)

	require.NoError(t, a.BuildDescriptor())
	assert.Equal(t, DescriptorBuilt, a.State())
	require.NoError(t, a.RequestKeys(context.Background(), env.servers, time.Second))
	assert.Equal(t, KeysGranted, a.State())

	plaintext, err := a.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, env.plaintext, plaintext)
	assert.Equal(t, Decrypted, a.State())
}

func TestAttempt_CertificateExpiresBeforeCombine(t *testing.T) {
	env := newTestEnv(t, 1, 1)
	client := env.client(defaultPolicy())

	a := client.NewAttempt(env.payload)
	defer a.Close()
	require.NoError(t, a.EstablishSession())
	require.NoError(t, a.BuildDescriptor())
	require.NoError(t, a.RequestKeys(context.Background(), env.servers, time.Second))

	client.now = func() time.Time { return time.Now().Add(DefaultSessionTTL + time.Minute) }
	_, err := a.Decrypt()
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrCertificateExpired)
	assert.Equal(t, interfaces.KindPolicy, interfaces.KindOf(err))
	assert.Equal(t, Failed, a.State())
}

func TestAttempt_AbortIsTerminal(t *testing.T) {
	env := newTestEnv(t, 2, 2)
	for _, fake := range env.fakes {
		fake.status.Store(http.StatusInternalServerError)
	}
	client := env.client(defaultPolicy())

	a := client.NewAttempt(env.payload)
	defer a.Close()
	assert.ErrorIs(t, a.Abort(), ErrInvalidTransition)

	require.NoError(t, a.EstablishSession())
	require.NoError(t, a.BuildDescriptor())
	require.NoError(t, a.RequestKeys(context.Background(), env.servers, time.Second))
	assert.Equal(t, QuorumNotMet, a.State())

	err := a.Abort()
	require.Error(t, err)
	assert.Equal(t, Failed, a.State())
	assert.Equal(t, interfaces.KindUpstream, interfaces.KindOf(err))
	assert.Equal(t, err, a.Err())

	_, err = a.Decrypt()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, a.Abort(), ErrInvalidTransition)
}

func mustEncryptShare(t *testing.T, s *Session, share []byte) []byte {
	enc, err := cryptoutils.EncryptWithPublicKey(s.EncryptionKey, share)
	require.NoError(t, err)
	return enc
}
