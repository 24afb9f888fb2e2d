package clients

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"github.com/ruteri/enclave-trust-broker/keyserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startKeyServer(t *testing.T, admins ...[]byte) string {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := keyserver.NewShareStore(nil, admins)
	require.NoError(t, err)
	policy, err := keyserver.NewStaticPolicy(keyserver.PolicyConfig{})
	require.NoError(t, err)

	mux := chi.NewRouter()
	keyserver.NewHandler(keyserver.New("ks-test", store, policy, logger), logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSubmitShare(t *testing.T) {
	pub, priv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	client, err := NewKeyServerAdminClient(startKeyServer(t, pub), priv)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), client.PublicKeyPEM())

	ctx := context.Background()
	keyID := keyrelease.IDFromName("model-key")
	require.NoError(t, client.SubmitShare(ctx, keyID, []byte("share-bytes")))

	// Shares are never replaced.
	err = client.SubmitShare(ctx, keyID, []byte("other-share"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	keys, err := client.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ks-test", keys.Name)
	assert.Equal(t, []keyrelease.ID{keyID}, keys.KeyIDs)
}

func TestSubmitShare_UnregisteredAdmin(t *testing.T) {
	registered, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	_, other, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	client, err := NewKeyServerAdminClient(startKeyServer(t, registered), other)
	require.NoError(t, err)

	err = client.SubmitShare(context.Background(), keyrelease.IDFromName("k"), []byte("share"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNewKeyServerAdminClient_InvalidKey(t *testing.T) {
	_, err := NewKeyServerAdminClient("http://localhost", cryptoutils.PrivateKeyPEM("not a key"))
	require.Error(t, err)
}
