package keyrelease

import (
	"testing"
	"time"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession(t *testing.T) {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	now := time.Now()

	s, err := CreateSession(identity, IDFromName("policy"), 10*time.Minute, now)
	require.NoError(t, err)
	defer s.Destroy()

	cert := s.Certificate
	assert.Equal(t, []byte(identity.PublicKey()), cert.Issuer)
	assert.Equal(t, uint16(10), cert.TTLMinutes)
	assert.Equal(t, now.UnixMilli(), cert.CreationTime)
	require.NoError(t, cert.Verify(now))
	require.NoError(t, s.EncryptionKey.Validate())

	_, err = CreateSession(identity, IDFromName("policy"), time.Second, now)
	assert.Error(t, err)
}

func TestSessionCertificate_Validity(t *testing.T) {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	created := time.UnixMilli(time.Now().UnixMilli())

	s, err := CreateSession(identity, IDFromName("policy"), 5*time.Minute, created)
	require.NoError(t, err)
	cert := s.Certificate

	assert.NoError(t, cert.Verify(created))
	assert.NoError(t, cert.Verify(created.Add(5*time.Minute)), "expiry instant is inclusive")
	assert.ErrorIs(t, cert.Verify(created.Add(5*time.Minute+time.Millisecond)), interfaces.ErrCertificateExpired)
	assert.Error(t, cert.Verify(created.Add(-2*MaxClockSkew)), "certificates from the future are rejected")
}

func TestSessionCertificate_Tampering(t *testing.T) {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	other, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	now := time.Now()

	testCases := []struct {
		name   string
		mutate func(c *SessionCertificate)
	}{
		{"extended ttl", func(c *SessionCertificate) { c.TTLMinutes++ }},
		{"later creation", func(c *SessionCertificate) { c.CreationTime += 1000 }},
		{"other policy", func(c *SessionCertificate) { c.PolicyID = IDFromName("other") }},
		{"swapped issuer", func(c *SessionCertificate) { c.Issuer = other.PublicKey() }},
		{"swapped session key", func(c *SessionCertificate) { c.SessionKey = other.PublicKey() }},
		{"truncated signature", func(c *SessionCertificate) { c.Signature = c.Signature[:10] }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := CreateSession(identity, IDFromName("policy"), time.Minute, now)
			require.NoError(t, err)
			tc.mutate(&s.Certificate)
			assert.Error(t, s.Certificate.Verify(now))
		})
	}
}

func TestFetchKeyRequest_Verify(t *testing.T) {
	identity, err := cryptoutils.NewEnclaveIdentity()
	require.NoError(t, err)
	now := time.Now()

	p, _, err := Seal([]byte("x"), IDFromName("policy"), IDFromName("object"), testKeyIDs(2), 2)
	require.NoError(t, err)
	d, err := BuildAuthorizationDescriptor(&p.Header)
	require.NoError(t, err)

	newReq := func() *FetchKeyRequest {
		s, err := CreateSession(identity, p.Header.PolicyID, time.Minute, now)
		require.NoError(t, err)
		req, err := NewFetchKeyRequest(d, s)
		require.NoError(t, err)
		return req
	}

	require.NoError(t, newReq().Verify(now))

	req := newReq()
	req.Descriptor.Checks = req.Descriptor.Checks[:1]
	assert.Error(t, req.Verify(now), "descriptor is covered by the request signature")

	req = newReq()
	otherPub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	req.EncryptionKey = string(otherPub)
	assert.Error(t, req.Verify(now), "encryption key is covered by the request signature")

	req = newReq()
	req.Descriptor.PolicyID = IDFromName("other")
	assert.Error(t, req.Verify(now))

	req = newReq()
	assert.ErrorIs(t, req.Verify(now.Add(2*time.Minute)), interfaces.ErrCertificateExpired)
}

func TestBuildAuthorizationDescriptor(t *testing.T) {
	p, _, err := Seal([]byte("x"), IDFromName("policy"), IDFromName("object"), testKeyIDs(3), 2)
	require.NoError(t, err)

	d, err := BuildAuthorizationDescriptor(&p.Header)
	require.NoError(t, err)
	assert.Equal(t, p.Header.PolicyID, d.PolicyID)
	assert.Equal(t, 2, d.Quorum)
	assert.Equal(t, p.Header.KeyIDs, d.KeyIDs())
	for _, c := range d.Checks {
		assert.Equal(t, SealApproveFunction, c.Function)
		assert.Equal(t, []string{"0x" + p.Header.ObjectID.String()}, c.Args)
	}

	again, err := BuildAuthorizationDescriptor(&p.Header)
	require.NoError(t, err)
	a, err := d.CanonicalBytes()
	require.NoError(t, err)
	b, err := again.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = BuildAuthorizationDescriptor(&Header{Version: PayloadVersion, Quorum: 1})
	assert.Error(t, err)
	_, err = BuildAuthorizationDescriptor(&Header{Version: PayloadVersion, Quorum: 0, KeyIDs: testKeyIDs(1)})
	assert.ErrorIs(t, err, ErrInvalidQuorum)
	_, err = BuildAuthorizationDescriptor(nil)
	assert.Error(t, err)
}
