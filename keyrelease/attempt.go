package keyrelease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// State is the position of an Attempt in the key release protocol.
type State int

const (
	Idle State = iota
	SessionEstablished
	DescriptorBuilt
	KeysRequested
	KeysGranted
	QuorumNotMet
	TimedOut
	Decrypted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionEstablished:
		return "session_established"
	case DescriptorBuilt:
		return "descriptor_built"
	case KeysRequested:
		return "keys_requested"
	case KeysGranted:
		return "keys_granted"
	case QuorumNotMet:
		return "quorum_not_met"
	case TimedOut:
		return "timed_out"
	case Decrypted:
		return "decrypted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when an Attempt step is called out of order.
var ErrInvalidTransition = errors.New("invalid key release transition")

// Attempt is one decrypt operation. Its steps must be called in order:
// EstablishSession, BuildDescriptor, RequestKeys, Decrypt.
type Attempt struct {
	client  *Client
	payload *EncryptedPayload

	state      State
	session    *Session
	descriptor *AuthorizationDescriptor
	responses  []KeyShareResponse
	granted    int
	err        error
}

// NewAttempt starts a decrypt attempt for payload.
func (c *Client) NewAttempt(payload *EncryptedPayload) *Attempt {
	return &Attempt{client: c, payload: payload, state: Idle}
}

func (a *Attempt) State() State { return a.state }

// Err is the failure recorded by the last transition, if any.
func (a *Attempt) Err() error { return a.err }

// Granted is the number of valid distinct shares obtained.
func (a *Attempt) Granted() int { return a.granted }

// Descriptor returns the built descriptor, or nil.
func (a *Attempt) Descriptor() *AuthorizationDescriptor { return a.descriptor }

func (a *Attempt) expect(s State) error {
	if a.state != s {
		return interfaces.NewInternalError(StageKeyRelease,
			fmt.Errorf("%w: in %s, expected %s", ErrInvalidTransition, a.state, s))
	}
	return nil
}

func (a *Attempt) fail(err error) error {
	a.state = Failed
	a.err = err
	return err
}

// EstablishSession creates a fresh session certificate for the payload policy.
func (a *Attempt) EstablishSession() error {
	if err := a.expect(Idle); err != nil {
		return err
	}
	session, err := CreateSession(a.client.identity, a.payload.Header.PolicyID, a.client.sessionTTL, a.client.now())
	if err != nil {
		return a.fail(interfaces.NewCryptoError(StageKeyRelease, err))
	}
	a.session = session
	a.state = SessionEstablished
	return nil
}

// BuildDescriptor derives the authorization descriptor from the payload header.
func (a *Attempt) BuildDescriptor() error {
	if err := a.expect(SessionEstablished); err != nil {
		return err
	}
	d, err := BuildAuthorizationDescriptor(&a.payload.Header)
	if err != nil {
		return a.fail(interfaces.NewInputError(StageKeyRelease, err))
	}
	a.descriptor = d
	a.state = DescriptorBuilt
	return nil
}

// RequestKeys contacts servers and moves to KeysGranted, QuorumNotMet or
// TimedOut. The latter two are outcomes, not errors; they are recorded in
// Err and become terminal through Abort. An error is returned only when no
// request could be sent.
//
// A missed quorum is a PolicyError when a server refused a share or the
// servers answered without enough shares. It is an UpstreamError when the
// shortfall comes from servers that timed out or failed to answer.
func (a *Attempt) RequestKeys(ctx context.Context, servers []Server, perServerTimeout time.Duration) error {
	if err := a.expect(DescriptorBuilt); err != nil {
		return err
	}
	a.state = KeysRequested

	res, err := a.client.fetchShares(ctx, a.descriptor, a.session, servers, perServerTimeout)
	if err != nil {
		if errors.Is(err, interfaces.ErrCertificateExpired) {
			return a.fail(interfaces.NewPolicyError(StageKeyRelease, err))
		}
		return a.fail(interfaces.NewUpstreamError(StageKeyRelease, err))
	}

	a.responses = res.Responses
	a.granted = len(ValidShares(&a.payload.Header, res.Responses))
	quorum := int(a.payload.Header.Quorum)

	switch {
	case a.granted >= quorum:
		a.state = KeysGranted
	case len(res.TimedOut) > 0:
		a.state = TimedOut
		a.err = interfaces.NewUpstreamError(StageKeyRelease,
			fmt.Errorf("%w: %d of %d shares, %d servers timed out", interfaces.ErrKeyServersTimedOut, a.granted, quorum, len(res.TimedOut)))
	case !a.denied() && len(res.Failed) > 0:
		a.state = QuorumNotMet
		a.err = interfaces.NewUpstreamError(StageKeyRelease,
			fmt.Errorf("%w: %w: %d of %d shares, %d servers failed", interfaces.ErrQuorumNotMet, interfaces.ErrKeyServersUnavailable, a.granted, quorum, len(res.Failed)))
	default:
		a.state = QuorumNotMet
		cause := interfaces.ErrQuorumNotMet
		if a.denied() {
			cause = fmt.Errorf("%w: %w", interfaces.ErrQuorumNotMet, interfaces.ErrAuthorizationDenied)
		}
		a.err = interfaces.NewPolicyError(StageKeyRelease, fmt.Errorf("%w: %d of %d shares", cause, a.granted, quorum))
	}
	return nil
}

// Abort ends an attempt that stopped in TimedOut or QuorumNotMet, moving it
// to Failed and returning the recorded failure.
func (a *Attempt) Abort() error {
	if a.state != TimedOut && a.state != QuorumNotMet {
		return interfaces.NewInternalError(StageKeyRelease,
			fmt.Errorf("%w: abort in %s", ErrInvalidTransition, a.state))
	}
	return a.fail(a.err)
}

func (a *Attempt) denied() bool {
	for _, r := range a.responses {
		if r.Denied {
			return true
		}
	}
	return false
}

// Decrypt combines the granted shares and opens the payload. The session
// certificate must still be valid.
func (a *Attempt) Decrypt() ([]byte, error) {
	if err := a.expect(KeysGranted); err != nil {
		return nil, err
	}
	if err := a.session.Certificate.CheckValidity(a.client.now()); err != nil {
		return nil, a.fail(interfaces.NewPolicyError(StageKeyRelease, err))
	}

	plaintext, err := CombineAndDecrypt(a.payload, a.responses)
	if err != nil {
		return nil, a.fail(err)
	}
	a.state = Decrypted
	return plaintext, nil
}

// Close wipes session keys and received shares.
func (a *Attempt) Close() {
	if a.session != nil {
		a.session.Destroy()
	}
	for _, r := range a.responses {
		for i := range r.Share {
			r.Share[i] = 0
		}
	}
}
