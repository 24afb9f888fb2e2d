package interfaces

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind classifies a failure by how the caller should react to it.
type ErrorKind int

const (
	// KindInternal covers serialization faults and broken invariants.
	KindInternal ErrorKind = iota
	// KindInput covers malformed references, empty payloads and unsupported formats.
	KindInput
	// KindUpstream covers unreachable or misbehaving blob stores, scorers and key servers.
	KindUpstream
	// KindCrypto covers signature, certificate and decryption failures.
	KindCrypto
	// KindPolicy covers unmet quorums, expired certificates and denied authorization.
	KindPolicy
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindUpstream:
		return "UpstreamError"
	case KindCrypto:
		return "CryptoError"
	case KindPolicy:
		return "PolicyError"
	default:
		return "InternalError"
	}
}

// Error is a failure tagged with its kind and the pipeline stage that produced it.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags err with kind and stage. The cause keeps a stack trace for %+v logging.
func NewError(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == kind && existing.Stage == stage {
		return err
	}
	return &Error{Kind: kind, Stage: stage, Err: pkgerrors.WithStack(err)}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind ErrorKind, stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: pkgerrors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in the chain, or
// KindInternal when err carries no tag.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StageOf returns the stage of the outermost tagged error in the chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

var (
	// ErrQuorumNotMet is returned when fewer valid key shares than the payload quorum were obtained.
	ErrQuorumNotMet = errors.New("key share quorum not met")

	// ErrKeyServersTimedOut is returned when the quorum was missed because key servers did not answer in time.
	ErrKeyServersTimedOut = errors.New("key servers timed out")

	// ErrKeyServersUnavailable is returned when the quorum was missed because key servers failed to answer usefully.
	ErrKeyServersUnavailable = errors.New("key servers unavailable")

	// ErrCertificateExpired is returned for session certificates outside their validity window.
	ErrCertificateExpired = errors.New("session certificate expired")

	// ErrAuthorizationDenied is returned when a key server refuses to release a share.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrAttestationNotFound is returned for unknown attestation identifiers.
	ErrAttestationNotFound = errors.New("attestation not found")

	// ErrFileNotFound is returned for unknown file identifiers.
	ErrFileNotFound = errors.New("file not found")
)

// NewInputError tags err as an InputError raised in stage.
func NewInputError(stage string, err error) error { return NewError(KindInput, stage, err) }

// NewUpstreamError tags err as an UpstreamError raised in stage.
func NewUpstreamError(stage string, err error) error { return NewError(KindUpstream, stage, err) }

// NewCryptoError tags err as a CryptoError raised in stage.
func NewCryptoError(stage string, err error) error { return NewError(KindCrypto, stage, err) }

// NewPolicyError tags err as a PolicyError raised in stage.
func NewPolicyError(stage string, err error) error { return NewError(KindPolicy, stage, err) }

// NewInternalError tags err as an InternalError raised in stage.
func NewInternalError(stage string, err error) error { return NewError(KindInternal, stage, err) }
