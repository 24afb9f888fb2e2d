package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

const stageSign = "attestation"

// envelope is the signed metadata document. The caller's metadata is
// nested under Details so that it cannot shadow the bound fields.
type envelope struct {
	AttestationID string          `json:"attestation_id"`
	SubjectDigest string          `json:"subject_digest"`
	Operation     string          `json:"operation"`
	Timestamp     string          `json:"timestamp"`
	EnclaveID     string          `json:"enclave_id"`
	Signer        string          `json:"signer"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Service signs and verifies attestations with the enclave identity.
type Service struct {
	identity *cryptoutils.EnclaveIdentity
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates an attestation service bound to identity.
func NewService(identity *cryptoutils.EnclaveIdentity, log *slog.Logger) *Service {
	return &Service{
		identity: identity,
		log:      log,
		now:      time.Now,
	}
}

// Identity returns the signing identity.
func (s *Service) Identity() *cryptoutils.EnclaveIdentity {
	return s.identity
}

// Sign builds and signs an attestation over subject and operation. Metadata
// must marshal to a JSON object or be nil.
func (s *Service) Sign(subject interfaces.ContentDigest, operation string, metadata any) (*interfaces.Attestation, error) {
	if operation == "" {
		return nil, interfaces.NewInputError(stageSign, errors.New("operation label is empty"))
	}

	var details json.RawMessage
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, interfaces.NewInternalError(stageSign, fmt.Errorf("failed to marshal metadata: %w", err))
		}
		if len(raw) == 0 || raw[0] != '{' {
			if string(raw) != "null" {
				return nil, interfaces.NewInputError(stageSign, errors.New("metadata must be a JSON object"))
			}
			raw = nil
		}
		details = raw
	}

	ts := s.now().UTC().Round(0)
	env := envelope{
		AttestationID: uuid.New().String(),
		SubjectDigest: subject.String(),
		Operation:     operation,
		Timestamp:     ts.Format(time.RFC3339Nano),
		EnclaveID:     s.identity.ID(),
		Signer:        s.identity.PublicKeyHex(),
		Details:       details,
	}

	canonical, err := cryptoutils.MarshalCanonical(env)
	if err != nil {
		return nil, interfaces.NewInternalError(stageSign, err)
	}

	att := &interfaces.Attestation{
		ID:              env.AttestationID,
		SubjectDigest:   subject,
		Operation:       operation,
		Timestamp:       ts,
		SignerPublicKey: env.Signer,
		Signature:       hex.EncodeToString(s.identity.Sign(canonical)),
		Metadata:        json.RawMessage(canonical),
	}

	s.log.Debug("signed attestation",
		slog.String("attestation_id", att.ID),
		slog.String("operation", operation),
		slog.String("subject", subject.String()))

	return att, nil
}

// Verify reports whether att carries a valid signature by its embedded
// signer over the canonical bytes of its metadata, and whether the
// metadata agrees with the top-level fields. It never panics.
func Verify(att *interfaces.Attestation) bool {
	if att == nil {
		return false
	}

	pub, ok := decodeCanonicalHex(att.SignerPublicKey)
	if !ok {
		return false
	}
	sig, ok := decodeCanonicalHex(att.Signature)
	if !ok {
		return false
	}

	canonical, err := cryptoutils.CanonicalJSON(att.Metadata)
	if err != nil {
		return false
	}
	if !cryptoutils.VerifySignature(pub, canonical, sig) {
		return false
	}

	var env envelope
	if err := json.Unmarshal(canonical, &env); err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return false
	}

	return env.AttestationID == att.ID &&
		env.SubjectDigest == att.SubjectDigest.String() &&
		env.Operation == att.Operation &&
		env.Signer == att.SignerPublicKey &&
		ts.Equal(att.Timestamp)
}

// Verify checks att. See the package level Verify.
func (s *Service) Verify(att *interfaces.Attestation) bool {
	return Verify(att)
}

// IsLocalSigner reports whether att was signed by this service's identity.
func (s *Service) IsLocalSigner(att *interfaces.Attestation) bool {
	return att != nil && att.SignerPublicKey == s.identity.PublicKeyHex()
}

// Details returns the caller supplied metadata of a signed attestation.
func Details(att *interfaces.Attestation) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(att.Metadata, &env); err != nil {
		return nil, fmt.Errorf("invalid attestation metadata: %w", err)
	}
	return env.Details, nil
}

// decodeCanonicalHex accepts only lowercase even-length hex so that a
// signature has exactly one accepted encoding.
func decodeCanonicalHex(s string) ([]byte, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || hex.EncodeToString(b) != s {
		return nil, false
	}
	return b, true
}
