package keyrelease

import (
	"errors"
	"fmt"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
)

// SealApproveFunction is the on-ledger function key servers evaluate.
const SealApproveFunction = "seal_approve"

// PolicyCheck is one authorization statement: key servers release the share
// for KeyID only if Function(Args) on the policy succeeds.
type PolicyCheck struct {
	KeyID    ID       `json:"key_id"`
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// AuthorizationDescriptor lists the keys requested for one object and the
// checks that authorize them.
type AuthorizationDescriptor struct {
	PolicyID ID            `json:"policy_id"`
	ObjectID ID            `json:"object_id"`
	Quorum   int           `json:"quorum"`
	Checks   []PolicyCheck `json:"checks"`
}

// BuildAuthorizationDescriptor derives the descriptor from a payload header.
// It performs no I/O.
func BuildAuthorizationDescriptor(h *Header) (*AuthorizationDescriptor, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	if len(h.KeyIDs) == 0 {
		return nil, errors.New("header names no key ids")
	}
	if h.Quorum == 0 || int(h.Quorum) > len(h.KeyIDs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidQuorum, h.Quorum, len(h.KeyIDs))
	}

	d := &AuthorizationDescriptor{
		PolicyID: h.PolicyID,
		ObjectID: h.ObjectID,
		Quorum:   int(h.Quorum),
		Checks:   make([]PolicyCheck, 0, len(h.KeyIDs)),
	}
	for _, keyID := range h.KeyIDs {
		d.Checks = append(d.Checks, PolicyCheck{
			KeyID:    keyID,
			Function: SealApproveFunction,
			Args:     []string{"0x" + h.ObjectID.String()},
		})
	}
	return d, nil
}

// CanonicalBytes returns the canonical JSON encoding covered by request
// signatures.
func (d *AuthorizationDescriptor) CanonicalBytes() ([]byte, error) {
	return cryptoutils.MarshalCanonical(d)
}

// KeyIDs returns the requested key ids in order.
func (d *AuthorizationDescriptor) KeyIDs() []ID {
	ids := make([]ID, len(d.Checks))
	for i, c := range d.Checks {
		ids[i] = c.KeyID
	}
	return ids
}
