package keyserver

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ruteri/enclave-trust-broker/keyrelease"
)

// PolicyChecker decides whether the share of check.KeyID may be released to
// the session named by cert.
type PolicyChecker interface {
	Check(ctx context.Context, cert *keyrelease.SessionCertificate, d *keyrelease.AuthorizationDescriptor, check keyrelease.PolicyCheck) (allowed bool, reason string, err error)
}

// StaticPolicy is a configuration-driven allow-list.
type StaticPolicy struct {
	issuers  map[string]struct{}
	policies map[keyrelease.ID]struct{}
	denied   map[keyrelease.ID]struct{}
}

// NewStaticPolicy builds an allow-list. Empty issuer or policy lists allow
// any issuer or policy.
func NewStaticPolicy(cfg PolicyConfig) (*StaticPolicy, error) {
	p := &StaticPolicy{
		issuers:  make(map[string]struct{}),
		policies: make(map[keyrelease.ID]struct{}),
		denied:   make(map[keyrelease.ID]struct{}),
	}
	for _, issuer := range cfg.AllowedIssuers {
		b, err := hex.DecodeString(strings.TrimPrefix(issuer, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid issuer %q: %w", issuer, err)
		}
		p.issuers[hex.EncodeToString(b)] = struct{}{}
	}
	for _, policy := range cfg.AllowedPolicies {
		id, err := keyrelease.ParseID(policy)
		if err != nil {
			return nil, err
		}
		p.policies[id] = struct{}{}
	}
	for _, object := range cfg.DeniedObjects {
		id, err := keyrelease.ParseID(object)
		if err != nil {
			return nil, err
		}
		p.denied[id] = struct{}{}
	}
	return p, nil
}

func (p *StaticPolicy) Check(_ context.Context, cert *keyrelease.SessionCertificate, d *keyrelease.AuthorizationDescriptor, _ keyrelease.PolicyCheck) (bool, string, error) {
	if len(p.issuers) > 0 {
		if _, ok := p.issuers[hex.EncodeToString(cert.Issuer)]; !ok {
			return false, "issuer not allowed", nil
		}
	}
	if len(p.policies) > 0 {
		if _, ok := p.policies[d.PolicyID]; !ok {
			return false, "policy not allowed", nil
		}
	}
	if _, denied := p.denied[d.ObjectID]; denied {
		return false, "object access revoked", nil
	}
	return true, "", nil
}

// SealApprover evaluates seal_approve on the ledger.
type SealApprover interface {
	SealApprove(ctx context.Context, policyID, keyID, objectID [32]byte, sessionKey []byte) (bool, error)
}

// OnchainPolicy delegates each check to the broker contract.
type OnchainPolicy struct {
	approver SealApprover
}

func NewOnchainPolicy(approver SealApprover) *OnchainPolicy {
	return &OnchainPolicy{approver: approver}
}

func (p *OnchainPolicy) Check(ctx context.Context, cert *keyrelease.SessionCertificate, d *keyrelease.AuthorizationDescriptor, check keyrelease.PolicyCheck) (bool, string, error) {
	approved, err := p.approver.SealApprove(ctx, d.PolicyID, check.KeyID, d.ObjectID, cert.SessionKey)
	if err != nil {
		return false, "", fmt.Errorf("seal_approve call failed: %w", err)
	}
	if !approved {
		return false, "seal_approve rejected", nil
	}
	return true, "", nil
}

// AllPolicies requires every checker to allow a release.
type AllPolicies []PolicyChecker

func (all AllPolicies) Check(ctx context.Context, cert *keyrelease.SessionCertificate, d *keyrelease.AuthorizationDescriptor, check keyrelease.PolicyCheck) (bool, string, error) {
	for _, checker := range all {
		allowed, reason, err := checker.Check(ctx, cert, d, check)
		if err != nil || !allowed {
			return allowed, reason, err
		}
	}
	return true, "", nil
}
