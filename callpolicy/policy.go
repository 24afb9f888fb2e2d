// Package callpolicy centralizes how the broker calls its external
// dependencies: how long one call may take, how many attempts it gets and
// whether a non-authoritative substitute may stand in for a failed result.
package callpolicy

import (
	"context"
	"fmt"
	"time"
)

// Dependency names an external collaborator.
type Dependency string

const (
	BlobStore Dependency = "blob_store"
	KeyServer Dependency = "key_server"
	Scorer    Dependency = "scorer"
	Ledger    Dependency = "ledger"
)

// Policy governs calls to one dependency.
type Policy struct {
	// Timeout bounds a single call. Zero disables the bound.
	Timeout time.Duration
	// MaxAttempts is the number of tries per call. Only 1 is supported.
	MaxAttempts int
	// DemoFallback allows a clearly marked placeholder result when the call
	// fails. Only the key server dependency honours it.
	DemoFallback bool
}

// Validate rejects policies the broker cannot honour.
func (p Policy) Validate() error {
	if p.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", p.Timeout)
	}
	if p.MaxAttempts != 1 {
		return fmt.Errorf("max attempts must be 1, got %d", p.MaxAttempts)
	}
	return nil
}

// WithTimeout derives a context bounded by the policy timeout.
func (p Policy) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// Set holds the policy of every dependency.
type Set struct {
	policies map[Dependency]Policy
}

// Defaults are the recommended bounds: blob fetch 30s, each key server 5s,
// scorer 60s. No dependency is retried and demo fallback is off.
func Defaults() *Set {
	return &Set{policies: map[Dependency]Policy{
		BlobStore: {Timeout: 30 * time.Second, MaxAttempts: 1},
		KeyServer: {Timeout: 5 * time.Second, MaxAttempts: 1},
		Scorer:    {Timeout: 60 * time.Second, MaxAttempts: 1},
		Ledger:    {Timeout: 30 * time.Second, MaxAttempts: 1},
	}}
}

// For returns the policy of dep. Unknown dependencies get a single attempt
// with no timeout.
func (s *Set) For(dep Dependency) Policy {
	if p, ok := s.policies[dep]; ok {
		return p
	}
	return Policy{MaxAttempts: 1}
}

// Override replaces the policy of dep after validating it.
func (s *Set) Override(dep Dependency, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid %s policy: %w", dep, err)
	}
	s.policies[dep] = p
	return nil
}

// SetTimeout changes only the timeout of dep.
func (s *Set) SetTimeout(dep Dependency, timeout time.Duration) error {
	p := s.For(dep)
	p.Timeout = timeout
	return s.Override(dep, p)
}

// EnableDemoFallback turns on placeholder substitution for dep.
func (s *Set) EnableDemoFallback(dep Dependency) {
	p := s.For(dep)
	p.DemoFallback = true
	s.policies[dep] = p
}
