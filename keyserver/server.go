package keyserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/enclave-trust-broker/cryptoutils"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"go.uber.org/atomic"
)

// ErrInvalidRequest wraps request verification failures.
var ErrInvalidRequest = errors.New("invalid key request")

// KeyServer releases the shares it holds to verified sessions whose
// authorization checks pass.
type KeyServer struct {
	name    string
	store   *ShareStore
	checker PolicyChecker
	log     *slog.Logger
	now     func() time.Time

	released atomic.Uint64
	denied   atomic.Uint64
}

func New(name string, store *ShareStore, checker PolicyChecker, log *slog.Logger) *KeyServer {
	return &KeyServer{
		name:    name,
		store:   store,
		checker: checker,
		log:     log,
		now:     time.Now,
	}
}

func (ks *KeyServer) Name() string { return ks.name }

// Stats returns the number of released and denied shares.
func (ks *KeyServer) Stats() (released, denied uint64) {
	return ks.released.Load(), ks.denied.Load()
}

// FetchKeys verifies req and answers each check for a key id this server
// holds with an encrypted share or a denial. Key ids not held are omitted.
func (ks *KeyServer) FetchKeys(ctx context.Context, req *keyrelease.FetchKeyRequest) (*keyrelease.FetchKeyResponse, error) {
	if err := req.Verify(ks.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	expectedArgs := "0x" + req.Descriptor.ObjectID.String()
	resp := &keyrelease.FetchKeyResponse{Shares: []keyrelease.EncryptedShare{}}
	seen := make(map[keyrelease.ID]struct{}, len(req.Descriptor.Checks))

	for _, check := range req.Descriptor.Checks {
		if _, dup := seen[check.KeyID]; dup {
			continue
		}
		seen[check.KeyID] = struct{}{}

		share, held := ks.store.Get(check.KeyID)
		if !held {
			continue
		}

		deny := func(reason string) {
			ks.denied.Inc()
			resp.Denials = append(resp.Denials, keyrelease.Denial{KeyID: check.KeyID, Reason: reason})
			ks.log.Info("share denied",
				slog.String("key_id", check.KeyID.String()),
				slog.String("object_id", req.Descriptor.ObjectID.String()),
				slog.String("reason", reason))
		}

		if check.Function != keyrelease.SealApproveFunction || len(check.Args) != 1 || check.Args[0] != expectedArgs {
			cryptoutils.WipeBytes(share)
			deny("malformed policy check")
			continue
		}

		allowed, reason, err := ks.checker.Check(ctx, &req.Certificate, &req.Descriptor, check)
		if err != nil {
			ks.log.Error("policy evaluation failed", slog.String("key_id", check.KeyID.String()), "err", err)
			cryptoutils.WipeBytes(share)
			deny("policy evaluation failed")
			continue
		}
		if !allowed {
			cryptoutils.WipeBytes(share)
			deny(reason)
			continue
		}

		encrypted, err := cryptoutils.EncryptWithPublicKey(cryptoutils.PublicKeyPEM(req.EncryptionKey), share)
		cryptoutils.WipeBytes(share)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt share: %w", err)
		}

		ks.released.Inc()
		resp.Shares = append(resp.Shares, keyrelease.EncryptedShare{KeyID: check.KeyID, Share: encrypted})
		ks.log.Info("share released",
			slog.String("key_id", check.KeyID.String()),
			slog.String("object_id", req.Descriptor.ObjectID.String()))
	}

	return resp, nil
}
