package keyrelease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// maxResponseSize bounds a key server response body.
const maxResponseSize = 1 << 20

// Server is one key server endpoint.
type Server struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// KeyShareResponse is one key id's outcome from one server: either a
// decrypted share or an explicit denial.
type KeyShareResponse struct {
	Server string
	KeyID  ID
	Share  []byte
	Denied bool
	Reason string
}

// fetchResult aggregates one round of share requests.
type fetchResult struct {
	Responses []KeyShareResponse
	TimedOut  []string
	Failed    []string
}

// Client runs the key release protocol against a set of key servers.
type Client struct {
	identity   Signer
	servers    []Server
	policy     callpolicy.Policy
	sessionTTL time.Duration
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Servers    []Server
	Policy     callpolicy.Policy
	SessionTTL time.Duration
	HTTPClient *http.Client
}

// NewClient creates a key release client issuing sessions under identity.
func NewClient(identity Signer, cfg ClientConfig, log *slog.Logger) *Client {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy.MaxAttempts = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	servers := make([]Server, len(cfg.Servers))
	for i, s := range cfg.Servers {
		s.URL = strings.TrimSuffix(s.URL, "/")
		if s.Name == "" {
			s.Name = s.URL
		}
		servers[i] = s
	}

	return &Client{
		identity:   identity,
		servers:    servers,
		policy:     cfg.Policy,
		sessionTTL: cfg.SessionTTL,
		httpClient: cfg.HTTPClient,
		log:        log,
		now:        time.Now,
	}
}

// Servers returns the configured key servers.
func (c *Client) Servers() []Server {
	return append([]Server(nil), c.servers...)
}

// RequestKeys asks every server once, concurrently, for the shares in d.
// Each request is bounded by perServerTimeout; servers that time out or fail
// contribute no responses. The certificate must be valid when sending.
func (c *Client) RequestKeys(ctx context.Context, d *AuthorizationDescriptor, session *Session, servers []Server, perServerTimeout time.Duration) ([]KeyShareResponse, error) {
	res, err := c.fetchShares(ctx, d, session, servers, perServerTimeout)
	if err != nil {
		return nil, err
	}
	return res.Responses, nil
}

func (c *Client) fetchShares(ctx context.Context, d *AuthorizationDescriptor, session *Session, servers []Server, perServerTimeout time.Duration) (*fetchResult, error) {
	if len(servers) == 0 {
		return nil, errors.New("no key servers configured")
	}
	if err := session.Certificate.CheckValidity(c.now()); err != nil {
		return nil, err
	}

	req, err := NewFetchKeyRequest(d, session)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fetch request: %w", err)
	}

	type serverOutcome struct {
		server    Server
		responses []KeyShareResponse
		err       error
	}

	outcomes := make(chan serverOutcome, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server Server) {
			defer wg.Done()

			reqCtx, cancel := callpolicy.Policy{Timeout: perServerTimeout, MaxAttempts: 1}.WithTimeout(ctx)
			defer cancel()

			responses, err := c.fetchFromServer(reqCtx, server, body, session)
			outcomes <- serverOutcome{server: server, responses: responses, err: err}
		}(server)
	}
	wg.Wait()
	close(outcomes)

	res := &fetchResult{}
	for o := range outcomes {
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				c.log.Warn("key server timed out", slog.String("server", o.server.Name))
				res.TimedOut = append(res.TimedOut, o.server.Name)
			} else {
				c.log.Warn("key server request failed", slog.String("server", o.server.Name), "err", o.err)
				res.Failed = append(res.Failed, o.server.Name)
			}
			continue
		}
		res.Responses = append(res.Responses, o.responses...)
	}
	return res, nil
}

func (c *Client) fetchFromServer(ctx context.Context, server Server, body []byte, session *Session) ([]KeyShareResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+FetchKeyPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var fetched FetchKeyResponse
	if err := json.Unmarshal(respBody, &fetched); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	responses := make([]KeyShareResponse, 0, len(fetched.Shares)+len(fetched.Denials))
	for _, s := range fetched.Shares {
		share, err := session.OpenShare(s.Share)
		if err != nil {
			// An undecryptable share is treated as withheld.
			c.log.Warn("discarding undecryptable share", slog.String("server", server.Name), slog.String("key_id", s.KeyID.String()), "err", err)
			continue
		}
		responses = append(responses, KeyShareResponse{Server: server.Name, KeyID: s.KeyID, Share: share})
	}
	for _, d := range fetched.Denials {
		responses = append(responses, KeyShareResponse{Server: server.Name, KeyID: d.KeyID, Denied: true, Reason: d.Reason})
	}
	return responses, nil
}

// Result is the outcome of Decrypt. Authoritative is false only for demo
// substitutions, whose Plaintext is a placeholder.
type Result struct {
	Plaintext     []byte
	Authoritative bool
	State         State
	Granted       int
	Quorum        int
}

// Decrypt runs the full protocol for an encrypted payload.
func (c *Client) Decrypt(ctx context.Context, payloadBytes []byte) (*Result, error) {
	payload, err := ParsePayload(payloadBytes)
	if err != nil {
		return nil, interfaces.NewInputError(StageKeyRelease, err)
	}

	attempt := c.NewAttempt(payload)
	defer attempt.Close()

	if err := attempt.EstablishSession(); err != nil {
		return nil, err
	}
	if err := attempt.BuildDescriptor(); err != nil {
		return nil, err
	}
	if err := attempt.RequestKeys(ctx, c.servers, c.policy.Timeout); err != nil {
		return nil, err
	}

	switch attempt.State() {
	case TimedOut, QuorumNotMet:
		if !c.policy.DemoFallback {
			return nil, attempt.Abort()
		}
		failure := attempt.Err()
		c.log.Warn("substituting demo placeholder for undecryptable payload",
			slog.String("object_id", payload.Header.ObjectID.String()),
			slog.String("state", attempt.State().String()),
			"err", failure)
		return &Result{
			Plaintext:     DemoPlaceholder(payload.Header.ObjectID),
			Authoritative: false,
			State:         attempt.State(),
			Granted:       attempt.Granted(),
			Quorum:        int(payload.Header.Quorum),
		}, nil
	}

	plaintext, err := attempt.Decrypt()
	if err != nil {
		return nil, err
	}

	c.log.Info("payload decrypted",
		slog.String("object_id", payload.Header.ObjectID.String()),
		slog.Int("granted", attempt.Granted()),
		slog.Int("quorum", int(payload.Header.Quorum)))

	return &Result{
		Plaintext:     plaintext,
		Authoritative: true,
		State:         Decrypted,
		Granted:       attempt.Granted(),
		Quorum:        int(payload.Header.Quorum),
	}, nil
}
