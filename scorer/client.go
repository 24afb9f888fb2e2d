package scorer

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
	"time"

	"github.com/ruteri/enclave-trust-broker/callpolicy"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// StageScoring names the scoring stage in typed errors.
const StageScoring = "scoring"

const maxResponseSize = 1 << 20

// evaluateResponse is the scorer's answer. Only the evaluation object is
// kept; everything else the scorer reports is ignored.
type evaluateResponse struct {
	Evaluation json.RawMessage `json:"evaluation"`
}

// Client calls a remote scorer at POST {url}/evaluate. Model and dataset
// bytes travel base64-encoded in the JSON body.
type Client struct {
	url        string
	policy     callpolicy.Policy
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(url string, policy callpolicy.Policy, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		policy:     policy,
		httpClient: httpClient,
		log:        log,
	}
}

// Evaluate sends req to the scorer once, bounded by the scorer policy
// timeout. Every failure is an UpstreamError.
func (c *Client) Evaluate(ctx context.Context, req *interfaces.EvaluationRequest) (*interfaces.Evaluation, error) {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, interfaces.NewInternalError(StageScoring, fmt.Errorf("failed to marshal evaluation request: %w", err))
	}

	ctx, cancel := c.policy.WithTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, interfaces.NewInternalError(StageScoring, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, interfaces.NewUpstreamError(StageScoring, fmt.Errorf("failed to call scorer: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, interfaces.NewUpstreamError(StageScoring, fmt.Errorf("failed to read scorer response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, interfaces.NewUpstreamError(StageScoring,
			fmt.Errorf("scorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	evaluation, err := ParseEvaluation(respBody)
	if err != nil {
		return nil, interfaces.NewUpstreamError(StageScoring, err)
	}

	c.log.Info("Evaluation completed",
		slog.String("model", req.ModelBlobID),
		slog.String("dataset", req.DatasetBlobID),
		slog.Float64("quality_score", evaluation.QualityScore),
		slog.Duration("duration", time.Since(start)))

	return evaluation, nil
}

// ParseEvaluation extracts the evaluation object from a scorer response and
// checks the scores are in range. Raw is set to the evaluation bytes exactly
// as received.
func ParseEvaluation(body []byte) (*interfaces.Evaluation, error) {
	var resp evaluateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse scorer response: %w", err)
	}
	if len(resp.Evaluation) == 0 || bytes.Equal(resp.Evaluation, []byte("null")) {
		return nil, errors.New("no evaluation data in scorer response")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Evaluation, &fields); err != nil {
		return nil, fmt.Errorf("evaluation is not an object: %w", err)
	}
	if _, ok := fields["quality_score"]; !ok {
		return nil, errors.New("evaluation has no quality_score")
	}

	var evaluation interfaces.Evaluation
	if err := json.Unmarshal(resp.Evaluation, &evaluation); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}
	if evaluation.QualityScore < 0 || evaluation.QualityScore > 100 {
		return nil, fmt.Errorf("quality_score %v out of range", evaluation.QualityScore)
	}
	if evaluation.DataIntegrityScore < 0 || evaluation.DataIntegrityScore > 100 {
		return nil, fmt.Errorf("data_integrity_score %v out of range", evaluation.DataIntegrityScore)
	}

	evaluation.Raw = append(json.RawMessage(nil), resp.Evaluation...)
	return &evaluation, nil
}
