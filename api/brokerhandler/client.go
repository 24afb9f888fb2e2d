package brokerhandler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/enclave-trust-broker/api"
	"github.com/ruteri/enclave-trust-broker/interfaces"
)

// RequestError is a non-2xx answer from the broker.
type RequestError struct {
	StatusCode int
	Response   api.ErrorResponse
}

func (e *RequestError) Error() string {
	if e.Response.Stage != "" {
		return fmt.Sprintf("broker returned %d (%s in %s): %s", e.StatusCode, e.Response.Kind, e.Response.Stage, e.Response.Error)
	}
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Response.Error)
}

// Client calls the broker API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the broker at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Upload(ctx context.Context, fileName string, fileType interfaces.FileType, data []byte) (*api.UploadResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("could not build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("could not build upload form: %w", err)
	}
	if fileType != "" {
		if err := mw.WriteField("type", string(fileType)); err != nil {
			return nil, fmt.Errorf("could not build upload form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("could not build upload form: %w", err)
	}

	var resp api.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", mw.FormDataContentType(), &body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*api.FileResponse, error) {
	var resp api.FileResponse
	if err := c.do(ctx, http.MethodGet, "/file/"+url.PathEscape(fileID), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Assess(ctx context.Context, req *api.AssessRequest) (*api.AssessResponse, error) {
	var resp api.AssessResponse
	if err := c.postJSON(ctx, "/assess", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Attest(ctx context.Context, req *api.AttestRequest) (*interfaces.Attestation, error) {
	var resp interfaces.Attestation
	if err := c.postJSON(ctx, "/attest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetAttestation(ctx context.Context, id string) (*interfaces.Attestation, error) {
	var resp interfaces.Attestation
	if err := c.do(ctx, http.MethodGet, "/attestation/"+url.PathEscape(id), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Verify(ctx context.Context, att *interfaces.Attestation) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse
	if err := c.postJSON(ctx, "/verify", att, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Identity(ctx context.Context, userData []byte) (*api.IdentityResponse, error) {
	var resp api.IdentityResponse
	path := "/identity?user_data=" + hex.EncodeToString(userData)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+api.APIPrefix+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach broker: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read broker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, &reqErr.Response) != nil || reqErr.Response.Error == "" {
			reqErr.Response.Error = strings.TrimSpace(string(respBody))
		}
		return reqErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse broker response: %w", err)
	}
	return nil
}
