package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/ferro-labs/keygate/apierr"
)

// DefaultDiscoveryTimeout bounds a single model-listing call.
const DefaultDiscoveryTimeout = 10 * time.Second

// maxUpstreamBody caps how much of an upstream response is buffered.
const maxUpstreamBody = 32 << 20

// UpstreamResponse is a buffered upstream reply, relayed to the caller as-is.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// UpstreamClient talks to OpenAI-wire-compatible providers. It never retries.
type UpstreamClient struct {
	httpClient       *http.Client
	discoveryTimeout time.Duration
}

// ClientOption configures an UpstreamClient.
type ClientOption func(*UpstreamClient)

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(u *UpstreamClient) { u.httpClient = c }
}

// WithDiscoveryTimeout overrides DefaultDiscoveryTimeout.
func WithDiscoveryTimeout(d time.Duration) ClientOption {
	return func(u *UpstreamClient) {
		if d > 0 {
			u.discoveryTimeout = d
		}
	}
}

// NewUpstreamClient creates a client whose forwarded calls are bounded by
// forwardTimeout.
func NewUpstreamClient(forwardTimeout time.Duration, opts ...ClientOption) *UpstreamClient {
	c := &UpstreamClient{
		httpClient:       &http.Client{Timeout: forwardTimeout},
		discoveryTimeout: DefaultDiscoveryTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListModels calls GET {base}/models on the provider.
func (c *UpstreamClient) ListModels(ctx context.Context, p Provider) ([]UpstreamModel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(p.BaseEndpoint, "/")+"/"),
		option.WithAPIKey(p.CredentialSecret),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)
	page, err := client.Models.List(ctx)
	if err != nil {
		// The transport error text carries the request URL; only the cause is kept.
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &apierr.UpstreamError{Provider: p.Name, StatusCode: apiErr.StatusCode, Message: "model listing rejected", Err: err}
		}
		msg := "model listing failed"
		if isTimeout(err) {
			msg = fmt.Sprintf("model listing timed out after %s", c.discoveryTimeout)
		}
		return nil, &apierr.UpstreamError{Provider: p.Name, Message: msg, Err: err}
	}

	out := make([]UpstreamModel, 0, len(page.Data))
	for _, m := range page.Data {
		owner := m.OwnedBy
		if owner == "" {
			owner = p.Name
		}
		out = append(out, UpstreamModel{ID: m.ID, Object: string(m.Object), OwnedBy: owner, Created: m.Created})
	}
	return out, nil
}

// Forward POSTs payload unchanged to {base}/{path} with the provider's secret
// as a bearer token. Non-2xx replies and transport failures are returned as
// *apierr.UpstreamError.
func (c *UpstreamClient) Forward(ctx context.Context, p Provider, path string, payload []byte) (*UpstreamResponse, error) {
	url := strings.TrimRight(p.BaseEndpoint, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &apierr.UpstreamError{Provider: p.Name, Message: "invalid upstream endpoint", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.CredentialSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		msg := "upstream request failed"
		if isTimeout(err) {
			msg = "upstream request timed out"
		}
		return nil, &apierr.UpstreamError{Provider: p.Name, Message: msg, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &apierr.UpstreamError{Provider: p.Name, StatusCode: resp.StatusCode, Message: "reading upstream response failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apierr.UpstreamError{
			Provider:   p.Name,
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(body, resp.StatusCode),
		}
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, ContentType: ct, Body: body}, nil
}

// upstreamMessage extracts the provider's own error message, falling back to
// the status text.
func upstreamMessage(body []byte, status int) string {
	for _, path := range []string{"error.message", "message", "error", "detail"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return http.StatusText(status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
