package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voiceshield/pkg/types"
)

// Path is the analysis endpoint relative to the server base URL.
const Path = "/api/analyze-text"

// maxResponseBytes bounds the response body read from the server.
const maxResponseBytes = 1 << 20

// ErrBadResponse is returned when the server answers with a status or body
// that is not a usable risk result.
var ErrBadResponse = errors.New("analyze: bad response")

// defaultTimeout bounds a request when no [WithTimeout] is given.
const defaultTimeout = 3 * time.Second

// Remote calls the analysis server over HTTP. It is safe for concurrent use.
type Remote struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// RemoteOption configures a [Remote].
type RemoteOption func(*Remote)

// WithHTTPClient replaces the HTTP client. The client is used as is and
// never modified; nil keeps the default.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithTimeout bounds each request through its context, whichever client
// carries it. Non-positive values keep the 3s default.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRemote returns a Remote for the server at baseURL, e.g.
// "http://localhost:8000".
func NewRemote(baseURL string, opts ...RemoteOption) (*Remote, error) {
	if baseURL == "" {
		return nil, errors.New("analyze: base URL must not be empty")
	}
	r := &Remote{
		endpoint:   strings.TrimRight(baseURL, "/") + Path,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Endpoint returns the full analysis URL.
func (r *Remote) Endpoint() string { return r.endpoint }

// Analyze implements [Analyzer].
func (r *Remote) Analyze(ctx context.Context, req Request) (types.RiskResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.RiskResult{}, fmt.Errorf("analyze: marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return types.RiskResult{}, fmt.Errorf("analyze: create request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(hreq)
	if err != nil {
		return types.RiskResult{}, fmt.Errorf("analyze: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.RiskResult{}, fmt.Errorf("analyze: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.RiskResult{}, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(data))
	}

	var res types.RiskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return types.RiskResult{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if !res.Label.IsValid() || res.Score < 0 || res.Score > types.MaxScore {
		return types.RiskResult{}, fmt.Errorf("%w: score %d label %q", ErrBadResponse, res.Score, res.Label)
	}
	return res, nil
}

var _ Analyzer = (*Remote)(nil)
