// Package inference sends text batches to the GPU embedding endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/formbricks/embed-sender/internal/huberrors"
	"github.com/formbricks/embed-sender/internal/models"
)

const (
	// maxErrorBody caps how much of a failed response body is kept for logs.
	maxErrorBody = 4096

	defaultTimeout = 120 * time.Second
)

// OutcomeKind classifies one inference request.
type OutcomeKind int

const (
	// OutcomeSuccess means one vector was returned per input, in input order.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeOverloaded means the endpoint rejected the batch as too large (HTTP 413).
	OutcomeOverloaded
	// OutcomePermanentFailure covers every other status, transport errors and malformed responses.
	OutcomePermanentFailure
)

// String returns the metric/log label of the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeOverloaded:
		return "overloaded"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of dispatching one batch.
type Outcome struct {
	Kind OutcomeKind
	// Vectors holds one entry per input chunk when Kind is OutcomeSuccess. An entry may be nil.
	Vectors    [][]float32
	StatusCode int
	Err        error
}

type embedRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
	Truncate  bool     `json:"truncate"`
}

// Client posts batches to the inference endpoint. It never retries: an overloaded batch is
// the caller's to split, and any other failure is final for the batch.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It is shared by all concurrent dispatches and is
// used as given: WithTimeout does not modify it.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client. It has no effect
// when WithHTTPClient supplies the client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithRateLimit caps requests per second toward the endpoint. rps <= 0 means unlimited.
func WithRateLimit(rps float64) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil

			return
		}

		burst := max(int(rps), 1)
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a client for the endpoint at url. The default HTTP client uses a
// 120s timeout and the system trust roots.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		timeout: defaultTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c
}

// Dispatch sends the batch texts, each prefixed per opts, and classifies the response.
func (c *Client) Dispatch(ctx context.Context, batch models.Batch, opts *models.TaskOptions) Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: OutcomePermanentFailure, Err: fmt.Errorf("wait for rate limiter: %w", err)}
		}
	}

	inputs := make([]string, len(batch))
	for i, chunk := range batch {
		inputs[i] = opts.ApplyPrefix(chunk.Text)
	}

	body, err := json.Marshal(embedRequest{Inputs: inputs, Normalize: true, Truncate: true})
	if err != nil {
		return Outcome{Kind: OutcomePermanentFailure, Err: fmt.Errorf("marshal inference request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomePermanentFailure, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomePermanentFailure, Err: fmt.Errorf("send inference request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close inference response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeVectors(resp, len(batch))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

		return Outcome{
			Kind:       OutcomeOverloaded,
			StatusCode: resp.StatusCode,
			Err:        huberrors.NewDispatchError("inference", resp.StatusCode, ""),
		}
	default:
		return Outcome{
			Kind:       OutcomePermanentFailure,
			StatusCode: resp.StatusCode,
			Err:        huberrors.NewDispatchError("inference", resp.StatusCode, readErrorBody(resp.Body)),
		}
	}
}

func decodeVectors(resp *http.Response, want int) Outcome {
	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return Outcome{
			Kind:       OutcomePermanentFailure,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode inference response: %w", err),
		}
	}

	if len(vectors) != want {
		return Outcome{
			Kind:       OutcomePermanentFailure,
			StatusCode: resp.StatusCode,
			Err: huberrors.NewValidationError("vectors",
				fmt.Sprintf("inference returned %d vectors for %d inputs", len(vectors), want)),
		}
	}

	return Outcome{Kind: OutcomeSuccess, Vectors: vectors, StatusCode: resp.StatusCode}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
