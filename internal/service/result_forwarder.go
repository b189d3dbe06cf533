package service

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

	"github.com/formbricks/embed-sender/internal/huberrors"
	"github.com/formbricks/embed-sender/internal/models"
)

// unresolvedAddress is sent as ip_address when no resolver is configured or lookup failed.
const unresolvedAddress = "unknown"

// AddressResolver returns this host's public address (e.g. *status.AddressResolver).
type AddressResolver interface {
	PublicAddress(ctx context.Context) (string, error)
}

// ForwardPayload is the body posted to the receiver for one batch of results.
type ForwardPayload struct {
	Status     string              `json:"status"`
	TaskID     int64               `json:"taskid"`
	Vectors    []models.ResultUnit `json:"vectors"`
	Statistics map[string]any      `json:"statistics"`
	Dim        int                 `json:"dim"`
	IPAddress  string              `json:"ip_address"`
}

// ResultForwarder posts completed result units to the downstream receiver.
type ResultForwarder struct {
	url        string
	token      string
	httpClient *http.Client
	addresses  AddressResolver
}

// ForwarderOption configures a ResultForwarder.
type ForwarderOption func(*ResultForwarder)

// WithForwarderHTTPClient sets the HTTP client used for receiver calls.
func WithForwarderHTTPClient(c *http.Client) ForwarderOption {
	return func(f *ResultForwarder) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithAddressResolver sets the resolver for the ip_address field.
func WithAddressResolver(r AddressResolver) ForwarderOption {
	return func(f *ResultForwarder) {
		f.addresses = r
	}
}

// NewResultForwarder creates a forwarder that authenticates with a bearer token.
// The default HTTP client uses a 60s timeout.
func NewResultForwarder(url, token string, opts ...ForwarderOption) *ResultForwarder {
	f := &ResultForwarder{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Forward sends the results of one reap cycle. Empty results send nothing.
// A non-2xx response is returned as *huberrors.DispatchError.
func (f *ResultForwarder) Forward(ctx context.Context, taskID int64, results []models.ResultUnit) error {
	if len(results) == 0 {
		return nil
	}

	payload := ForwardPayload{
		Status:     "success",
		TaskID:     taskID,
		Vectors:    results,
		Statistics: map[string]any{},
		Dim:        vectorDim(results),
		IPAddress:  f.publicAddress(ctx),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal forward payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send results: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close receiver response body", "task_id", taskID, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return huberrors.NewDispatchError("receiver", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return nil
}

func (f *ResultForwarder) publicAddress(ctx context.Context) string {
	if f.addresses == nil {
		return unresolvedAddress
	}

	addr, err := f.addresses.PublicAddress(ctx)
	if err != nil || addr == "" {
		return unresolvedAddress
	}

	return addr
}

// vectorDim is the length of the first non-nil vector, or 0 when every vector is nil.
func vectorDim(results []models.ResultUnit) int {
	for _, r := range results {
		if r.Vector != nil {
			return len(r.Vector)
		}
	}

	return 0
}
