package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Report is the body posted to the management status endpoint.
type Report struct {
	IP         string `json:"ip"`
	APIName    string `json:"api_name"`
	ActionType string `json:"action_type"`
	RunID      string `json:"run_id,omitempty"`
	TaskID     int64  `json:"task_id,omitempty"`
}

// ReporterConfig holds the management endpoint settings.
type ReporterConfig struct {
	URL        string
	Token      string
	APIName    string
	ActionType string
	RunID      string
	TaskID     int64
	Interval   time.Duration
}

// Reporter periodically announces this sender to the management service.
type Reporter struct {
	cfg       ReporterConfig
	addresses *AddressResolver
	client    *retryablehttp.Client
}

// NewReporter creates a reporter. A failed report is retried once.
func NewReporter(cfg ReporterConfig, addresses *AddressResolver) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	return &Reporter{
		cfg:       cfg,
		addresses: addresses,
		client:    newRetryClient(1, 15*time.Second),
	}
}

// Start reports immediately and then every interval until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	slog.InfoContext(ctx, "status reporter started", "interval", r.cfg.Interval)

	r.reportOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "status reporter stopped")

			return
		case <-ticker.C:
			r.reportOnce(ctx)
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	if err := r.Send(ctx); err != nil && ctx.Err() == nil {
		slog.WarnContext(ctx, "status report failed", "url", r.cfg.URL, "error", err)
	}
}

// Send posts one status report.
func (r *Reporter) Send(ctx context.Context) error {
	ip, err := r.addresses.PublicAddress(ctx)
	if err != nil {
		return fmt.Errorf("resolve public address: %w", err)
	}

	body, err := json.Marshal(Report{
		IP:         ip,
		APIName:    r.cfg.APIName,
		ActionType: r.cfg.ActionType,
		RunID:      r.cfg.RunID,
		TaskID:     r.cfg.TaskID,
	})
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send status report: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close status response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
