// Package status reports this sender's presence to the management service and
// resolves the host's public address used in outbound payloads.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	addressCacheKey = "public"

	// DefaultFailureTTL is how long a failed lookup is remembered before the next attempt.
	DefaultFailureTTL = 5 * time.Minute
)

// ErrNoAddress is returned when no lookup URL produced a valid IP address.
var ErrNoAddress = errors.New("public address could not be resolved")

// AddressResolver looks up the public IP of this host once and caches it.
// Concurrent callers during a lookup share its result. A failed lookup is cached too,
// for the failure TTL, so callers fail fast instead of walking every lookup URL again.
type AddressResolver struct {
	urls       []string
	httpClient *http.Client
	failureTTL time.Duration
	cache      *expirable.LRU[string, string]
	failures   *expirable.LRU[string, error]
	group      singleflight.Group
}

// ResolverOption configures an AddressResolver.
type ResolverOption func(*AddressResolver)

// WithResolverHTTPClient sets the HTTP client used for lookups.
func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *AddressResolver) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithFailureTTL sets how long a failed lookup is remembered. d <= 0 keeps DefaultFailureTTL.
func WithFailureTTL(d time.Duration) ResolverOption {
	return func(r *AddressResolver) {
		if d > 0 {
			r.failureTTL = d
		}
	}
}

// NewAddressResolver creates a resolver that tries urls in order. Each URL must answer
// with the caller's IP as plain text. ttl <= 0 caches the address for the process lifetime.
func NewAddressResolver(urls []string, ttl time.Duration, opts ...ResolverOption) *AddressResolver {
	r := &AddressResolver{
		urls:       urls,
		httpClient: newRetryClient(1, 10*time.Second).StandardClient(),
		failureTTL: DefaultFailureTTL,
		cache:      expirable.NewLRU[string, string](1, nil, ttl),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.failures = expirable.NewLRU[string, error](1, nil, r.failureTTL)

	return r
}

// PublicAddress returns the cached address or resolves it. While a failed lookup is
// cached it returns that failure without contacting any lookup URL.
func (r *AddressResolver) PublicAddress(ctx context.Context) (string, error) {
	if addr, ok := r.cache.Get(addressCacheKey); ok {
		return addr, nil
	}

	if err, ok := r.failures.Get(addressCacheKey); ok {
		return "", err
	}

	v, err, _ := r.group.Do(addressCacheKey, func() (any, error) {
		addr, err := r.lookup(ctx)
		if err != nil {
			// A cancelled caller says nothing about reachability.
			if ctx.Err() == nil {
				r.failures.Add(addressCacheKey, err)
				slog.WarnContext(ctx, "public address unresolved, retrying later",
					"retry_after", r.failureTTL, "error", err)
			}

			return "", err
		}

		r.cache.Add(addressCacheKey, addr)

		return addr, nil
	})
	if err != nil {
		return "", err
	}

	addr, _ := v.(string)

	return addr, nil
}

func (r *AddressResolver) lookup(ctx context.Context) (string, error) {
	for _, u := range r.urls {
		addr, err := r.fetch(ctx, u)
		if err != nil {
			slog.Debug("public address lookup failed", "url", u, "error", err)

			continue
		}

		return addr, nil
	}

	return "", ErrNoAddress
}

func (r *AddressResolver) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close lookup response body", "url", url, "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read lookup response: %w", err)
	}

	addr := strings.TrimSpace(string(data))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("lookup returned %q, not an IP address", addr)
	}

	return addr, nil
}

func newRetryClient(retryMax int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil // callers log outcomes

	return client
}
