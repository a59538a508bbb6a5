// Package limits resolves per-tenant concurrency limits. Limits come from an
// external account service and are cached for a short period; when the
// service is unreachable or not configured, a static default applies.
package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultConcurrency is the limit applied when no source knows better.
const DefaultConcurrency = 2

// Getter resolves the concurrency limit for a tenant.
type Getter interface {
	Concurrency(ctx context.Context, tenantID string) int
}

// Static is a Getter that returns the same limit for every tenant.
type Static int

// Concurrency implements Getter.
func (s Static) Concurrency(context.Context, string) int {
	if s <= 0 {
		return DefaultConcurrency
	}
	return int(s)
}

// Compile-time interface satisfaction check.
var _ Getter = (*HTTPGetter)(nil)

// HTTPGetter fetches tenant limits from an account service endpoint and
// caches them. Lookup failures fall back to the default without caching, so
// transient outages recover on the next fetch.
type HTTPGetter struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedLimit
}

type cachedLimit struct {
	value   int
	expires time.Time
}

// NewHTTPGetter creates a Getter backed by the service at baseURL.
func NewHTTPGetter(baseURL string, ttl time.Duration, logger *slog.Logger) *HTTPGetter {
	return &HTTPGetter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		ttl:     ttl,
		logger:  logger,
		cache:   make(map[string]cachedLimit),
	}
}

// Concurrency implements Getter.
func (g *HTTPGetter) Concurrency(ctx context.Context, tenantID string) int {
	g.mu.Lock()
	if cached, ok := g.cache[tenantID]; ok && time.Now().Before(cached.expires) {
		g.mu.Unlock()
		return cached.value
	}
	g.mu.Unlock()

	value, err := g.fetch(ctx, tenantID)
	if err != nil {
		g.logger.Warn("tenant limit lookup failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return DefaultConcurrency
	}

	g.mu.Lock()
	g.cache[tenantID] = cachedLimit{value: value, expires: time.Now().Add(g.ttl)}
	g.mu.Unlock()
	return value
}

func (g *HTTPGetter) fetch(ctx context.Context, tenantID string) (int, error) {
	u := g.baseURL + "/v1/tenants/" + url.PathEscape(tenantID) + "/limits"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build limits request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch limits: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("limits endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Concurrency int `json:"concurrency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode limits response: %w", err)
	}
	if body.Concurrency <= 0 {
		return DefaultConcurrency, nil
	}
	return body.Concurrency, nil
}
