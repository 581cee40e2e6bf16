// Package agentcard implements the A2A agent card fetch and cache:
// fetch(url) performs an SSRF-guarded HTTP GET, validates the
// response shape, and stores (card, hash, fetched_at, expires_at) keyed
// by target id.
package agentcard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/proofofprotocol/proofscan/internal/store"
)

// FetchResult is the outcome of one card fetch.
type FetchResult struct {
	OK    bool
	Card  json.RawMessage
	Hash  string
	Error error
}

// Cache fetches and caches A2A agent cards, backed by the shared event
// store's agent_cache table.
type Cache struct {
	store      *store.Store
	client     *http.Client
	defaultTTL time.Duration

	// AllowPrivate skips the host guard, for deployments whose agents
	// live on a private network. Default off: loopback, RFC1918, and
	// link-local card URLs are refused at fetch time.
	AllowPrivate bool
}

// New returns a Cache that persists into s, using defaultTTL for Fetch and
// for any FetchWithTTL call whose ttl is not positive. The card body itself
// is never consulted for a TTL.
func New(s *store.Store, defaultTTL time.Duration) *Cache {
	return &Cache{
		store:      s,
		client:     &http.Client{Timeout: 10 * time.Second},
		defaultTTL: defaultTTL,
	}
}

// requiredCardFields is the minimum shape a served card must carry.
var requiredCardFields = []string{"name", "url", "version"}

// Fetch performs the SSRF-guarded GET, retrying at most once and only on
// a 5xx response, then validates and stores the result with the cache's
// default TTL.
func (c *Cache) Fetch(ctx context.Context, targetID, cardURL string) FetchResult {
	return c.FetchWithTTL(ctx, targetID, cardURL, c.defaultTTL)
}

// FetchWithTTL is Fetch with an explicit expiry window, for targets whose
// configuration carries its own ttl_seconds.
func (c *Cache) FetchWithTTL(ctx context.Context, targetID, cardURL string, ttl time.Duration) FetchResult {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if !c.AllowPrivate {
		if err := checkSSRF(cardURL); err != nil {
			return FetchResult{Error: err}
		}
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.fetchOnce(ctx, cardURL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(2))
	if err != nil {
		return FetchResult{Error: err}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return FetchResult{Error: fmt.Errorf("agentcard: response is not a JSON object: %w", err)}
	}
	for _, field := range requiredCardFields {
		if _, ok := probe[field]; !ok {
			return FetchResult{Error: fmt.Errorf("agentcard: response missing required field %q", field)}
		}
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	fetchedAt := stampTime()
	expiresAt := fetchedAt.Add(ttl)

	if err := c.store.UpsertAgentCard(ctx, store.AgentCard{
		TargetID:  targetID,
		CardJSON:  string(body),
		Hash:      hash,
		FetchedAt: fetchedAt,
		ExpiresAt: expiresAt,
	}); err != nil {
		return FetchResult{Error: fmt.Errorf("agentcard: store card: %w", err)}
	}

	return FetchResult{OK: true, Card: json.RawMessage(body), Hash: hash}
}

// fetchOnce performs a single GET. A 5xx response is retryable; a 4xx
// response, or a request that fails before any response, is permanent.
func (c *Cache) fetchOnce(ctx context.Context, cardURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("agentcard: build request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("agentcard: request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("agentcard: read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("agentcard: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("agentcard: client error %d", resp.StatusCode))
	}
	return body, nil
}

// Get returns a previously cached card without fetching. The second
// return value is false if nothing has ever been cached for targetID;
// Stale is set when expires_at has passed but the entry is still
// returned — stale entries stay readable, just flagged.
type CachedCard struct {
	Card      json.RawMessage
	Hash      string
	FetchedAt time.Time
	ExpiresAt time.Time
	Stale     bool
}

// Get returns the cached card for targetID, if any.
func (c *Cache) Get(ctx context.Context, targetID string) (CachedCard, bool, error) {
	row, ok, err := c.store.GetAgentCard(ctx, targetID)
	if err != nil {
		return CachedCard{}, false, err
	}
	if !ok {
		return CachedCard{}, false, nil
	}
	return CachedCard{
		Card:      json.RawMessage(row.CardJSON),
		Hash:      row.Hash,
		FetchedAt: row.FetchedAt,
		ExpiresAt: row.ExpiresAt,
		Stale:     stampTime().After(row.ExpiresAt),
	}, true, nil
}

// checkSSRF is the agent-card fetch's own SSRF guard, parsing and
// resolving cardURL the same way internal/transport does for its SSE
// client.
func checkSSRF(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("agentcard: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agentcard: unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("agentcard: url has no host: %s", rawURL)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("agentcard: resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
			return fmt.Errorf("agentcard: Private or local URLs are not allowed: %s resolves to %s", rawURL, ip)
		}
	}
	return nil
}

// stampTime is a seam for tests.
var stampTime = time.Now
