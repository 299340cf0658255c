// Package fallback implements the try-chain and list-aggregation
// engine of spec.md §4.10: when a repository is not hosted locally,
// try configured peer sources in priority order before giving up.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kohakuhub/hub/internal/models"
)

const (
	headTimeout = 10 * time.Second
	getTimeout  = 60 * time.Second
)

// cacheKey identifies a (repoType, namespace, name) triple.
type cacheKey struct {
	repoType  string
	namespace string
	name      string
}

// cacheEntry remembers which source last resolved a repository.
type cacheEntry struct {
	sourceURL  string
	sourceName string
	sourceType models.FallbackSourceType
}

// Cache is an in-process, concurrency-safe cache of source affinity,
// one of the two pieces of per-process mutable state this package
// introduces, the other being Engine's per-source rate limiters (per
// spec.md §9's global-mutable-state accounting).
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[cacheKey, cacheEntry]
	ttl time.Duration
	inserted map[cacheKey]time.Time
}

// NewCache builds a bounded, TTL-aware affinity cache.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	l, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create fallback cache: %w", err)
	}
	return &Cache{lru: l, ttl: ttl, inserted: make(map[cacheKey]time.Time)}, nil
}

func (c *Cache) get(repoType, namespace, name string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{repoType, namespace, name}
	insertedAt, ok := c.inserted[key]
	if !ok || time.Since(insertedAt) > c.ttl {
		return cacheEntry{}, false
	}
	return c.lru.Get(key)
}

func (c *Cache) set(repoType, namespace, name string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{repoType, namespace, name}
	c.lru.Add(key, entry)
	c.inserted[key] = time.Now()
}

// Client dispatches HEAD/GET requests polymorphically over the source
// type capability set {head, get, mapURL}, matching spec.md §9's
// "dynamic dispatch across fallback sources" note. Requests are
// throttled by a per-source token bucket so one misbehaving peer
// cannot be hammered by every local request that falls through to it.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	sourceURL  string
	sourceType models.FallbackSourceType
	token      string
}

func newClient(src *models.FallbackSource, limiter *rate.Limiter) *Client {
	return &Client{
		httpClient: &http.Client{},
		limiter:    limiter,
		sourceURL:  src.BaseURL,
		sourceType: src.Type,
		token:      src.Token,
	}
}

// mapURL translates a local KohakuHub-shaped path into the equivalent
// URL on the remote source, dispatching on source type the way the
// original polymorphic FallbackClient does.
func (c *Client) mapURL(localPath string) string {
	switch c.sourceType {
	case models.SourceHuggingFace:
		// HuggingFace has no "/{type}s/" plural prefix distinction for
		// resolve URLs beyond what localPath already encodes; map 1:1.
		return c.sourceURL + localPath
	default: // SourceKohakuHub, and any future peer speaking this API natively
		return c.sourceURL + localPath
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.mapURL(path), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) head(ctx context.Context, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodHead, path)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// shouldRetrySource reports whether the try-chain should continue to
// the next source after this status, per should_retry_source: stop on
// auth/permission failures, keep trying on everything else.
func shouldRetrySource(status int) bool {
	return status != http.StatusUnauthorized && status != http.StatusForbidden
}

// SourceLister abstracts the DB lookup this package needs without
// importing the db package directly, keeping fallback a leaf.
type SourceLister interface {
	ListFallbackSources(ctx context.Context, namespace string) ([]*models.FallbackSource, error)
}

// Engine runs the try-chain and aggregation operations against a set
// of configured sources.
type Engine struct {
	sources SourceLister
	cache   *Cache
	enabled bool

	rateLimit float64
	burst     int
	limMu     sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a fallback Engine. rateLimit/burst bound how many
// HEAD/GET requests per second this process sends to any one
// configured source, independent of how many local requests fall
// through to it concurrently.
func New(sources SourceLister, cache *Cache, enabled bool, rateLimit float64, burst int) *Engine {
	return &Engine{
		sources: sources, cache: cache, enabled: enabled,
		rateLimit: rateLimit, burst: burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the shared token bucket for a source, creating
// it on first use so every request to that source, across calls,
// draws from the same budget.
func (e *Engine) limiterFor(sourceURL string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	l, ok := e.limiters[sourceURL]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.rateLimit), e.burst)
		e.limiters[sourceURL] = l
	}
	return l
}

// ResolveResult is what a successful try-chain resolution yields: the
// external URL to redirect to, and attribution headers to forward.
type ResolveResult struct {
	ExternalURL string
	SourceName  string
	SourceURL   string
}

// TryResolve walks configured sources in priority order (cache-affine
// source first) looking for a file, per spec.md §8 scenario 6.
func (e *Engine) TryResolve(ctx context.Context, repoType, namespace, name, revision, path string) (*ResolveResult, error) {
	if !e.enabled {
		return nil, nil
	}
	sources, err := e.orderedSources(ctx, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	localPath := fmt.Sprintf("/%ss/%s/%s/resolve/%s/%s", repoType, namespace, name, revision, path)

	for _, src := range sources {
		client := newClient(src, e.limiterFor(src.BaseURL))
		resp, err := client.head(ctx, localPath)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			e.cache.set(repoType, namespace, name, cacheEntry{sourceURL: src.BaseURL, sourceName: src.Name, sourceType: src.Type})
			return &ResolveResult{
				ExternalURL: client.mapURL(localPath),
				SourceName:  src.Name,
				SourceURL:   src.BaseURL,
			}, nil
		}
		if !shouldRetrySource(resp.StatusCode) {
			return nil, nil
		}
	}
	return nil, nil
}

// TryInfo fetches repository metadata from the first source that has
// it, tagging the result with `_source`/`_source_url` annotations.
func (e *Engine) TryInfo(ctx context.Context, repoType, namespace, name string) (map[string]interface{}, error) {
	if !e.enabled {
		return nil, nil
	}
	sources, err := e.orderedSources(ctx, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	localPath := fmt.Sprintf("/api/%ss/%s/%s", repoType, namespace, name)

	for _, src := range sources {
		client := newClient(src, e.limiterFor(src.BaseURL))
		resp, err := client.get(ctx, localPath)
		if err != nil {
			continue
		}
		data, ok := decodeObjectAndClose(resp)
		if !ok {
			if !shouldRetrySource(resp.StatusCode) {
				return nil, nil
			}
			continue
		}
		data["_source"] = src.Name
		data["_source_url"] = src.BaseURL
		e.cache.set(repoType, namespace, name, cacheEntry{sourceURL: src.BaseURL, sourceName: src.Name, sourceType: src.Type})
		return data, nil
	}
	return nil, nil
}

func decodeObjectAndClose(resp *http.Response) (map[string]interface{}, bool) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, false
	}
	return data, true
}

// AggregateList concurrently queries every configured source for a
// repository listing and merges the results, tagging each item with
// its origin. Unlike the try-chain, this is strictly concurrent (§4.4).
func (e *Engine) AggregateList(ctx context.Context, repoType string, query url.Values) ([]map[string]interface{}, error) {
	if !e.enabled {
		return nil, nil
	}
	sources, err := e.sources.ListFallbackSources(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list fallback sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, nil
	}

	results := make([][]map[string]interface{}, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = e.fetchExternalList(ctx, src, repoType, query)
			return nil
		})
	}
	_ = g.Wait() // per-source failures degrade that source's contribution, not the whole call

	var merged []map[string]interface{}
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

func (e *Engine) fetchExternalList(ctx context.Context, src *models.FallbackSource, repoType string, query url.Values) []map[string]interface{} {
	client := newClient(src, e.limiterFor(src.BaseURL))
	localPath := fmt.Sprintf("/api/%ss", repoType)
	u := client.mapURL(localPath)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()
	if err := client.limiter.Wait(ctx); err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}
	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var results []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil
	}
	for _, item := range results {
		item["_source"] = src.Name
		item["_source_url"] = src.BaseURL
	}
	return results
}

// orderedSources fetches the namespace's enabled sources and, if the
// cache has an affinity entry, moves that source to the front.
func (e *Engine) orderedSources(ctx context.Context, repoType, namespace, name string) ([]*models.FallbackSource, error) {
	sources, err := e.sources.ListFallbackSources(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list fallback sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, nil
	}
	cached, ok := e.cache.get(repoType, namespace, name)
	if !ok {
		return sources, nil
	}
	var head *models.FallbackSource
	var rest []*models.FallbackSource
	for _, s := range sources {
		if s.BaseURL == cached.sourceURL && head == nil {
			head = s
			continue
		}
		rest = append(rest, s)
	}
	if head == nil {
		return sources, nil
	}
	return append([]*models.FallbackSource{head}, rest...), nil
}

// DisabledByRequest reports whether the request opts out of fallback
// via `?fallback=false`, overriding config for this request only
// (invariant 7).
func DisabledByRequest(q url.Values) bool {
	v := q.Get("fallback")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && !b
}
