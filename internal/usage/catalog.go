package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"negotiatechat/internal/config"
)

var ErrCatalogUnavailable = errors.New("model catalog unavailable")

// ModelPricing is the catalog entry of one model. Costs are USD per million tokens.
type ModelPricing struct {
	ID                string  `json:"id"`
	ContextWindow     int     `json:"context_window"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`
}

type Catalog struct {
	Models    map[string]ModelPricing `json:"models"`
	FetchedAt time.Time               `json:"fetched_at"`
}

// Lookup finds a model by id, ignoring a "provider/" prefix on either side.
func (c *Catalog) Lookup(modelID string) (ModelPricing, bool) {
	if c == nil {
		return ModelPricing{}, false
	}
	if p, ok := c.Models[modelID]; ok {
		return p, true
	}
	bare := modelID
	if i := strings.LastIndex(bare, "/"); i >= 0 {
		bare = bare[i+1:]
	}
	for id, p := range c.Models {
		candidate := id
		if i := strings.LastIndex(candidate, "/"); i >= 0 {
			candidate = candidate[i+1:]
		}
		if candidate == bare {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// Source fetches a fresh catalog.
type Source interface {
	Fetch(ctx context.Context) (*Catalog, error)
}

// StaticSource serves pricing declared in the configuration.
type StaticSource struct {
	catalog *Catalog
}

func NewStaticSource(modelsCfg map[string]config.ModelConfig) *StaticSource {
	cat := &Catalog{Models: make(map[string]ModelPricing, len(modelsCfg))}
	for _, m := range modelsCfg {
		if m.Model == "" || (m.InputCostPerMTok == 0 && m.OutputCostPerMTok == 0 && m.ContextWindow == 0) {
			continue
		}
		cat.Models[m.Model] = ModelPricing{
			ID:                m.Model,
			ContextWindow:     m.ContextWindow,
			InputCostPerMTok:  m.InputCostPerMTok,
			OutputCostPerMTok: m.OutputCostPerMTok,
		}
	}
	return &StaticSource{catalog: cat}
}

func (s *StaticSource) Fetch(context.Context) (*Catalog, error) {
	if len(s.catalog.Models) == 0 {
		return nil, ErrCatalogUnavailable
	}
	cp := &Catalog{Models: s.catalog.Models, FetchedAt: time.Now().UTC()}
	return cp, nil
}

// HTTPSource downloads the catalog as JSON: {"models":[{...ModelPricing}]}.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: url, client: client}
}

type catalogDocument struct {
	Models []ModelPricing `json:"models"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: %s", resp.Status)
	}
	var doc catalogDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	cat := &Catalog{Models: make(map[string]ModelPricing, len(doc.Models)), FetchedAt: time.Now().UTC()}
	for _, m := range doc.Models {
		if m.ID == "" {
			continue
		}
		cat.Models[m.ID] = m
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("decode catalog: %w", ErrCatalogUnavailable)
	}
	return cat, nil
}

// SharedStore is a second-level cache shared between instances, e.g. Redis.
type SharedStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const (
	catalogCacheKey      = "usage:catalog"
	DefaultRefresh       = 24 * time.Hour
	defaultSourceTimeout = 10 * time.Second
)

// CachedCatalog keeps the last fetched catalog for a refresh interval. It is
// safe for concurrent readers; concurrent refreshes collapse into one fetch.
type CachedCatalog struct {
	source   Source
	shared   SharedStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current *Catalog
	group   singleflight.Group
}

type CacheOption func(*CachedCatalog)

func WithSharedStore(store SharedStore) CacheOption {
	return func(c *CachedCatalog) { c.shared = store }
}

func WithLogger(l *slog.Logger) CacheOption {
	return func(c *CachedCatalog) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCachedCatalog(source Source, interval time.Duration, opts ...CacheOption) *CachedCatalog {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	c := &CachedCatalog{
		source:   source,
		interval: interval,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedCatalog) fresh() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current != nil && c.now().Sub(c.current.FetchedAt) < c.interval {
		return c.current
	}
	return nil
}

// Current returns a fresh catalog, refreshing it when it expired. A stale
// catalog is never returned.
func (c *CachedCatalog) Current(ctx context.Context) (*Catalog, error) {
	if cat := c.fresh(); cat != nil {
		return cat, nil
	}
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, res.Err)
		}
		return res.Val.(*Catalog), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, ctx.Err())
	}
}

func (c *CachedCatalog) refresh() (*Catalog, error) {
	if cat := c.fresh(); cat != nil {
		return cat, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultSourceTimeout)
	defer cancel()

	if cat := c.loadShared(ctx); cat != nil {
		c.store(cat)
		return cat, nil
	}
	if c.source == nil {
		return nil, errors.New("no catalog source configured")
	}
	cat, err := c.source.Fetch(ctx)
	if err != nil {
		c.logger.Warn("model catalog fetch failed", "error", err)
		return nil, err
	}
	if cat.FetchedAt.IsZero() {
		cat.FetchedAt = c.now()
	}
	c.store(cat)
	c.saveShared(ctx, cat)
	c.logger.Info("model catalog refreshed", "models", len(cat.Models))
	return cat, nil
}

func (c *CachedCatalog) store(cat *Catalog) {
	c.mu.Lock()
	c.current = cat
	c.mu.Unlock()
}

func (c *CachedCatalog) loadShared(ctx context.Context) *Catalog {
	if c.shared == nil {
		return nil
	}
	raw, err := c.shared.Get(ctx, catalogCacheKey)
	if err != nil {
		return nil
	}
	var cat Catalog
	if err := json.Unmarshal([]byte(raw), &cat); err != nil {
		c.logger.Warn("decode shared catalog failed", "error", err)
		return nil
	}
	if len(cat.Models) == 0 || c.now().Sub(cat.FetchedAt) >= c.interval {
		return nil
	}
	return &cat
}

func (c *CachedCatalog) saveShared(ctx context.Context, cat *Catalog) {
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(cat)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, catalogCacheKey, data, c.interval); err != nil {
		c.logger.Warn("store shared catalog failed", "error", err)
	}
}

// Start warms the cache and refreshes it every interval until ctx is done.
func (c *CachedCatalog) Start(ctx context.Context) {
	go func() {
		if _, err := c.Current(ctx); err != nil {
			c.logger.Warn("model catalog warm-up failed", "error", err)
		}
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				c.current = nil
				c.mu.Unlock()
				if _, err := c.Current(ctx); err != nil {
					c.logger.Warn("model catalog refresh failed", "error", err)
				}
			}
		}
	}()
}
