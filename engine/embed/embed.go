// Package embed defines the embedding contract shared by ingest and query,
// and the wrappers that enforce it.
package embed

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/pkg/metrics"
)

// Embedder maps text to a fixed-length vector. Implementations must be safe
// for concurrent use and deterministic for a given model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// Guard enforces the contract on an upstream provider: every failure,
// timeout or wrong-length vector becomes an embedding Error.
type Guard struct {
	next    Embedder
	timeout time.Duration
}

// NewGuard wraps next. A zero timeout leaves the caller's deadline alone.
func NewGuard(next Embedder, timeout time.Duration) *Guard {
	return &Guard{next: next, timeout: timeout}
}

func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	vec, err := g.next.Embed(ctx, text)
	if err != nil {
		return nil, domain.Errorf(domain.KindEmbedding, err, "embed with %s", g.next.Model())
	}
	if want := g.next.Dimensions(); len(vec) != want {
		return nil, domain.Errorf(domain.KindEmbedding, domain.ErrDimension,
			"%s returned %d dimensions, want %d", g.next.Model(), len(vec), want)
	}
	return vec, nil
}

func (g *Guard) Dimensions() int { return g.next.Dimensions() }
func (g *Guard) Model() string   { return g.next.Model() }

// Cache memoizes embeddings by model and text. Only successful results are
// stored; callers receive their own copy of the vector.
type Cache struct {
	next    Embedder
	entries *lru.Cache[string, []float32]
	metrics *metrics.Metrics
}

// NewCache wraps next with an LRU of the given size.
func NewCache(next Embedder, size int, m *metrics.Metrics) (*Cache, error) {
	entries, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embed: cache: %w", err)
	}
	return &Cache{next: next, entries: entries, metrics: m}, nil
}

func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.next.Model() + "\x00" + text
	if vec, ok := c.entries.Get(key); ok {
		c.metrics.EmbedCache(true)
		return clone(vec), nil
	}
	c.metrics.EmbedCache(false)

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, clone(vec))
	return vec, nil
}

func (c *Cache) Dimensions() int { return c.next.Dimensions() }
func (c *Cache) Model() string   { return c.next.Model() }

// Len reports the number of cached vectors.
func (c *Cache) Len() int { return c.entries.Len() }

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
