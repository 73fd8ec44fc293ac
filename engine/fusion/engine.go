// Package fusion answers a recommendation request by searching the catalog
// and an external place source concurrently, arbitrating the hits into typed
// buckets and recording the result.
package fusion

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/embed"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/fn"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/places"
)

// Searcher is the vector search the engine needs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, filter semantic.FilterSpec, topK int) ([]semantic.SearchHit, error)
}

// PlaceSearcher looks restaurants up outside the catalog.
type PlaceSearcher interface {
	Search(ctx context.Context, textQuery string) ([]domain.RestaurantGoogle, error)
}

// Options tunes the engine.
type Options struct {
	TopK            int
	DefaultPlace    string
	SearchTimeout   time.Duration
	ExternalTimeout time.Duration
}

// DefaultOptions returns the defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		TopK:            5,
		DefaultPlace:    "Dhanmondi Dhaka",
		SearchTimeout:   10 * time.Second,
		ExternalTimeout: 8 * time.Second,
	}
}

// Request is one recommendation request.
type Request struct {
	QueryText  string
	Type       string
	MaxPrice   *int
	Restaurant string
	Category   string
	Place      string
	TopK       int
	UserID     string
	SessionID  string
}

// Engine runs the recommendation pipeline. It holds no per-request state
// and is safe for concurrent use.
type Engine struct {
	embedder embed.Embedder
	search   Searcher
	places   PlaceSearcher
	arbiter  Arbiter
	recorder *Recorder
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an Engine. places and recorder may be nil: without places the
// nearby bucket is always empty, without a recorder nothing is stored.
func New(e embed.Embedder, s Searcher, p PlaceSearcher, a Arbiter, rec *Recorder, opts Options, logger *slog.Logger, m *metrics.Metrics) *Engine {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.DefaultPlace == "" {
		opts.DefaultPlace = def.DefaultPlace
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = def.SearchTimeout
	}
	if opts.ExternalTimeout <= 0 {
		opts.ExternalTimeout = def.ExternalTimeout
	}
	if a == nil {
		a = RuleArbiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embedder: e,
		search:   s,
		places:   p,
		arbiter:  a,
		recorder: rec,
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
}

func (e *Engine) validate(req Request) error {
	return domain.ValidateSearch(domain.SearchParams{
		QueryText: req.QueryText,
		Type:      req.Type,
		MaxPrice:  req.MaxPrice,
		TopK:      req.TopK,
	})
}

// Recommend runs the pipeline for req. Only validation, embedding,
// vector store and repeated arbitration failures are returned; external
// search and persistence failures are logged.
func (e *Engine) Recommend(ctx context.Context, req Request) (*domain.AIResponse, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK == 0 {
		topK = e.opts.TopK
	}
	place := req.Place
	if place == "" {
		place = e.opts.DefaultPlace
	}
	filter := semantic.BuildFilter(req.Type, req.MaxPrice, req.Restaurant, req.Category)

	var (
		hits   []semantic.SearchHit
		nearby []domain.RestaurantGoogle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hits, err = e.internal(gctx, req.QueryText, filter, topK)
		return err
	})
	g.Go(func() error {
		nearby = e.external(gctx, places.Query(req.QueryText, place))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp, err := e.arbitrate(ctx, ArbitrationInput{Query: req.QueryText, Hits: hits, Nearby: nearby})
	if err != nil {
		return nil, err
	}

	if e.recorder != nil {
		e.recorder.Submit(ctx, domain.RecommendationRecord{
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			AIResponse: *resp,
		})
	}
	return resp, nil
}

func (e *Engine) internal(ctx context.Context, text string, filter semantic.FilterSpec, topK int) ([]semantic.SearchHit, error) {
	start := time.Now()
	vec, err := e.embedder.Embed(ctx, text)
	e.metrics.ObserveStage("embed", start, string(domain.KindOf(err)))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()
	start = time.Now()
	hits, err := e.search.Search(ctx, vec, filter, topK)
	e.metrics.ObserveStage("search", start, string(domain.KindOf(err)))
	if err != nil {
		return nil, err
	}
	e.logger.Debug("fusion: internal search done", "hits", len(hits))
	return hits, nil
}

// external never fails; any error leaves the nearby bucket empty.
func (e *Engine) external(ctx context.Context, query string) []domain.RestaurantGoogle {
	if e.places == nil {
		return []domain.RestaurantGoogle{}
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ExternalTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.places.Search(ctx, query)
	if err != nil {
		e.metrics.ObserveStage("external", start, string(domain.KindExternalSearch))
		e.metrics.ExternalDegraded()
		e.logger.Warn("fusion: external search degraded", "err", err, "kind", domain.KindExternalSearch)
		return []domain.RestaurantGoogle{}
	}
	e.metrics.ObserveStage("external", start, "")
	if res == nil {
		res = []domain.RestaurantGoogle{}
	}
	return res
}

// arbitrate runs the arbiter at most twice. Each attempt's output must pass
// the response contract; the second failure is returned as is.
func (e *Engine) arbitrate(ctx context.Context, in ArbitrationInput) (*domain.AIResponse, error) {
	start := time.Now()
	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 2,
		RetryIf:     func(err error) bool { return domain.IsKind(err, domain.KindArbitration) },
		OnRetry: func(attempt int, err error) {
			e.metrics.ArbitrationRetry()
			e.logger.Warn("fusion: arbitration rejected, retrying", "attempt", attempt, "err", err)
		},
	}, func(ctx context.Context) fn.Result[*domain.AIResponse] {
		raw, err := e.arbiter.Arbitrate(ctx, in)
		if err != nil {
			if domain.KindOf(err) == "" {
				err = domain.Errorf(domain.KindArbitration, err, "arbitrate")
			}
			return fn.Err[*domain.AIResponse](err)
		}
		resp, err := domain.DecodeResponse(raw)
		return fn.FromPair(resp, err)
	})

	resp, err := result.Unwrap()
	e.metrics.ObserveStage("arbitrate", start, string(domain.KindOf(err)))
	if err != nil {
		e.logger.Error("fusion: arbitration failed", "err", err)
		return nil, err
	}

	resp.Query = in.Query
	out := Reconcile(*resp)
	return &out, nil
}
