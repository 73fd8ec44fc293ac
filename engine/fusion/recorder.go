package fusion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/natsutil"
)

// CreatedSubject is the NATS subject announcing a stored recommendation.
const CreatedSubject = "recommendations.created"

// Appender stores a recommendation record and returns its id.
type Appender interface {
	Append(ctx context.Context, rec domain.RecommendationRecord) (string, error)
}

// CreatedEvent is published after a record has been stored.
type CreatedEvent struct {
	RecordID  string `json:"record_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
	Items     int    `json:"items"`
}

// Recorder writes recommendation records off the request path. Writes
// outlive the request that submitted them; Drain waits for them.
type Recorder struct {
	store   Appender
	pub     natsutil.Publisher
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewRecorder creates a Recorder. pub may be nil, in which case no events
// are published.
func NewRecorder(store Appender, pub natsutil.Publisher, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Recorder{store: store, pub: pub, timeout: timeout, logger: logger, metrics: m}
}

// Submit starts writing rec in the background and returns immediately.
// It reports false when the recorder is draining and rec was dropped.
func (r *Recorder) Submit(ctx context.Context, rec domain.RecommendationRecord) bool {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		r.logger.Warn("recorder: draining, record dropped", "query", rec.Query)
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		r.write(ctx, rec)
	}()
	return true
}

func (r *Recorder) write(ctx context.Context, rec domain.RecommendationRecord) {
	id, err := r.store.Append(ctx, rec)
	if err != nil {
		r.metrics.PersistFailed()
		r.logger.Error("recorder: append failed", "err", err, "kind", domain.KindPersistence, "query", rec.Query)
		return
	}
	r.logger.Debug("recorder: stored", "record_id", id)

	if r.pub == nil {
		return
	}
	ev := CreatedEvent{
		RecordID:  id,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Query:     rec.Query,
		Items:     rec.Total(),
	}
	if err := natsutil.Publish(ctx, r.pub, CreatedSubject, ev, nil); err != nil {
		r.logger.Warn("recorder: publish event failed", "err", err, "record_id", id)
	}
}

// Drain stops accepting submissions and waits for in-flight writes or
// for ctx to end.
func (r *Recorder) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
