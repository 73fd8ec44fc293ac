package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/natsutil"
)

const (
	// FoodSubject carries domain.FoodInput messages from the food service.
	FoodSubject = "catalog.food.upsert"
	// RestaurantSubject carries domain.RestaurantInput messages.
	RestaurantSubject = "catalog.restaurant.upsert"
	// DLQSubject receives messages that could not be indexed.
	DLQSubject = "catalog.ingest.dlq"
	// MaxRetries before a message is sent to the DLQ.
	MaxRetries = 3
	// RetryHeader counts delivery attempts on re-published messages.
	RetryHeader = "X-Retry-Count"
	// RetryBackoff is the delay before the first re-publish; it doubles on
	// each further retry.
	RetryBackoff = 250 * time.Millisecond
)

// dlqMessage is published to the DLQ on permanent or repeated failure.
type dlqMessage struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consumer feeds catalog messages through a Service.
type Consumer struct {
	svc     *Service
	pub     natsutil.Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a consumer that re-publishes failures through pub.
func NewConsumer(svc *Service, pub natsutil.Publisher, log *slog.Logger, m *metrics.Metrics) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{svc: svc, pub: pub, log: log, metrics: m, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff is the wait before re-publishing the given retry.
func backoff(retry int) time.Duration {
	return RetryBackoff << (retry - 1)
}

// Start subscribes to both catalog subjects.
func (c *Consumer) Start(nc *nats.Conn) ([]*nats.Subscription, error) {
	food, err := natsutil.Subscribe(nc, FoodSubject, c.onFood, c.malformed)
	if err != nil {
		return nil, err
	}
	restaurant, err := natsutil.Subscribe(nc, RestaurantSubject, c.onRestaurant, c.malformed)
	if err != nil {
		_ = food.Unsubscribe()
		return nil, err
	}
	return []*nats.Subscription{food, restaurant}, nil
}

// HandleFood processes one food message. Exposed for tests that have no
// NATS server.
func (c *Consumer) HandleFood(msg *nats.Msg) {
	ctx, in, err := natsutil.Decode[domain.FoodInput](msg)
	if err != nil {
		c.malformed(msg, err)
		return
	}
	c.onFood(ctx, msg, in)
}

// HandleRestaurant processes one restaurant message.
func (c *Consumer) HandleRestaurant(msg *nats.Msg) {
	ctx, in, err := natsutil.Decode[domain.RestaurantInput](msg)
	if err != nil {
		c.malformed(msg, err)
		return
	}
	c.onRestaurant(ctx, msg, in)
}

func (c *Consumer) onFood(ctx context.Context, msg *nats.Msg, in domain.FoodInput) {
	_, err := c.svc.AddFood(ctx, in)
	c.settle(ctx, msg, err)
}

func (c *Consumer) onRestaurant(ctx context.Context, msg *nats.Msg, in domain.RestaurantInput) {
	_, err := c.svc.AddRestaurant(ctx, in)
	c.settle(ctx, msg, err)
}

func (c *Consumer) malformed(msg *nats.Msg, err error) {
	c.log.Error("ingest: unmarshal failed", "err", err, "subject", msg.Subject)
	c.deadLetter(context.Background(), msg, err, retryCount(msg))
	c.ack(msg)
}

// settle acks msg after success, re-publishes it after a transient
// failure, and dead-letters it after a validation failure or the last retry.
func (c *Consumer) settle(ctx context.Context, msg *nats.Msg, err error) {
	defer c.ack(msg)
	if err == nil {
		c.metrics.Ingested(msg.Subject, "ok")
		return
	}

	retries := retryCount(msg) + 1
	c.log.Error("ingest: pipeline failed", "err", err, "kind", domain.KindOf(err), "subject", msg.Subject, "retry", retries)

	if domain.IsKind(err, domain.KindValidation) || retries >= MaxRetries {
		c.deadLetter(ctx, msg, err, retries)
		return
	}

	// A cancelled wait still re-publishes; core NATS has no redelivery.
	if serr := c.sleep(ctx, backoff(retries)); serr != nil {
		c.log.Warn("ingest: retry backoff interrupted", "err", serr)
	}
	h := nats.Header{}
	h.Set(RetryHeader, strconv.Itoa(retries))
	if perr := natsutil.PublishRaw(ctx, c.pub, msg.Subject, msg.Data, h); perr != nil {
		c.log.Error("ingest: retry publish failed", "err", perr)
	}
	c.metrics.Ingested(msg.Subject, "retry")
}

func (c *Consumer) deadLetter(ctx context.Context, msg *nats.Msg, err error, retries int) {
	c.metrics.Ingested(msg.Subject, "dlq")
	dlq := dlqMessage{Subject: msg.Subject, Data: string(msg.Data), Error: err.Error(), Retries: retries}
	if perr := natsutil.Publish(ctx, c.pub, DLQSubject, dlq, nil); perr != nil {
		c.log.Error("ingest: DLQ publish failed", "err", perr)
	}
}

// ack acknowledges JetStream deliveries; core NATS messages have no reply.
func (c *Consumer) ack(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, _ := strconv.Atoi(msg.Header.Get(RetryHeader))
	return n
}
