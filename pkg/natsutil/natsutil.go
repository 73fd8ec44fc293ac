// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation.
package natsutil

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publish serializes v as JSON and publishes it to subject with the given
// extra headers. Trace context from ctx is injected into the headers.
func Publish[T any](ctx context.Context, pub Publisher, subject string, v T, header nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return PublishRaw(ctx, pub, subject, data, header)
}

// PublishRaw publishes already encoded data, for re-delivery of a message
// that must not be re-encoded.
func PublishRaw(ctx context.Context, pub Publisher, subject string, data []byte, header nats.Header) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, vs := range header {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return pub.PublishMsg(msg)
}

// Decode extracts the trace context from msg and unmarshals its JSON body.
func Decode[T any](msg *nats.Msg) (context.Context, T, error) {
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	var v T
	err := json.Unmarshal(msg.Data, &v)
	return ctx, v, err
}

// Subscribe registers a handler that receives each message decoded as T
// along with the raw message. Messages that fail to decode go to onError
// when it is set and are dropped otherwise.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg, T), onError func(*nats.Msg, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, v, err := Decode[T](msg)
		if err != nil {
			if onError != nil {
				onError(msg, err)
			}
			return
		}
		handler(ctx, msg, v)
	})
}
