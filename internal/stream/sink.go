package stream

import (
	"context"
	"errors"

	"github.com/basket/taskrelay/internal/bus"
)

// Sink receives the events of one invocation in order. A non-nil error means
// the consumer is gone and the invocation should stop.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// ChannelSink forwards events to a channel for in-process consumers. Send
// blocks until the event is taken or ctx ends.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (c *ChannelSink) Events() <-chan Event { return c.ch }

func (c *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case c.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the channel. Call it after the invocation returns.
func (c *ChannelSink) Close() { close(c.ch) }

// Tee sends every event to each sink in order and fails on the first error.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// BusSink mirrors events onto the bus under TopicStreamEvent. It never fails.
func BusSink(b *bus.Bus) Sink {
	return SinkFunc(func(_ context.Context, ev Event) error {
		b.Publish(bus.TopicStreamEvent, ev)
		return nil
	})
}
