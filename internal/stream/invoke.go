package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/shared"
)

// Emitter reports progress for one running invocation.
type Emitter struct {
	invocationID string
	operation    string
	sink         Sink
	cancel       context.CancelFunc
	now          func() time.Time

	mu       sync.Mutex
	seq      int
	progress int
	sinkErr  error
	closed   bool
}

// InvocationID is the id stamped on every event.
func (e *Emitter) InvocationID() string { return e.invocationID }

// Progress emits a progress event with the next index.
func (e *Emitter) Progress(ctx context.Context, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.progress++
	return e.sendLocked(ctx, Event{Kind: KindProgress, Index: e.progress, Message: message})
}

func (e *Emitter) sendLocked(ctx context.Context, ev Event) error {
	if e.sinkErr != nil {
		return e.sinkErr
	}
	e.seq++
	ev.InvocationID = e.invocationID
	ev.Operation = e.operation
	ev.Seq = e.seq
	ev.Time = e.now()
	if err := e.sink.Send(ctx, ev); err != nil {
		e.sinkErr = fmt.Errorf("%w: %v", ErrSinkClosed, err)
		e.cancel()
		return e.sinkErr
	}
	return nil
}

func (e *Emitter) finish(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.sendLocked(ctx, ev)
	e.closed = true
	return err
}

type emitterKey struct{}

// Report emits a progress event through the emitter carried by ctx. Without
// one it does nothing.
func Report(ctx context.Context, format string, args ...any) {
	if e, ok := ctx.Value(emitterKey{}).(*Emitter); ok {
		_ = e.Progress(ctx, fmt.Sprintf(format, args...))
	}
}

// Func is the body of an invocation.
type Func func(ctx context.Context, em *Emitter) (any, error)

// Invoke runs fn as a streaming invocation of operation, sending start,
// progress and terminal events to sink in order. If the sink fails, the
// context passed to fn is cancelled; writes fn already committed stay
// committed. A panic in fn becomes an internal error event.
func Invoke(ctx context.Context, sink Sink, operation string, fn Func) (result any, err error) {
	if sink == nil {
		sink = Discard
	}
	id := shared.InvocationID(ctx)
	if id == "" {
		id = shared.NewInvocationID()
		ctx = shared.WithInvocationID(ctx, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	em := &Emitter{
		invocationID: id,
		operation:    operation,
		sink:         sink,
		cancel:       cancel,
		now:          func() time.Time { return time.Now().UTC() },
	}
	ctx = context.WithValue(ctx, emitterKey{}, em)

	em.mu.Lock()
	startErr := em.sendLocked(ctx, Event{Kind: KindStart})
	em.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}

	result, err = runProtected(ctx, em, fn)

	var terminal Event
	if err != nil {
		terminal = Event{Kind: KindError, Error: ErrorInfoFor(err)}
	} else {
		terminal = Event{Kind: KindResult, Result: result}
	}
	// The terminal event goes out even if fn's context was cancelled, unless
	// the sink itself is what failed.
	if sendErr := em.finish(context.WithoutCancel(ctx), terminal); sendErr != nil && err == nil {
		return result, sendErr
	}
	return result, err
}

func runProtected(ctx context.Context, em *Emitter, fn Func) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic in invocation: %v", r)
		}
	}()
	return fn(ctx, em)
}
