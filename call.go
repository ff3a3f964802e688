package busrpc

import (
	"context"
	"sync"
	"time"

	"github.com/danderson/busrpc/wire"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/errors"
)

// A Future is a method call in flight.
type Future struct {
	s       *Session
	member  string
	started time.Time

	// slot is the call's registration with the Client. Guarded by
	// s.connMu.
	slot wire.Slot

	once  sync.Once
	done  chan struct{}
	reply *Message
	err   error
}

func newFuture(s *Session, member string) *Future {
	return &Future{
		s:       s,
		member:  member,
		started: s.cfg.Clock.Now(),
		done:    make(chan struct{}),
	}
}

// Done returns a channel that is closed when the call completes,
// fails or is cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait waits for the call to complete, and returns its reply.
//
// If ctx is done first, the call is cancelled, and Wait returns the
// context's error.
func (f *Future) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		f.abandon(ctx.Err())
	}
	return f.reply, f.err
}

// Cancel abandons the call. A reply that arrives after Cancel is
// discarded. Cancel has no effect on a completed call.
func (f *Future) Cancel() {
	f.abandon(context.Canceled)
}

func (f *Future) abandon(err error) {
	f.s.connMu.Lock()
	if f.slot != nil {
		f.slot.Close()
		f.slot = nil
	}
	f.s.connMu.Unlock()
	f.finish(nil, err)
}

// complete is the call's wire.ReplyFunc. It runs on the pump
// goroutine, with s.connMu held.
func (f *Future) complete(reply *wire.Message, err error) {
	f.slot = nil
	if err != nil {
		f.finish(nil, TransportError{Op: "call " + f.member, Err: err})
		return
	}
	defer reply.Close()

	if reply.Type == wire.TypeError {
		f.finish(nil, RemoteError{
			Name:    reply.ErrorName,
			Message: reply.ErrorText(),
		})
		return
	}
	m, err := messageFromWire(reply, &f.s.decoder)
	if err != nil {
		f.finish(nil, err)
		return
	}
	f.finish(m, nil)
}

// finish fulfills the future. Only the first call has any effect, a
// reply passed to later calls is closed.
func (f *Future) finish(reply *Message, err error) {
	fulfilled := false
	f.once.Do(func() {
		fulfilled = true
		f.reply, f.err = reply, err
		f.s.forget(f)
		f.record()
		close(f.done)
	})
	if !fulfilled && reply != nil {
		reply.Close()
	}
}

func (f *Future) labels() []metrics.Label {
	return []metrics.Label{LabelMember.M(f.member), LabelSession.M(f.s.cfg.Description)}
}

func (f *Future) record() {
	sink := f.s.cfg.Metrics
	labels := f.labels()
	elapsed := f.s.cfg.Clock.Now().Sub(f.started)
	sink.AddSampleWithLabels(MetricCallDuration, float32(elapsed.Seconds()*1000), labels)
	if f.err == nil {
		return
	}
	kind := "transport"
	switch {
	case errors.As(f.err, new(RemoteError)):
		kind = "remote"
	case errors.As(f.err, new(DecodeError)):
		kind = "decode"
	case errors.Is(f.err, context.Canceled), errors.Is(f.err, context.DeadlineExceeded):
		kind = "cancelled"
	case errors.Is(f.err, ErrDisconnected):
		kind = "disconnected"
	}
	sink.IncrCounterWithLabels(MetricCallFailedCount, 1, append(labels, LabelError.M(kind)))
}
