package busrpc

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/danderson/busrpc/busclient"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
)

// A Session is a connection to a bus, over which it makes method
// calls.
//
// A Session owns its Client. A background worker processes the
// Client's incoming messages and completes calls as replies arrive.
type Session struct {
	cfg     Config
	client  Client
	decoder Decoder
	pump    worker.Worker

	// connMu serializes all use of client.
	connMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	err     error
	pending mapset.Set[*Future]
}

// Open connects to the bus that cfg selects.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	addr, err := cfg.BusAddress()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return OpenAddress(ctx, addr, cfg)
}

// OpenAddress connects to the bus at addr, a DBus server address,
// ignoring cfg's Scope and Address.
func OpenAddress(ctx context.Context, addr string, cfg Config) (*Session, error) {
	cfg.Address = addr
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c, err := busclient.Dial(ctx, addr, cfg.Description)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", cfg.Description)
	}
	return NewSession(c, cfg)
}

// NewSession returns a Session that makes calls over client. The
// Session takes ownership of client.
func NewSession(client Client, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:    cfg,
		client: client,
		decoder: Decoder{
			MaxDepth: cfg.MaxDepth,
			Metrics:  cfg.Metrics,
		},
		pending: mapset.New[*Future](),
	}
	s.pump = newPump(s)
	logger.Debugf("%s: session started", cfg.Description)
	return s, nil
}

// Go starts the method call req, and returns a Future for its reply.
//
// Go fails without sending anything if req cannot be encoded, or if
// the Session is closed or broken.
func (s *Session) Go(ctx context.Context, req *Message) (*Future, error) {
	call, err := req.wireCall(ctx)
	if err != nil {
		return nil, err
	}

	f := newFuture(s, req.Member)
	s.mu.Lock()
	if err := s.errLocked(); err != nil {
		s.mu.Unlock()
		call.Close()
		return nil, err
	}
	s.pending.Add(f)
	s.gaugeLocked()
	s.mu.Unlock()
	s.cfg.Metrics.IncrCounterWithLabels(MetricCallStartedCount, 1, f.labels())

	s.connMu.Lock()
	slot, err := s.client.CallAsync(call, f.complete)
	if err == nil {
		f.slot = slot
	}
	s.connMu.Unlock()
	if err != nil {
		s.mu.Lock()
		if s.closed {
			// Close won the race and shut the client down under us.
			err = ErrDisconnected
		} else {
			err = TransportError{Op: "submit " + req.Member, Err: err}
		}
		s.mu.Unlock()
		f.finish(nil, err)
		return nil, err
	}
	return f, nil
}

// Call makes the method call req, and waits for its reply.
func (s *Session) Call(ctx context.Context, req *Message) (*Message, error) {
	f, err := s.Go(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Close shuts down the Session. Calls still in flight fail with
// ErrDisconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pump.Kill()
	if err := s.pump.Wait(); err != nil {
		logger.Debugf("%s: pump had stopped: %v", s.cfg.Description, err)
	}

	s.mu.Lock()
	pend := s.pending
	s.pending = mapset.New[*Future]()
	s.mu.Unlock()
	for f := range pend {
		f.finish(nil, ErrDisconnected)
	}

	s.connMu.Lock()
	err := s.client.Close()
	s.connMu.Unlock()
	logger.Infof("%s: session closed", s.cfg.Description)
	return errors.Trace(err)
}

// fail marks the Session as broken by err, and fails all calls in
// flight. It is called by the pump when the Client fails.
func (s *Session) fail(err error) {
	terr := TransportError{Op: "process", Err: err}
	s.mu.Lock()
	if s.err == nil {
		s.err = terr
	}
	pend := s.pending
	s.pending = mapset.New[*Future]()
	s.mu.Unlock()
	for f := range pend {
		f.finish(nil, terr)
	}
}

// Err returns ErrDisconnected if the Session has been closed, the
// error that broke it if the Client failed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errLocked()
}

func (s *Session) errLocked() error {
	if s.closed {
		return ErrDisconnected
	}
	return s.err
}

// forget removes a completed call from the set of calls in flight.
func (s *Session) forget(f *Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Remove(f)
	s.gaugeLocked()
}

func (s *Session) gaugeLocked() {
	s.cfg.Metrics.SetGaugeWithLabels(MetricCallInFlight, float32(len(s.pending)), []metrics.Label{LabelSession.M(s.cfg.Description)})
}

// Pending returns the number of calls in flight.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
