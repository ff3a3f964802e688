package busrpc

import (
	"fmt"
	"os"
	"time"

	"github.com/danderson/busrpc/transport"
	"github.com/danderson/busrpc/wire"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// A Client is a bus connection that processes messages on demand.
//
// Client methods may be called from any goroutine, but calls are not
// required to be safe for concurrent use. Session serializes all
// access to its Client.
type Client interface {
	// CallAsync sends a method call, and arranges for fn to be called
	// from within Process when the reply arrives. CallAsync takes
	// ownership of call.
	CallAsync(call *wire.Message, fn wire.ReplyFunc) (wire.Slot, error)
	// Process handles at most one pending unit of work without
	// blocking, and reports whether it made progress. An error means
	// the Client is no longer usable.
	Process() (progress bool, err error)
	// Ready returns a channel that receives a value when Process may
	// have work to do. Spurious wakeups are permitted.
	Ready() <-chan struct{}
	// Close closes the connection.
	Close() error
}

// Scope selects which well-known bus to connect to.
type Scope int

const (
	// ScopeSystem is the system-wide bus.
	ScopeSystem Scope = iota
	// ScopeUser is the current user's session bus.
	ScopeUser
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeUser:
		return "user"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

const (
	// DefaultPollInterval is the default interval at which a Session
	// polls its Client when no readiness notification arrives.
	DefaultPollInterval = 25 * time.Millisecond

	defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"
)

// Config configures a Session.
type Config struct {
	// Scope is the bus to connect to, if Address is empty.
	Scope Scope
	// Description names the session in log messages.
	Description string
	// Address is an explicit DBus server address. If set, it
	// overrides Scope.
	Address string
	// PollInterval is how often the Session checks its Client for
	// work, in addition to the Client's readiness notifications. If
	// zero, DefaultPollInterval is used.
	PollInterval time.Duration
	// MaxDepth limits container nesting in decoded replies. If zero,
	// DefaultMaxDepth is used.
	MaxDepth int
	// Clock is the clock used for polling. If nil, the wall clock is
	// used.
	Clock clock.Clock
	// Metrics receives session metrics. If nil, the global
	// go-metrics sink is used.
	Metrics metrics.MetricSink
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Scope != ScopeSystem && c.Scope != ScopeUser {
		return errors.NotValidf("bus scope %d", int(c.Scope))
	}
	if c.PollInterval < 0 {
		return errors.NotValidf("negative poll interval %s", c.PollInterval)
	}
	if c.MaxDepth < 0 {
		return errors.NotValidf("negative max depth %d", c.MaxDepth)
	}
	if c.Address != "" {
		if _, err := transport.ParseAddress(c.Address); err != nil {
			return errors.NewNotValid(err, "bus address")
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Description == "" {
		c.Description = c.Scope.String() + " bus"
	}
	return c
}

// BusAddress returns the DBus server address of the bus that c
// connects to.
func (c Config) BusAddress() (string, error) {
	if c.Address != "" {
		return c.Address, nil
	}
	switch c.Scope {
	case ScopeUser:
		addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
		if addr == "" {
			return "", errors.NotFoundf("session bus address (DBUS_SESSION_BUS_ADDRESS unset)")
		}
		return addr, nil
	case ScopeSystem:
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		return defaultSystemBusAddress, nil
	default:
		return "", errors.NotValidf("bus scope %d", int(c.Scope))
	}
}
