package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/busrpc"
	"github.com/danderson/busrpc/freedesktop/systemd"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Description   string        `flag:"description,default=busrpc,Connection name for log messages"`
	Timeout       time.Duration `flag:"timeout,Timeout for each bus call (default 10s)"`
}

func busSession(ctx context.Context) (*busrpc.Session, error) {
	cfg := busrpc.Config{
		Scope:       busrpc.ScopeSystem,
		Description: globalArgs.Description,
	}
	if globalArgs.UseSessionBus {
		cfg.Scope = busrpc.ScopeUser
	}
	return busrpc.Open(ctx, cfg)
}

func callContext(env *command.Env) (context.Context, context.CancelFunc) {
	timeout := globalArgs.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(env.Context(), timeout)
}

func main() {
	root := &command.C{
		Name:     "busrpc",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "call peer object interface method [type:value...]",
				Help: `Call a method and print its reply.

Arguments are given as type:value, where type is a DBus basic type
code:
  y byte     b bool     n int16    q uint16
  i int32    u uint32   x int64    t uint64
  d double   s string   o object path   g signature

An argument without a type prefix is a string.

Reply values whose type has no dynamic representation, such as
variants, are omitted from the output.`,
				Run: runCall,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "units",
				Usage: "units [pattern]",
				Help:  "List units loaded by the systemd service manager, optionally filtered by a regular expression.",
				Run:   runUnits,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a peer, object, interface and method")
	}
	peer, obj, iface, method := env.Args[0], busrpc.ObjectPath(env.Args[1]), env.Args[2], env.Args[3]
	var args []busrpc.Value
	for _, a := range env.Args[4:] {
		v, err := parseArg(a)
		if err != nil {
			return fmt.Errorf("parsing argument %q: %w", a, err)
		}
		args = append(args, v)
	}

	s, err := busSession(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer s.Close()

	ctx, cancel := callContext(env)
	defer cancel()
	resp, err := s.Call(ctx, busrpc.NewCall(peer, obj, iface, method, args...))
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	defer resp.Close()
	for _, v := range resp.Body {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	s, err := busSession(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer s.Close()

	ctx, cancel := callContext(env)
	defer cancel()
	start := time.Now()
	if err := s.Adapter(peer, "/", "org.freedesktop.DBus.Peer").Invoke(ctx, "Ping", nil, nil); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s: pong in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runUnits(env *command.Env) error {
	args := growTo(env.Args, 1)
	f, err := regexp.Compile(args[0])
	if err != nil {
		return err
	}

	s, err := busSession(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer s.Close()

	ctx, cancel := callContext(env)
	defer cancel()
	units, err := systemd.New(s).ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("listing units: %w", err)
	}
	slices.SortFunc(units, func(a, b systemd.Unit) int {
		return cmp.Compare(a.Name, b.Name)
	})

	var out indenter
	for _, u := range units {
		if !f.MatchString(u.Name) {
			continue
		}
		out.indent(0)
		out.f("%s (%s/%s)", u.Name, u.ActiveState, u.SubState)
		out.indent(1)
		out.v(u.Description)
		if u.JobID != 0 {
			out.f("job %d: %s", u.JobID, u.JobType)
		}
	}
	return nil
}
