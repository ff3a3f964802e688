package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// An Address is one entry of a DBus server address.
type Address struct {
	// Transport is the transport name, for example "unix".
	Transport string
	// Params are the transport's key/value parameters.
	Params map[string]string
}

func (a Address) String() string {
	var parts []string
	for k, v := range a.Params {
		parts = append(parts, k+"="+v)
	}
	return a.Transport + ":" + strings.Join(parts, ",")
}

// ParseAddress parses a DBus server address, as found in
// DBUS_SESSION_BUS_ADDRESS. An address may list several
// semicolon-separated alternatives, which are returned in order.
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		name, params, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid bus address %q: missing transport name", entry)
		}
		addr := Address{
			Transport: name,
			Params:    map[string]string{},
		}
		for _, kv := range strings.Split(params, ",") {
			if kv == "" {
				continue
			}
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("invalid bus address %q: parameter %q has no value", entry, kv)
			}
			v, err := url.PathUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("invalid bus address %q: %w", entry, err)
			}
			addr.Params[k] = v
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, errors.New("empty bus address")
	}
	return ret, nil
}

// Dial connects to the first reachable server listed in the DBus
// server address addr.
func Dial(ctx context.Context, addr string) (Transport, error) {
	addrs, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range addrs {
		t, err := dialOne(ctx, a)
		if err == nil {
			return t, nil
		}
		logger.Debugf("cannot connect to %s: %v", a, err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("connecting to bus %q: %w", addr, errors.Join(errs...))
}

func dialOne(ctx context.Context, a Address) (Transport, error) {
	if a.Transport != "unix" {
		return nil, fmt.Errorf("unsupported bus transport %q", a.Transport)
	}
	if p, ok := a.Params["path"]; ok {
		return DialUnix(ctx, p)
	}
	if p, ok := a.Params["abstract"]; ok {
		// The Go runtime maps a leading @ to the abstract namespace.
		return DialUnix(ctx, "@"+p)
	}
	return nil, fmt.Errorf("unix bus address %s has neither path nor abstract parameter", a)
}
