package busrpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/juju/errors"
)

// An Adapter is a handle to one interface of one object on the bus,
// through which Go code makes typed method calls.
//
// An Adapter is a purely local value. Creating one does not check
// that the peer, object or interface exist.
type Adapter struct {
	s           *Session
	destination string
	path        ObjectPath
	iface       string
}

// Adapter returns an Adapter for the given interface of the object at
// path, owned by the peer with the given bus name.
func (s *Session) Adapter(destination string, path ObjectPath, iface string) Adapter {
	return Adapter{
		s:           s,
		destination: destination,
		path:        path,
		iface:       iface,
	}
}

func (a Adapter) String() string {
	return fmt.Sprintf("%s:%s:%s", a.destination, a.path, a.iface)
}

// Invoke calls method, and stores its reply in results.
//
// params is nil for a method that takes no arguments, or a struct
// (or pointer to struct) whose exported fields are the method's
// arguments, in order. Each field is converted with [FromDynamic].
//
// results is nil to discard the reply, a *[]Value to receive the raw
// reply body, a pointer to a struct whose exported fields receive the
// reply values in order, or a pointer to any other type that receives
// the single reply value. Reply values are stored with [Assign].
func (a Adapter) Invoke(ctx context.Context, method string, params, results any) error {
	args, err := paramValues(params)
	if err != nil {
		return errors.Annotatef(err, "calling %s.%s", a.iface, method)
	}
	req := NewCall(a.destination, a.path, a.iface, method, args...)
	resp, err := a.s.Call(ctx, req)
	if err != nil {
		return err
	}
	if err := storeResults(resp.Body, results); err != nil {
		resp.Close()
		return errors.Annotatef(err, "reply from %s.%s", a.iface, method)
	}
	return nil
}

func paramValues(params any) ([]Value, error) {
	if params == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(params)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("params must be a struct, got %s", rv.Type())
	}
	t := rv.Type()
	var ret []Value
	for i := range t.NumField() {
		if !t.Field(i).IsExported() {
			continue
		}
		v, err := fromDynamic(rv.Field(i), 1)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", t.Field(i).Name, err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

var valueSliceType = reflect.TypeFor[[]Value]()

func storeResults(body []Value, results any) error {
	if results == nil {
		return CloseValues(body...)
	}
	rv := reflect.ValueOf(results)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("results must be a non-nil pointer, got %T", results)
	}
	dst := rv.Elem()
	switch {
	case dst.Type() == valueSliceType:
		dst.Set(reflect.ValueOf(body))
		return nil
	case dst.Kind() == reflect.Struct && !dst.Type().Implements(valueType):
		if len(body) == 1 {
			// A lone struct in the reply fills results directly, unless
			// it is the value of results' only field.
			if s, ok := body[0].(Structure); ok {
				tmp := reflect.New(dst.Type()).Elem()
				if err := assignFields(tmp, s); err == nil {
					dst.Set(tmp)
					return nil
				}
			}
		}
		return assignFields(dst, body)
	default:
		if len(body) != 1 {
			return fmt.Errorf("got %d reply values, want 1 for %s", len(body), dst.Type())
		}
		return assign(dst, body[0])
	}
}
