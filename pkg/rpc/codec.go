package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vango-dev/remote/pkg/protocol"
)

const functionPath = protocol.FunctionPath

// encoder turns Go values into wire values, exporting every function it
// meets. Exports are only counted once the whole value encodes; a failed
// encoding rolls them back.
type encoder struct {
	mem      *memory
	visiting map[uintptr]bool
	exported []*export
}

func (m *memory) newEncoder() *encoder {
	return &encoder{mem: m}
}

// encode walks v depth first.
func (enc *encoder) encode(v any, depth int) (any, error) {
	if depth > protocol.MaxValueDepth {
		return nil, protocol.ErrMaxDepthExceeded
	}

	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil

	case *Function:
		if v == nil {
			return nil, nil
		}
		return enc.export(v, v.fn, nil)
	case *RemoteFunc:
		if v == nil {
			return nil, nil
		}
		if v.Released() {
			return nil, ErrReleasedFunction
		}
		return enc.export(v, v.Call, v)
	case HandlerFunc:
		if v == nil {
			return nil, nil
		}
		return enc.export(nil, v, nil)
	case func(context.Context, ...any) (any, error):
		if v == nil {
			return nil, nil
		}
		return enc.export(nil, v, nil)

	case []any:
		if err := enc.enter(v); err != nil {
			return nil, err
		}
		defer enc.leave(v)
		out := make([]any, len(v))
		for i, item := range v {
			w, err := enc.encode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case map[string]any:
		if err := enc.enter(v); err != nil {
			return nil, err
		}
		defer enc.leave(v)
		return enc.encodeMap(v, depth)
	case Callable:
		if err := enc.enter(v); err != nil {
			return nil, err
		}
		defer enc.leave(v)
		return enc.encodeMap(v, depth)
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil

	case protocol.Valuer:
		return enc.encode(v.ToValue(), depth+1)
	case Caller:
		key := any(nil)
		if reflect.ValueOf(v).Kind() == reflect.Pointer {
			key = v
		}
		return enc.export(key, v.Call, nil)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func (enc *encoder) encodeMap(m map[string]any, depth int) (any, error) {
	out := make(map[string]any, len(m))
	for k, item := range m {
		w, err := enc.encode(item, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = w
	}
	return out, nil
}

func (enc *encoder) export(key any, fn HandlerFunc, standIn *RemoteFunc) (any, error) {
	e := enc.mem.retain(key, fn, standIn)
	enc.exported = append(enc.exported, e)
	return protocol.FunctionRef{ID: e.id}, nil
}

// enter marks a map or slice as being encoded and fails if it already is.
func (enc *encoder) enter(v any) error {
	p := reflect.ValueOf(v).Pointer()
	if p == 0 {
		return nil
	}
	if enc.visiting == nil {
		enc.visiting = make(map[uintptr]bool)
	}
	if enc.visiting[p] {
		return ErrCyclicValue
	}
	enc.visiting[p] = true
	return nil
}

func (enc *encoder) leave(v any) {
	delete(enc.visiting, reflect.ValueOf(v).Pointer())
}

// rollback undoes the exports of a value that was never sent.
func (enc *encoder) rollback() {
	enc.mem.unretain(enc.exported)
	enc.exported = nil
}

// encodeValues encodes a list of values. On error nothing stays exported.
func (m *memory) encodeValues(values []any) ([]any, *encoder, error) {
	enc := m.newEncoder()
	out := make([]any, len(values))
	for i, v := range values {
		w, err := enc.encode(v, 1)
		if err != nil {
			enc.rollback()
			return nil, nil, err
		}
		out[i] = w
	}
	return out, enc, nil
}

// encodeValue encodes a single value. On error nothing stays exported.
func (m *memory) encodeValue(v any) (any, *encoder, error) {
	enc := m.newEncoder()
	w, err := enc.encode(v, 0)
	if err != nil {
		enc.rollback()
		return nil, nil, err
	}
	return w, enc, nil
}

// decode replaces function markers in a received value with stand-ins.
// Containers are rewritten in place; the message owns them.
func (m *memory) decode(v any) any {
	switch v := v.(type) {
	case protocol.FunctionRef:
		return m.importFunc(v.ID)
	case []any:
		for i, item := range v {
			v[i] = m.decode(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = m.decode(item)
		}
		return v
	}
	return v
}
