package rpc

import (
	"context"
	"strings"
)

// Callable is the object an endpoint exposes to its peer. Values are
// HandlerFunc, *Function or any other Caller, or a nested Callable (or
// map[string]any) for dotted paths. Paths are resolved when each call
// arrives, so a Callable may be replaced at any time.
//
//	ep.Callable(rpc.Callable{
//	    "render": rpc.HandlerFunc(render),
//	    "tree": rpc.Callable{
//	        "reset": rpc.HandlerFunc(reset),
//	    },
//	})
type Callable map[string]any

// Lookup resolves a path of property names.
func (c Callable) Lookup(path []string) (Caller, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur any = c
	for _, name := range path {
		var ok bool
		switch m := cur.(type) {
		case Callable:
			cur, ok = m[name]
		case map[string]any:
			cur, ok = m[name]
		}
		if !ok {
			return nil, false
		}
	}
	return asCaller(cur)
}

func asCaller(v any) (Caller, bool) {
	switch fn := v.(type) {
	case func(context.Context, ...any) (any, error):
		return HandlerFunc(fn), true
	case Caller:
		return fn, fn != nil
	}
	return nil, false
}

// SplitPath splits a dotted path into property names.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func pathLabel(path []string) string {
	if len(path) > 0 && path[0] == functionPath {
		return functionPath
	}
	return strings.Join(path, ".")
}
