package runtime

import (
	"context"
	"errors"

	"localsched/internal/payload"
)

// ErrNotFound reports that a module file or its exported handler does not exist.
var ErrNotFound = errors.New("function source not found")

type Invocation struct {
	FunctionID string
	Event      payload.Event
	Context    payload.Context
	Env        map[string]string
}

type Function interface {
	Invoke(ctx context.Context, inv Invocation) ([]byte, error)
}

type Module interface {
	Lookup(symbol string) (Function, bool)
}

// Loader resolves an absolute module path to its exported symbols.
type Loader interface {
	Load(path string) (Module, error)
}
