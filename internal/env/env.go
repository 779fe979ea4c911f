package env

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
)

// Merge layers maps left to right; later layers win. Nil layers are skipped.
func Merge(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

// Parse turns KEY=VALUE pairs (os.Environ form) into a map.
func Parse(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// Pairs is the inverse of Parse, sorted by key.
func Pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Applier resolves the environment a single invocation runs with.
type Applier struct {
	// ProcessWide also writes provider and function keys into the process
	// environment, for handlers that read os.Getenv directly.
	ProcessWide bool

	mu      sync.Mutex
	environ func() []string
	setenv  func(key, value string) error
}

func NewApplier(processWide bool) *Applier {
	return &Applier{ProcessWide: processWide, environ: os.Environ, setenv: os.Setenv}
}

// Apply returns process env overlaid with provider then function variables.
// Keys are never removed.
func (a *Applier) Apply(provider, function map[string]string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	overlay := Merge(provider, function)
	if a.ProcessWide {
		for k, v := range overlay {
			if err := a.setenv(k, v); err != nil {
				return nil, err
			}
		}
	}
	return Merge(Parse(a.environ()), overlay), nil
}

type ctxKey struct{}

func NewContext(ctx context.Context, vars map[string]string) context.Context {
	return context.WithValue(ctx, ctxKey{}, vars)
}

func FromContext(ctx context.Context) (map[string]string, bool) {
	vars, ok := ctx.Value(ctxKey{}).(map[string]string)
	return vars, ok
}
