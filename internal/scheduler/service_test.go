package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localsched/internal/env"
	"localsched/internal/project"
	"localsched/internal/runtime"
	"localsched/internal/worker"
)

const serverlessYML = `
provider:
  environment:
    A: "1"
    B: "2"
functions:
  foo:
    handler: handler.run
    environment:
      B: "3"
      C: "4"
    events:
      - schedule: rate(2 hours)
  bar:
    handler: missing.run
    events:
      - schedule: rate(5 minutes)
  aws:
    handler: handler.aws
    events:
      - schedule: cron(0 18 ? * MON-FRI *)
      - schedule: cron(0 12 * * ?)
  broken:
    handler: handler.broken
    events:
      - schedule: rate(5)
custom:
  stageVariables:
    stage: local
  serverless-offline:
    location: build
`

type call struct {
	inv    runtime.Invocation
	ctxEnv map[string]string
	lc     *lambdacontext.LambdaContext
}

type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]map[string]bool
	loaded  []string
	calls   []call
}

func (l *fakeLoader) Load(path string) (runtime.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, path)
	syms, ok := l.modules[path]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return fakeModule{l: l, syms: syms}, nil
}

type fakeModule struct {
	l    *fakeLoader
	syms map[string]bool
}

func (m fakeModule) Lookup(symbol string) (runtime.Function, bool) {
	if !m.syms[symbol] {
		return nil, false
	}
	return fakeFunction{l: m.l}, true
}

type fakeFunction struct{ l *fakeLoader }

func (f fakeFunction) Invoke(ctx context.Context, inv runtime.Invocation) ([]byte, error) {
	vars, _ := env.FromContext(ctx)
	lc, _ := lambdacontext.FromContext(ctx)
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	f.l.calls = append(f.l.calls, call{inv: inv, ctxEnv: vars, lc: lc})
	return nil, nil
}

type harness struct {
	svc    *Service
	pool   *worker.Pool
	loader *fakeLoader
	logs   *bytes.Buffer
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg, err := project.Parse([]byte(serverlessYML))
	require.NoError(t, err)

	loader := &fakeLoader{modules: map[string]map[string]bool{
		filepath.Join("/svc", "build", "handler.js"): {"run": true, "aws": true},
	}}
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	pool := worker.NewPool(nil, 4, 0, zerolog.Nop())
	if opts.ServicePath == "" {
		opts.ServicePath = "/svc"
	}
	svc := NewService(reg, loader, pool, env.NewApplier(false), opts, logger)
	return &harness{svc: svc, pool: pool, loader: loader, logs: logs}
}

func TestRunRegistersValidSchedules(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	got := h.svc.Jobs()
	require.Len(t, got, 4)
	assert.Equal(t, "aws", got[0].FunctionID)
	assert.Equal(t, "0 12 * * ?", got[0].CronExpr)
	assert.True(t, got[0].Valid)
	assert.Equal(t, "aws", got[1].FunctionID)
	assert.Equal(t, "0 18 ? * MON-FRI *", got[1].CronExpr)
	assert.False(t, got[1].Valid)
	assert.NotEmpty(t, got[1].Error)
	assert.Nil(t, got[1].Next)
	assert.Equal(t, "bar", got[2].FunctionID)
	assert.Equal(t, "*/5 * * * *", got[2].CronExpr)
	assert.Equal(t, "foo", got[3].FunctionID)
	assert.Equal(t, "0 */2 * * *", got[3].CronExpr)
	assert.Equal(t, "handler", got[3].Module)
	assert.True(t, got[3].Valid)
	assert.Empty(t, got[3].Error)
	assert.Nil(t, got[3].Prev)

	out := h.logs.String()
	assert.Contains(t, out, "scheduling foo with 0 */2 * * *")
	assert.Contains(t, out, "cron expression rejected")
	assert.Contains(t, out, "Invalid rate syntax 'rate(5)'")
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.svc.Run(ctx))
	require.NoError(t, h.svc.Run(ctx))
	assert.Len(t, h.svc.Jobs(), 4)
	assert.Len(t, h.svc.cron.Entries(), 3)

	h.svc.Reset()
	assert.Empty(t, h.svc.Jobs())
	assert.Empty(t, h.svc.cron.Entries())

	require.NoError(t, h.svc.Run(ctx))
	assert.Len(t, h.svc.cron.Entries(), 3)
}

func TestDispatchInvokesHandler(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	require.NoError(t, h.svc.dispatch("foo", "handler", "0 */2 * * *", "schedule"))
	h.pool.Wait()

	require.Len(t, h.loader.calls, 1)
	c := h.loader.calls[0]
	assert.Equal(t, []string{"/svc/build/handler.js"}, h.loader.loaded)
	assert.Equal(t, "Scheduled Event", c.inv.Event.DetailType)
	assert.Equal(t, map[string]any{"stage": "local"}, c.inv.Event.StageVariables)
	assert.Equal(t, "foo", c.inv.Context.FunctionName)
	assert.Equal(t, "1", c.inv.Env["A"])
	assert.Equal(t, "3", c.inv.Env["B"])
	assert.Equal(t, "4", c.inv.Env["C"])
	assert.Equal(t, c.inv.Env, c.ctxEnv)
	require.NotNil(t, c.lc)
	assert.Equal(t, c.inv.Context.AwsRequestID, c.lc.AwsRequestID)
	assert.Contains(t, h.logs.String(), "running scheduled job: foo")
}

func TestTimerFiringDispatches(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	e, ok := h.svc.entries["foo\x00"+"0 */2 * * *"]
	require.True(t, ok)
	h.svc.cron.Entry(e.id).Job.Run()
	h.pool.Wait()

	require.Len(t, h.loader.calls, 1)
	assert.Equal(t, "foo", h.loader.calls[0].inv.FunctionID)
	assert.Equal(t, "3", h.loader.calls[0].inv.Env["B"])
	out := h.logs.String()
	assert.Contains(t, out, "running scheduled job: foo")
	assert.Contains(t, out, `"trigger":"schedule"`)
}

func TestDispatchUnregisteredFunction(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	err := h.svc.dispatch("gone", "handler", "*/5 * * * *", "schedule")
	assert.ErrorIs(t, err, ErrUnknownFunction)
	out := h.logs.String()
	assert.Contains(t, out, "function gone is no longer registered")
	assert.NotContains(t, out, "unable to find source for gone")
	assert.Empty(t, h.loader.loaded)
}

func TestDispatchFreshPayloadPerFiring(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))
	require.NoError(t, h.svc.dispatch("foo", "handler", "0 */2 * * *", "schedule"))
	require.NoError(t, h.svc.dispatch("foo", "handler", "0 */2 * * *", "schedule"))
	h.pool.Wait()

	require.Len(t, h.loader.calls, 2)
	assert.NotEqual(t, h.loader.calls[0].inv.Event.ID, h.loader.calls[1].inv.Event.ID)
	assert.NotEqual(t, h.loader.calls[0].inv.Context.AwsRequestID, h.loader.calls[1].inv.Context.AwsRequestID)
}

func TestDispatchMissingSource(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	err := h.svc.dispatch("bar", "missing", "*/5 * * * *", "schedule")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	h.pool.Wait()

	assert.Empty(t, h.loader.calls)
	assert.Contains(t, h.logs.String(), "unable to find source for bar")
}

func TestDispatchMissingHandlerSymbol(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	err := h.svc.dispatch("broken", "handler", "", "manual")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.Contains(t, h.logs.String(), "unable to find source for broken")
}

func TestMissingSourceWithProcessLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "build"), 0o755))

	reg, err := project.Parse([]byte(serverlessYML))
	require.NoError(t, err)
	logs := &bytes.Buffer{}
	pool := worker.NewPool(nil, 1, 0, zerolog.Nop())
	svc := NewService(reg, runtime.Process{}, pool, env.NewApplier(false), Options{ServicePath: dir}, zerolog.New(logs))
	require.NoError(t, svc.Run(context.Background()))

	assert.ErrorIs(t, svc.Invoke("bar"), runtime.ErrNotFound)
	pool.Wait()
	assert.Contains(t, logs.String(), "unable to find source for bar")
}

func TestLocationOverride(t *testing.T) {
	h := newHarness(t, Options{Location: "dist"})
	require.NoError(t, h.svc.Run(context.Background()))

	err := h.svc.dispatch("foo", "handler", "", "manual")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.Equal(t, []string{"/svc/dist/handler.js"}, h.loader.loaded)
}

func TestInvoke(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.svc.Invoke("nope"), ErrUnknownFunction)

	require.NoError(t, h.svc.Run(context.Background()))
	require.NoError(t, h.svc.Invoke("foo"))
	h.pool.Wait()
	require.Len(t, h.loader.calls, 1)
}

func TestReload(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.svc.Run(context.Background()))

	next, err := project.Parse([]byte(`
functions:
  solo:
    handler: handler.run
    events:
      - schedule: rate(1 day)
`))
	require.NoError(t, err)
	require.NoError(t, h.svc.Reload(context.Background(), next))

	got := h.svc.Jobs()
	require.Len(t, got, 1)
	assert.Equal(t, "solo", got[0].FunctionID)
	assert.Equal(t, "0 0 */1 * *", got[0].CronExpr)
	assert.Len(t, h.svc.cron.Entries(), 1)
}

func TestInvalidTimezoneFallsBack(t *testing.T) {
	h := newHarness(t, Options{Timezone: "Mars/Olympus"})
	assert.Contains(t, h.logs.String(), "invalid timezone")
}
