package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"localsched/internal/domain"
	"localsched/internal/env"
	"localsched/internal/jobs"
	"localsched/internal/payload"
	"localsched/internal/runtime"
	"localsched/internal/schedule"
	"localsched/internal/worker"
)

var ErrUnknownFunction = errors.New("unknown function")

type Registry interface {
	jobs.Registry
	Function(id string) (domain.Function, bool)
	ProviderEnvironment() map[string]string
	StageVariables() any
	Location() string
}

type Options struct {
	ServicePath string
	// Location overrides the registry's deployment location when set.
	Location  string
	Extension string
	Timezone  string
}

type entry struct {
	id         cron.EntryID
	functionID string
	expr       string
	module     string
	err        error
}

// JobStatus describes one (function, cron expression) pair. Rejected pairs have
// Valid false and no fire times.
type JobStatus struct {
	FunctionID string     `json:"function_id"`
	CronExpr   string     `json:"cron_expr"`
	Module     string     `json:"module"`
	Valid      bool       `json:"valid"`
	Error      string     `json:"error,omitempty"`
	Next       *time.Time `json:"next,omitempty"`
	Prev       *time.Time `json:"prev,omitempty"`
}

// Service registers one recurring timer per (function, cron expression) and
// dispatches each firing to the worker pool. Run is idempotent; Reset tears the
// timers down.
type Service struct {
	mu       sync.Mutex
	reg      Registry
	loader   runtime.Loader
	pool     *worker.Pool
	env      *env.Applier
	opts     Options
	log      zerolog.Logger
	cron     *cron.Cron
	entries  map[string]entry
	rejected map[string]entry
	location string
	base     context.Context
}

func NewService(reg Registry, loader runtime.Loader, pool *worker.Pool, applier *env.Applier, opts Options, logger zerolog.Logger) *Service {
	if opts.Extension == "" {
		opts.Extension = ".js"
	}
	s := &Service{
		reg:      reg,
		loader:   loader,
		pool:     pool,
		env:      applier,
		opts:     opts,
		log:      logger,
		entries:  map[string]entry{},
		rejected: map[string]entry{},
		base:     context.Background(),
	}
	cl := cronLogger{log: logger}
	s.cron = cron.New(
		cron.WithParser(schedule.Parser),
		cron.WithLocation(s.loadLocation()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	return s
}

func (s *Service) Start() {
	s.cron.Start()
	s.log.Info().Str("tz", s.cron.Location().String()).Msg("schedule service started")
}

// Stop halts the timers and waits for running firings to return.
func (s *Service) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run registers every valid schedule from the registry. It returns once the
// timers are registered; firings continue in the background until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.base = ctx
	s.location = s.opts.Location
	if s.location == "" {
		s.location = s.reg.Location()
	}

	added := 0
	for _, spec := range jobs.Extract(s.reg, s.log) {
		for _, expr := range spec.CronExpressions {
			key := spec.FunctionID + "\x00" + expr
			if _, ok := s.entries[key]; ok {
				continue
			}
			if _, ok := s.rejected[key]; ok {
				continue
			}
			functionID, module, cronExpr := spec.FunctionID, spec.ModuleName, expr
			if err := schedule.Validate(cronExpr); err != nil {
				s.log.Warn().Err(err).Str("function", functionID).Str("cron_expr", cronExpr).
					Msg("cron expression rejected, will not schedule")
				s.rejected[key] = entry{functionID: functionID, expr: cronExpr, module: module, err: err}
				continue
			}
			s.log.Info().Str("function", functionID).Str("cron_expr", cronExpr).
				Msgf("scheduling %s with %s", functionID, cronExpr)

			id, err := s.cron.AddFunc(cronExpr, func() {
				_ = s.dispatch(functionID, module, cronExpr, domain.TriggerSchedule)
			})
			if err != nil {
				s.log.Error().Err(err).Str("function", functionID).Str("cron_expr", cronExpr).
					Msg("failed to register timer")
				continue
			}
			s.entries[key] = entry{id: id, functionID: functionID, expr: cronExpr, module: module}
			added++
		}
	}
	s.log.Info().Int("added", added).Int("registered", len(s.entries)).Str("location", s.location).
		Msg("schedule registration finished")
	return nil
}

// Reset removes every registered timer.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Service) resetLocked() {
	for key, e := range s.entries {
		s.cron.Remove(e.id)
		delete(s.entries, key)
	}
	clear(s.rejected)
}

// Reload swaps the registry and re-registers from scratch.
func (s *Service) Reload(ctx context.Context, reg Registry) error {
	s.mu.Lock()
	s.resetLocked()
	s.reg = reg
	s.mu.Unlock()
	return s.Run(ctx)
}

// Invoke fires a function immediately, outside its schedule.
func (s *Service) Invoke(functionID string) error {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()

	fn, ok := reg.Function(functionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	module, _ := jobs.Handler(fn.Handler)
	return s.dispatch(functionID, module, "", domain.TriggerManual)
}

func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries)+len(s.rejected))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, JobStatus{
			FunctionID: e.functionID,
			CronExpr:   e.expr,
			Module:     e.module,
			Valid:      true,
			Next:       timePtr(ce.Next),
			Prev:       timePtr(ce.Prev),
		})
	}
	for _, e := range s.rejected {
		out = append(out, JobStatus{
			FunctionID: e.functionID,
			CronExpr:   e.expr,
			Module:     e.module,
			Error:      e.err.Error(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FunctionID != out[j].FunctionID {
			return out[i].FunctionID < out[j].FunctionID
		}
		return out[i].CronExpr < out[j].CronExpr
	})
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// dispatch resolves the function's handler and hands the invocation to the pool.
// A missing module or handler is logged and the firing skipped.
func (s *Service) dispatch(functionID, module, cronExpr, trigger string) error {
	s.mu.Lock()
	reg, location, base := s.reg, s.location, s.base
	s.mu.Unlock()

	fn, ok := reg.Function(functionID)
	if !ok {
		s.log.Warn().Str("function", functionID).Msgf("function %s is no longer registered, skipping", functionID)
		return fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	_, symbol := jobs.Handler(fn.Handler)
	path := filepath.Join(s.opts.ServicePath, location, module+s.opts.Extension)

	mod, err := s.loader.Load(path)
	if err != nil {
		s.logMissing(functionID, err)
		return err
	}
	f, ok := mod.Lookup(symbol)
	if !ok {
		err := fmt.Errorf("%w: %s has no handler %q", runtime.ErrNotFound, path, symbol)
		s.logMissing(functionID, err)
		return err
	}

	vars, err := s.env.Apply(reg.ProviderEnvironment(), fn.Environment)
	if err != nil {
		s.log.Error().Err(err).Str("function", functionID).Msg("failed to apply environment")
		return err
	}

	s.log.Info().Str("function", functionID).Str("trigger", trigger).
		Msgf("running scheduled job: %s", functionID)

	b := payload.NewBuilder(reg.StageVariables())
	inv := runtime.Invocation{
		FunctionID: functionID,
		Event:      b.Event(),
		Context:    b.Context(functionID),
		Env:        vars,
	}
	s.pool.Submit(base, worker.Task{
		Invocation: domain.Invocation{
			FunctionID: functionID,
			CronExpr:   cronExpr,
			Trigger:    trigger,
		},
		Run: func(ctx context.Context) ([]byte, error) {
			ctx = env.NewContext(ctx, inv.Env)
			ctx = lambdacontext.NewContext(ctx, inv.Context.LambdaContext())
			out, err := f.Invoke(ctx, inv)
			if errors.Is(err, runtime.ErrNotFound) {
				s.logMissing(functionID, err)
			}
			return out, err
		},
	})
	return nil
}

func (s *Service) logMissing(functionID string, err error) {
	s.log.Warn().Str("function", functionID).Err(err).Msgf("unable to find source for %s", functionID)
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.opts.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn().Err(err).Str("tz", tz).Msg("invalid timezone, falling back to Local")
		return time.Local
	}
	return loc
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
