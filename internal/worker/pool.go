package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localsched/internal/domain"
	"localsched/internal/history"
)

// Task is one fire-and-forget invocation.
type Task struct {
	Invocation domain.Invocation
	Run        func(ctx context.Context) ([]byte, error)
}

// Pool runs tasks on their own goroutines, bounded by a global semaphore.
// Task errors and panics are logged and recorded, never returned.
type Pool struct {
	repo    history.Repository
	log     zerolog.Logger
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewPool(repo history.Repository, size int, timeout time.Duration, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{repo: repo, log: logger, sem: make(chan struct{}, size), timeout: timeout}
}

func (p *Pool) Submit(ctx context.Context, t Task) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.log.Warn().Err(ctx.Err()).Str("function", t.Invocation.FunctionID).
				Str("trigger", t.Invocation.Trigger).Msg("invocation dropped while waiting for a worker")
			return
		}
		defer func() { <-p.sem }()
		p.exec(ctx, t)
	}()
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) exec(ctx context.Context, t Task) {
	inv := t.Invocation
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}
	id := inv.ID
	if p.repo != nil {
		var err error
		if id, err = p.repo.Start(ctx, inv); err != nil {
			p.log.Error().Err(err).Str("function", inv.FunctionID).Msg("failed to record invocation start")
		}
	}

	c, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		c, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	result, err := p.run(c, t)
	ev := p.log.Info()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Str("function", inv.FunctionID).
		Str("invocation_id", id).
		Dur("took", time.Since(inv.StartedAt)).
		Msg("invocation finished")

	if p.repo != nil && id != "" {
		if ferr := p.repo.Finish(context.WithoutCancel(ctx), id, result, err); ferr != nil {
			p.log.Error().Err(ferr).Str("invocation_id", id).Msg("failed to record invocation result")
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error().Str("function", t.Invocation.FunctionID).Str("stack", string(debug.Stack())).Msg("invocation panicked")
		}
	}()
	return t.Run(ctx)
}
