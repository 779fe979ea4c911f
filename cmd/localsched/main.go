package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"localsched/internal/api"
	"localsched/internal/config"
	"localsched/internal/env"
	"localsched/internal/history"
	"localsched/internal/project"
	"localsched/internal/runtime"
	"localsched/internal/scheduler"
	"localsched/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	proj, err := project.Load(cfg.ProjectFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load project")
	}
	servicePath := proj.ServicePath
	if cfg.ServicePath != "" {
		if servicePath, err = filepath.Abs(cfg.ServicePath); err != nil {
			log.Fatal().Err(err).Msg("service path")
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := history.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	if n, err := history.RecoverStale(context.Background(), db); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("marked interrupted invocations as failed")
	}
	repo := history.NewSQLiteRepo(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(repo, cfg.Workers, cfg.InvokeTimeout, log.Logger)
	svc := scheduler.NewService(proj, newLoader(cfg), pool, env.NewApplier(cfg.ProcessEnv), scheduler.Options{
		ServicePath: servicePath,
		Location:    cfg.Location,
		Extension:   cfg.Extension,
		Timezone:    cfg.Timezone,
	}, log.Logger)

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("register schedules")
	}
	svc.Start()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Watch {
		w := &project.Watcher{
			Path: proj.Path,
			OnChange: func(p *project.Project) {
				if err := svc.Reload(ctx, p); err != nil {
					log.Error().Err(err).Msg("reload schedules")
				}
			},
			Log: log.Logger,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if cfg.Addr != "" {
		srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(svc, repo, cfg.Debug)}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTimeout()
			return srv.Shutdown(ctxTimeout)
		})
	}

	<-gctx.Done()
	log.Info().Msg("shutting down")
	stop()
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := svc.Stop(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("timed out waiting for scheduled jobs")
	}
	pool.Wait()
}

func newLoader(cfg *config.Config) runtime.Loader {
	if cfg.Runtime == config.RuntimeLambdaAPI {
		return runtime.LambdaAPI{Endpoint: cfg.LambdaEndpoint, Timeout: cfg.InvokeTimeout}
	}
	return runtime.Process{Command: cfg.NodeBinary, Output: os.Stderr}
}
