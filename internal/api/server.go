package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"localsched/internal/domain"
	"localsched/internal/history"
	"localsched/internal/runtime"
	"localsched/internal/scheduler"
)

// Scheduler is the part of scheduler.Service the API drives.
type Scheduler interface {
	Jobs() []scheduler.JobStatus
	Invoke(functionID string) error
}

type Server struct {
	r     *chi.Mux
	sched Scheduler
	repo  history.Repository
}

func NewServer(sched Scheduler, repo history.Repository) http.Handler {
	return NewServerWithDebug(sched, repo, false)
}

func NewServerWithDebug(sched Scheduler, repo history.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, repo: repo}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/jobs", s.listJobs)
	r.Post("/api/jobs/{id}/invoke", s.invokeJob)
	r.Get("/api/invocations", s.listInvocations)
	r.Get("/api/invocations/{id}", s.getInvocation)
	r.Get("/api/functions/{id}/invocations", s.listFunctionInvocations)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.repo.Counts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "localsched_up 1\n")
	registered, rejected := 0, 0
	for _, j := range s.sched.Jobs() {
		if j.Valid {
			registered++
		} else {
			rejected++
		}
	}
	fmt.Fprintf(w, "localsched_registered_jobs %d\n", registered)
	fmt.Fprintf(w, "localsched_rejected_jobs %d\n", rejected)
	for _, state := range []string{domain.StateRunning, domain.StateSucceeded, domain.StateFailed} {
		fmt.Fprintf(w, "localsched_invocations{state=%q} %d\n", state, counts[state])
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.Jobs())
}

type invokeResp struct {
	FunctionID string `json:"function_id"`
	Status     string `json:"status"`
}

func (s *Server) invokeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sched.Invoke(id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownFunction):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, runtime.ErrNotFound):
		http.Error(w, "unable to find source for "+id, 424)
		return
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, invokeResp{FunctionID: id, Status: "submitted"})
}

type invocationResp struct {
	ID         string          `json:"id"`
	FunctionID string          `json:"function_id"`
	CronExpr   string          `json:"cron_expr,omitempty"`
	Trigger    string          `json:"trigger"`
	State      string          `json:"state"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
}

func toResp(inv domain.Invocation) invocationResp {
	out := invocationResp{
		ID:         inv.ID,
		FunctionID: inv.FunctionID,
		CronExpr:   inv.CronExpr,
		Trigger:    inv.Trigger,
		State:      inv.State,
		Error:      inv.Error,
		StartedAt:  inv.StartedAt.Format(time.RFC3339),
	}
	if json.Valid(inv.Result) {
		out.Result = inv.Result
	}
	if inv.FinishedAt != nil {
		out.FinishedAt = inv.FinishedAt.Format(time.RFC3339)
	}
	return out
}

func toResps(invs []domain.Invocation) []invocationResp {
	out := make([]invocationResp, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toResp(inv))
	}
	return out
}

func limitParam(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return limit
}

func (s *Server) listInvocations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.repo.ListRecent(r.Context(), limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toResps(invs))
}

func (s *Server) getInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toResp(inv))
}

func (s *Server) listFunctionInvocations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.repo.ListByFunction(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toResps(invs))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
