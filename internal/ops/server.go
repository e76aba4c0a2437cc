package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/config"
	"github.com/nudgeops/nudged/internal/eventbus"
	"github.com/nudgeops/nudged/internal/scheduler"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/clog"
)

// recentEventCap bounds the in-memory events view.
const recentEventCap = 256

// Server is the operator-facing HTTP surface: health, engine status,
// item inspection, and manual triggers. It never dispatches reminders
// itself; the mutating endpoints delegate to the scheduler.
type Server struct {
	env    *config.Env
	repo   workitem.Repository
	sched  *scheduler.Scheduler
	policy *config.PolicyStore
	trail  *audit.StorageSink
	sink   *audit.BufferedSink
	bus    *eventbus.Bus

	server    *http.Server
	startedAt time.Time

	mu     sync.Mutex
	recent []*eventbus.Event
}

func NewServer(
	env *config.Env,
	repo workitem.Repository,
	sched *scheduler.Scheduler,
	policyStore *config.PolicyStore,
	trail *audit.StorageSink,
	sink *audit.BufferedSink,
	bus *eventbus.Bus,
) *Server {
	return &Server{
		env:       env,
		repo:      repo,
		sched:     sched,
		policy:    policyStore,
		trail:     trail,
		sink:      sink,
		bus:       bus,
		startedAt: time.Now(),
	}
}

// ListenAndServe starts the HTTP server. The provided context is the
// base context for all incoming requests, so cancelling it on shutdown
// also cancels request contexts.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.collectEvents(ctx)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting ops server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}).Handler(s.router()),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware())
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/items", s.handleListItems)
		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", s.handleGetItem)
			r.Get("/audit", s.handleItemAudit)
			r.Post("/evaluate", s.handleEvaluate)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})
		r.Post("/triggers/{stage}", s.handleTrigger)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, cerr.NewError(cerr.NotFound, "not found", nil))
		})
	})
	return r
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) collectEvents(ctx context.Context) {
	id, ch := s.bus.Subscribe(recentEventCap)
	defer s.bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			s.recent = append(s.recent, ev)
			if len(s.recent) > recentEventCap {
				s.recent = s.recent[len(s.recent)-recentEventCap:]
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pol := s.policy.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"env":                 s.env.Env,
		"uptime":              time.Since(s.startedAt).String(),
		"timezone":            pol.Timezone,
		"max_stages":          pol.MaxStages,
		"stage_triggers":      len(pol.StageTriggers),
		"oracle_fail_mode":    string(pol.OracleFailMode),
		"pending_audit_flush": s.sink.Pending(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	events := make([]*eventbus.Event, len(s.recent))
	copy(events, s.recent)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	f := workitem.Filter{
		ActiveOnly:      r.URL.Query().Get("active") == "true",
		IncludeArchived: r.URL.Query().Get("archived") == "true",
	}
	if v := r.URL.Query().Get("stage"); v != "" {
		stage, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("stage %q is not a number", v), err))
			return
		}
		f.Stage = &stage
	}

	items, err := s.repo.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.repo.Get(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemAudit(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if _, err := s.repo.Get(r.Context(), itemID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.trail.ListForItem(r.Context(), itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleEvaluate runs one out-of-schedule evaluation of the item. The
// same eligibility rules apply as on a timed trigger, so this cannot
// produce a duplicate reminder inside the minimum interval.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if _, err := s.repo.Get(r.Context(), itemID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.sched.EvaluateItem(r.Context(), itemID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluated": itemID})
}

type pauseRequest struct {
	Until  string `json:"until"`  // RFC 3339
	For    string `json:"for"`    // duration, alternative to until
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, cerr.NewError(cerr.InvalidArgument, "invalid pause request body", err))
		return
	}

	var until time.Time
	switch {
	case req.Until != "":
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			writeError(w, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("until %q is not RFC 3339", req.Until), err))
			return
		}
		until = t
	case req.For != "":
		d, err := time.ParseDuration(req.For)
		if err != nil {
			writeError(w, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("for %q is not a duration", req.For), err))
			return
		}
		until = time.Now().Add(d)
	default:
		writeError(w, cerr.NewError(cerr.InvalidArgument, "pause requires until or for", nil))
		return
	}

	item, err := s.repo.Get(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err)
		return
	}
	item.Reminder.Pause(until, req.Reason)
	item.UpdatedAt = time.Now()
	if err := s.repo.Update(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}
	slog.InfoContext(r.Context(), "item paused", "item_id", item.ID, "until", until.Format(time.RFC3339), "reason", req.Reason)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	item, err := s.repo.Get(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err)
		return
	}
	item.Reminder.PausedUntil = nil
	item.Reminder.PauseReason = ""
	if item.Reminder.Phase == workitem.PhasePaused {
		if item.Reminder.Stage > 0 {
			item.Reminder.Phase = workitem.PhaseStage
		} else {
			item.Reminder.Phase = workitem.PhaseIdle
		}
	}
	item.UpdatedAt = time.Now()
	if err := s.repo.Update(r.Context(), item); err != nil {
		writeError(w, err)
		return
	}
	slog.InfoContext(r.Context(), "item resumed", "item_id", item.ID)
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "stage")
	stage, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("stage %q is not a number", raw), err))
		return
	}
	processed, err := s.sched.RunStage(r.Context(), stage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "processed": processed})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := cerr.CodeOf(err)
	msg := err.Error()
	var ce *cerr.Error
	if errors.As(err, &ce) {
		// Surface the user-facing message, keep the underlying error
		// in the logs only.
		msg = ce.Msg
	}
	writeJSON(w, code.HTTPCode(), map[string]any{
		"code":    code.String(),
		"message": msg,
	})
}
