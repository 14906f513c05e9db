package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobq/internal/history"
	"jobq/internal/runtime/supervisor"
	"jobq/internal/trigger"
	"jobq/pkg/jobqueue"
	logx "jobq/pkg/logx"
)

// Queues is the registry view the API reads and controls.
type Queues interface {
	Snapshots() []jobqueue.Snapshot
	Queue(name string) (*jobqueue.Queue, bool)
}

type Triggers interface {
	Statuses() []trigger.Status
	Fire(name string) error
}

type History interface {
	Recent(ctx context.Context, queue string, limit int) ([]history.Run, error)
}

// Deps are the daemon parts exposed over HTTP. Triggers, History and Health
// may be nil.
type Deps struct {
	Queues   Queues
	Triggers Triggers
	History  History
	Health   func() supervisor.Snapshot
}

const defaultHistoryLimit = 50

// NewRouter builds the status API. A non-empty token is required as a bearer
// token (or ?token=) on every route except /healthz.
func NewRouter(d Deps, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := handlers{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Get("/queues", h.listQueues)
		r.Route("/queues/{name}", func(r chi.Router) {
			r.Get("/", h.getQueue)
			r.Post("/pause", h.pauseQueue)
			r.Post("/resume", h.resumeQueue)
		})
		r.Get("/history", h.history)
		r.Get("/triggers", h.listTriggers)
		r.Post("/triggers/{name}/fire", h.fireTrigger)

		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	d Deps
}

type healthBody struct {
	Status     string               `json:"status"`
	Time       time.Time            `json:"time"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (h handlers) health(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "ok", Time: time.Now().UTC()}
	if h.d.Health != nil {
		snap := h.d.Health()
		body.Supervisor = &snap
		if snap.FirstError != "" {
			body.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h handlers) listQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Queues.Snapshots())
}

func (h handlers) queue(w http.ResponseWriter, r *http.Request) (*jobqueue.Queue, bool) {
	name := chi.URLParam(r, "name")
	q, ok := h.d.Queues.Queue(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue "+strconv.Quote(name))
	}
	return q, ok
}

func (h handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	if q, ok := h.queue(w, r); ok {
		writeJSON(w, http.StatusOK, q.Snapshot())
	}
}

func (h handlers) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if q, ok := h.queue(w, r); ok {
		q.Pause()
		writeJSON(w, http.StatusOK, q.Snapshot())
	}
}

func (h handlers) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if q, ok := h.queue(w, r); ok {
		q.Resume()
		writeJSON(w, http.StatusOK, q.Snapshot())
	}
}

func (h handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.d.History == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := h.d.History.Recent(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h handlers) listTriggers(w http.ResponseWriter, _ *http.Request) {
	if h.d.Triggers == nil {
		writeJSON(w, http.StatusOK, []trigger.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.d.Triggers.Statuses())
}

func (h handlers) fireTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.d.Triggers == nil {
		writeError(w, http.StatusNotFound, "unknown trigger "+strconv.Quote(name))
		return
	}
	err := h.d.Triggers.Fire(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"trigger": name, "status": "fired"})
	case errors.Is(err, trigger.ErrUnknownTrigger):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobqueue.ErrCapacityExceeded), errors.Is(err, jobqueue.ErrExclusiveJobNotAllowed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
