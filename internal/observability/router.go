package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"postflow/internal/jobs"
	"postflow/internal/post"
	"postflow/internal/publisher"
	"postflow/internal/task/scheduler"
)

// JobControl is the job surface exposed over HTTP.
type JobControl interface {
	Status() []scheduler.JobStatus
	Start(name string) error
	Stop(name string) error
	Trigger(name string) error
}

// PostAdmin is the subset of post.Service the admin routes use.
type PostAdmin interface {
	Get(ctx context.Context, id string) (*post.ContentPost, error)
	Approve(ctx context.Context, id string) (*post.ContentPost, error)
	Reject(ctx context.Context, id, reason string) (*post.ContentPost, error)
	Schedule(ctx context.Context, id string, at time.Time) (*post.ContentPost, error)
	Requeue(ctx context.Context, id string, at time.Time) (*post.ContentPost, error)
}

// Report is the /status document.
type Report struct {
	Registry  scheduler.RegistryState   `json:"registry"`
	Jobs      []scheduler.JobStatus     `json:"jobs"`
	Adapters  []publisher.AdapterStatus `json:"adapters,omitempty"`
	Selection *jobs.Selection           `json:"selection,omitempty"`
}

// Deps are the collaborators behind the routes. Nil members disable their
// routes.
type Deps struct {
	Metrics  *Metrics
	Jobs     JobControl
	Registry func() scheduler.RegistryState
	Adapters func() []publisher.AdapterStatus
	Latest   func() jobs.Selection
	Posts    PostAdmin
	Audit    post.AuditLog
	Now      func() time.Time
}

// NewRouter builds the HTTP surface. /healthz is always open; everything else
// requires token when one is set.
func NewRouter(cfg Config, d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))

		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
		}
		h := &handlers{d: d}
		if d.Jobs != nil {
			r.Get("/status", h.status)
			r.Route("/jobs/{name}", func(r chi.Router) {
				r.Post("/trigger", h.jobAction(d.Jobs.Trigger, http.StatusAccepted))
				r.Post("/start", h.jobAction(d.Jobs.Start, http.StatusOK))
				r.Post("/stop", h.jobAction(d.Jobs.Stop, http.StatusOK))
			})
		}
		if d.Posts != nil {
			r.Route("/posts/{id}", func(r chi.Router) {
				r.Get("/", h.getPost)
				r.Post("/approve", h.approve)
				r.Post("/reject", h.reject)
				r.Post("/schedule", h.schedule)
				r.Post("/requeue", h.requeue)
			})
		}
		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handlers struct {
	d Deps
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	rep := Report{Registry: scheduler.RegistryStopped, Jobs: h.d.Jobs.Status()}
	if h.d.Registry != nil {
		rep.Registry = h.d.Registry()
	}
	if h.d.Adapters != nil {
		rep.Adapters = h.d.Adapters()
	}
	if h.d.Latest != nil {
		if sel := h.d.Latest(); !sel.At.IsZero() {
			rep.Selection = &sel
		}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) jobAction(fn func(string) error, okStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := fn(name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, okStatus, map[string]any{"job": name})
	}
}

type postView struct {
	Post  *post.ContentPost `json:"post"`
	Audit []post.AuditEntry `json:"audit,omitempty"`
}

func (h *handlers) getPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.d.Posts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := postView{Post: p}
	if h.d.Audit != nil {
		if view.Audit, err = h.d.Audit.ForPost(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	p, err := h.d.Posts.Approve(r.Context(), chi.URLParam(r, "id"))
	h.respondPost(w, p, err)
}

type rejectReq struct {
	Reason string `json:"reason"`
}

func (h *handlers) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectReq
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.d.Posts.Reject(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Reason))
	h.respondPost(w, p, err)
}

type timeReq struct {
	At *string `json:"at"` // RFC3339
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	at, ok := h.parseAt(w, r, true)
	if !ok {
		return
	}
	p, err := h.d.Posts.Schedule(r.Context(), chi.URLParam(r, "id"), at)
	h.respondPost(w, p, err)
}

// requeue defaults to now when no time is given.
func (h *handlers) requeue(w http.ResponseWriter, r *http.Request) {
	at, ok := h.parseAt(w, r, false)
	if !ok {
		return
	}
	p, err := h.d.Posts.Requeue(r.Context(), chi.URLParam(r, "id"), at)
	h.respondPost(w, p, err)
}

func (h *handlers) parseAt(w http.ResponseWriter, r *http.Request, required bool) (time.Time, bool) {
	var req timeReq
	if !decodeBody(w, r, &req) {
		return time.Time{}, false
	}
	if req.At == nil || strings.TrimSpace(*req.At) == "" {
		if required {
			http.Error(w, "at required (RFC3339)", http.StatusBadRequest)
			return time.Time{}, false
		}
		return h.d.Now(), true
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.At))
	if err != nil {
		http.Error(w, "invalid at (RFC3339)", http.StatusBadRequest)
		return time.Time{}, false
	}
	return at, true
}

func (h *handlers) respondPost(w http.ResponseWriter, p *post.ContentPost, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// decodeBody treats an empty body as an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes. AlreadyRunning is a
// conflict, like every other state clash.
func statusFor(err error) int {
	var (
		te *post.TransitionError
		ar *scheduler.AlreadyRunningError
	)
	switch {
	case errors.Is(err, post.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.As(err, &ar), errors.As(err, &te),
		errors.Is(err, jobs.ErrNotStarted),
		errors.Is(err, post.ErrConflict),
		errors.Is(err, post.ErrPlatformLocked),
		errors.Is(err, post.ErrContentLocked),
		errors.Is(err, post.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, post.ErrNoScheduleTime), errors.Is(err, post.ErrNoPlatforms):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
