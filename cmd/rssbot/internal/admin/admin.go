// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package admin implements the HTTP API for inspecting a running bot.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.astrophena.name/rssbot/cmd/rssbot/internal/registry"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/storage"
	"go.astrophena.name/rssbot/cmd/rssbot/internal/watch"
	"go.astrophena.name/rssbot/internal/logger"
	"go.astrophena.name/rssbot/internal/version"
	"go.astrophena.name/rssbot/internal/web"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// Store lists subscriptions.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]storage.Subscription, error)
	UserSubscriptions(ctx context.Context, userID int64) ([]storage.Subscription, error)
}

// Watches lists registered watches.
type Watches interface {
	Entries() []registry.Entry
}

// Queue describes the delivery queue.
type Queue interface {
	Pending() []storage.Task
	Handled() int64
}

// Service runs watch operations on demand.
type Service interface {
	Reconcile(ctx context.Context) (watch.ReconcileResult, error)
	Watch(ctx context.Context, id string) error
}

// Config configures the admin API handler.
type Config struct {
	Store   Store
	Watches Watches
	Queue   Queue
	Service Service
	Health  *web.HealthHandler
	// Logs, if set, is served at /debug/logs.
	Logs logger.Streamer
	// PasswordHash is a bcrypt hash of the password. If set, everything
	// except /health requires HTTP basic authentication with that password.
	PasswordHash []byte
}

type handler struct {
	Config
	started time.Time
}

// Handler returns the admin API handler.
func Handler(cfg Config) (http.Handler, error) {
	h := &handler{Config: cfg, started: time.Now()}
	if h.Health == nil {
		h.Health = web.NewHealth()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Method(http.MethodGet, "/health", h.Health)
	sv, err := statsviz.NewServer()
	if err != nil {
		return nil, err
	}
	r.Group(func(r chi.Router) {
		if len(h.PasswordHash) > 0 {
			r.Use(h.authenticate)
		}

		r.Get("/", h.index)
		r.Route("/api", func(r chi.Router) {
			r.Get("/subscriptions", h.subscriptions)
			r.Get("/watches", h.watches)
			r.Post("/watches/{id}/run", h.runWatch)
			r.Get("/tasks", h.tasks)
			r.Post("/reconcile", h.reconcile)
			if h.Logs != nil {
				r.Get("/logs", h.logLines)
			}
		})

		if h.Logs != nil {
			r.Method(http.MethodGet, "/debug/logs", h.Logs)
		}
		r.Get("/debug/statsviz", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/debug/statsviz/", http.StatusMovedPermanently)
		})
		r.Get("/debug/statsviz/ws", sv.Ws())
		r.Get("/debug/statsviz/*", sv.Index())
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSONError(w, r, web.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSONError(w, r, web.ErrMethodNotAllowed)
	})
	return r, nil
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(h.PasswordHash, []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="rssbot"`)
			web.RespondJSONError(w, r, web.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Get(r.Context()).Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type info struct {
	Version version.Info  `json:"version"`
	Uptime  time.Duration `json:"uptime"`
	Watches int           `json:"watches"`
	Pending int           `json:"pending_tasks"`
	Handled int64         `json:"handled_tasks"`
}

func (h *handler) index(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, info{
		Version: version.Version(),
		Uptime:  time.Since(h.started).Round(time.Second),
		Watches: len(h.Watches.Entries()),
		Pending: len(h.Queue.Pending()),
		Handled: h.Queue.Handled(),
	})
}

var errBadUser = errors.New("user must be a number")

func (h *handler) subscriptions(w http.ResponseWriter, r *http.Request) {
	var (
		subs []storage.Subscription
		err  error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		id, perr := strconv.ParseInt(user, 10, 64)
		if perr != nil {
			web.RespondJSONError(w, r, fmt.Errorf("%w: %w", web.ErrBadRequest, errBadUser))
			return
		}
		subs, err = h.Store.UserSubscriptions(r.Context(), id)
	} else {
		subs, err = h.Store.ActiveSubscriptions(r.Context())
	}
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, nonNil(subs))
}

func (h *handler) watches(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, nonNil(h.Watches.Entries()))
}

type tasksResponse struct {
	Handled int64          `json:"handled"`
	Pending []storage.Task `json:"pending"`
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, tasksResponse{
		Handled: h.Queue.Handled(),
		Pending: nonNil(h.Queue.Pending()),
	})
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Reconcile(r.Context())
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	web.RespondJSON(w, res)
}

// RunResult is the response of the watch run endpoint.
type RunResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Watch run statuses.
const (
	StatusEnqueued   = "enqueued"
	StatusNoNewItems = "no new items"
)

func (h *handler) runWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Service.Watch(r.Context(), id)
	switch {
	case err == nil:
		web.RespondJSON(w, RunResult{ID: id, Status: StatusEnqueued})
	case errors.Is(err, watch.ErrNoNewItems):
		web.RespondJSON(w, RunResult{ID: id, Status: StatusNoNewItems})
	case errors.Is(err, watch.ErrSubscriptionGone):
		web.RespondJSONError(w, r, fmt.Errorf("%w: %w", web.ErrNotFound, err))
	default:
		web.RespondJSONError(w, r, err)
	}
}

func (h *handler) logLines(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, nonNil(h.Logs.Lines()))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
