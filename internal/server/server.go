// Package server expone la API de operación: health, métricas, publicación
// de claves públicas y encolado/consulta de entregas.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/queue"
)

const maxBody = 1 << 20

// KeyDirectory publica las claves locales.
type KeyDirectory interface {
	Domain() string
	Lookup(keyID string) (*keys.KeyPair, bool)
}

// Deliveries es la cola vista desde HTTP.
type Deliveries interface {
	Enqueue(ctx context.Context, activity json.RawMessage, recipients []string, priority int) (string, error)
	Status(ctx context.Context, id string) (*queue.Job, error)
}

// HealthCheck reporta el estado de una dependencia (nil = ok).
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Keys        KeyDirectory
	Queue       Deliveries
	AdminAPIKey string
	Gatherer    prometheus.Gatherer // default prometheus.DefaultGatherer
	Checks      map[string]HealthCheck
	Logger      *zap.Logger
}

// NewRouter arma el router chi con todas las rutas.
func NewRouter(d Deps) http.Handler {
	log := logger.OrNamed(d.Logger, "http")
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(withRequestID(log), withRecover, withAccessLog)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/keys/{ts}", h.publicKey)

	r.Route("/v1/deliveries", func(r chi.Router) {
		r.Use(requireAdminKey(d.AdminAPIKey))
		r.Post("/", h.enqueue)
		r.Get("/{id}", h.status)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteError(w, ErrNotFound) })
	return r
}

// New devuelve un *http.Server con timeouts razonables.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := map[string]string{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			logger.From(ctx).Warn("health check failed", logger.Component(name), logger.Err(err))
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	WriteJSON(w, status, map[string]any{"status": state, "components": components})
}

// publicKey sirve el PEM de una clave local mientras siga siendo resoluble,
// para que los receptores puedan verificar nuestras firmas.
func (h *handlers) publicKey(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		WriteError(w, ErrNotFound)
		return
	}
	k, ok := h.deps.Keys.Lookup(keys.KeyIDFor(h.deps.Keys.Domain(), ts))
	if !ok {
		WriteError(w, ErrNotFound)
		return
	}
	pemBytes, err := k.PublicKeyPEM()
	if err != nil {
		WriteError(w, ErrInternal.WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(pemBytes)
}

type enqueueRequest struct {
	Activity   json.RawMessage `json:"activity"`
	Recipients []string        `json:"recipients"`
	Priority   int             `json:"priority"`
}

type jobResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Priority    int       `json:"priority"`
	Recipients  []string  `json:"recipients"`
	Delivered   []string  `json:"delivered,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ErrBodyTooLarge)
			return
		}
		WriteError(w, ErrInvalidJSON.WithCause(err))
		return
	}

	id, err := h.deps.Queue.Enqueue(r.Context(), req.Activity, req.Recipients, req.Priority)
	switch {
	case errors.Is(err, queue.ErrInvalid):
		WriteError(w, ErrBadRequest.WithDetail(err.Error()))
		return
	case err != nil:
		logger.From(r.Context()).Error("enqueue failed", logger.Err(err))
		WriteError(w, ErrServiceUnavailable.WithCause(err))
		return
	}
	w.Header().Set("Location", "/v1/deliveries/"+id)
	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(queue.StatusPending)})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	j, err := h.deps.Queue.Status(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		WriteError(w, ErrNotFound)
		return
	case err != nil:
		logger.From(r.Context()).Error("status lookup failed", logger.Err(err))
		WriteError(w, ErrServiceUnavailable.WithCause(err))
		return
	}
	WriteJSON(w, http.StatusOK, jobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		Priority:    j.Priority,
		Recipients:  j.Recipients,
		Delivered:   j.Delivered,
		NextAttempt: j.NextAttempt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		Error:       j.Error,
	})
}
