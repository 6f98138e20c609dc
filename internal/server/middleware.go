package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// withRequestID propaga o genera X-Request-ID y deja un logger con ese id en el contexto.
func withRequestID(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if rid == "" {
				var b [16]byte
				_, _ = rand.Read(b[:])
				rid = hex.EncodeToString(b[:])
			}
			w.Header().Set("X-Request-ID", rid)
			ctx := logger.ToContext(r.Context(), base.With(logger.RequestID(rid)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// withRecover captura panics y responde 500.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.From(r.Context()).Error("panic recovered", logger.Op("recover"), zap.Any("panic", rec))
				WriteError(w, ErrInternal.WithDetail("panic recovered"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// withAccessLog loguea cada request y alimenta las métricas HTTP. La ruta
// se etiqueta con el patrón de chi para no explotar la cardinalidad.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		httpInflight.Inc()
		defer func() {
			httpInflight.Dec()
			d := time.Since(start)
			route := routePattern(r)
			observeRequest(r.Method, route, rec.code(), d)
			if route == "/healthz" || route == "/metrics" {
				return
			}
			logger.From(r.Context()).Info("http request",
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.Status(rec.code()),
				logger.Duration(d))
		}()
		next.ServeHTTP(rec, r)
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// requireAdminKey exige X-Admin-API-Key. Sin key configurada la API admin
// queda cerrada.
func requireAdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-API-Key")
			if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				WriteError(w, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
