// Package rate lleva el presupuesto de requests salientes por dominio remoto.
// El estado es local al proceso; los headers X-RateLimit-* del remoto pisan
// la estimación local cuando están presentes.
package rate

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Limit es la configuración de una ventana fija.
type Limit struct {
	Requests int
	Period   time.Duration
	Burst    int // se suma a Requests en cada ventana local
}

// DefaultLimit: 100 requests por minuto, burst 20.
func DefaultLimit() Limit {
	return Limit{Requests: 100, Period: time.Minute, Burst: 20}
}

// State es el presupuesto vigente de un dominio.
type State struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// Limiter guarda un State por dominio en un cache con TTL.
type Limiter struct {
	limit Limit
	cache *gocache.Cache
	mu    sync.Mutex
	now   func() time.Time
}

type Option func(*Limiter)

// WithClock inyecta el reloj (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New crea un Limiter. stateTTL es cuánto sobrevive el estado de un dominio
// sin actividad (default 1h).
func New(limit Limit, stateTTL time.Duration, opts ...Option) *Limiter {
	if limit.Requests <= 0 {
		limit.Requests = DefaultLimit().Requests
	}
	if limit.Period <= 0 {
		limit.Period = DefaultLimit().Period
	}
	if limit.Burst < 0 {
		limit.Burst = 0
	}
	if stateTTL <= 0 {
		stateTTL = time.Hour
	}
	l := &Limiter{
		limit: limit,
		cache: gocache.New(stateTTL, 10*time.Minute),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) budget() int { return l.limit.Requests + l.limit.Burst }

// state devuelve el estado del dominio, creándolo si no existe. Requiere l.mu.
func (l *Limiter) state(domain string) *State {
	if v, ok := l.cache.Get(domain); ok {
		return v.(*State)
	}
	s := &State{
		Remaining: l.budget(),
		Limit:     l.budget(),
		Reset:     l.now().Add(l.limit.Period),
	}
	l.cache.SetDefault(domain, s)
	return s
}

// Check consume una unidad del presupuesto del dominio. Devuelve false si
// no queda presupuesto en la ventana actual.
func (l *Limiter) Check(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(domain)
	now := l.now()
	if !now.Before(s.Reset) {
		s.Limit = l.budget()
		s.Remaining = s.Limit - 1
		s.Reset = now.Add(l.limit.Period)
		l.cache.SetDefault(domain, s)
		return true
	}
	if s.Remaining <= 0 {
		return false
	}
	s.Remaining--
	l.cache.SetDefault(domain, s)
	return true
}

// WaitTime es cuánto falta para que el dominio vuelva a tener presupuesto.
// 0 si no está limitado.
func (l *Limiter) WaitTime(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(domain)
	if s.Remaining > 0 {
		return 0
	}
	if d := s.Reset.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Update pisa el estado con los headers X-RateLimit-Limit, -Remaining y
// -Reset de una respuesta. Sin los tres headers no hace nada.
func (l *Limiter) Update(domain string, h http.Header) {
	limit, ok1 := parseInt(h.Get("X-RateLimit-Limit"))
	remaining, ok2 := parseInt(h.Get("X-RateLimit-Remaining"))
	reset, ok3 := l.parseReset(h.Get("X-RateLimit-Reset"))
	if !ok1 || !ok2 || !ok3 {
		return
	}
	if remaining < 0 {
		remaining = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.SetDefault(domain, &State{Remaining: remaining, Limit: limit, Reset: reset})
}

// State devuelve una copia del estado actual (false si el dominio no tiene).
func (l *Limiter) State(domain string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(domain); ok {
		return *v.(*State), true
	}
	return State{}, false
}

func (l *Limiter) Clear(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Delete(domain)
}

func (l *Limiter) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Flush()
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// deltaCutoff: valores menores se interpretan como segundos relativos
// (estilo Retry-After); mayores como epoch unix.
const deltaCutoff = 1_000_000_000

// parseReset acepta epoch unix, segundos relativos o RFC3339.
func (l *Limiter) parseReset(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < deltaCutoff {
			return l.now().Add(time.Duration(f * float64(time.Second))), true
		}
		return time.Unix(int64(f), 0), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
