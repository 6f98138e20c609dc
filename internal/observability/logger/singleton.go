package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once     sync.Once
	mu       sync.RWMutex
	instance *zap.Logger
)

// Init inicializa el logger singleton. Solo la primera llamada tiene efecto.
func Init(cfg Config) {
	once.Do(func() {
		l := build(cfg)
		mu.Lock()
		instance = l
		mu.Unlock()
	})
}

// L retorna el logger singleton.
// Si Init() no fue llamado, crea un logger por defecto (dev, info).
func L() *zap.Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(Config{Env: "dev", Level: "info"})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Replace reemplaza el singleton (tests, o CLIs que quieren silencio).
func Replace(l *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	instance = l
	mu.Unlock()
}

// Named retorna un logger con nombre de componente.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// With retorna un logger con campos adicionales.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// OrNamed devuelve l si no es nil; si no, el singleton con el nombre dado.
// Los constructores de componentes lo usan para su logger opcional.
func OrNamed(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(name)
}

// Sync flushea cualquier buffer pendiente.
func Sync() error {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l.Sync()
	}
	return nil
}
