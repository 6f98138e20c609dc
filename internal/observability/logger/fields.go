package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field { return zap.String("method", v) }

// Path crea un campo para el path del request.
func Path(v string) zap.Field { return zap.String("path", v) }

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field { return zap.Int("status", v) }

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

// =================================================================================
// FEDERACIÓN
// =================================================================================

// Domain es el dominio remoto (host) involucrado.
func Domain(v string) zap.Field { return zap.String("domain", v) }

// Inbox es la URL del inbox destino.
func Inbox(v string) zap.Field { return zap.String("inbox", v) }

// Actor es el ID (URL) de un actor remoto.
func Actor(v string) zap.Field { return zap.String("actor", v) }

// KeyID es el keyId publicado de una clave de firma.
func KeyID(v string) zap.Field { return zap.String("key_id", v) }

// DeliveryID es el ID de un job de la cola de entregas.
func DeliveryID(v string) zap.Field { return zap.String("delivery_id", v) }

// Attempt es el número de intento (1-based en la cola, retry count en el engine).
func Attempt(v int) zap.Field { return zap.Int("attempt", v) }

// RetryAfter es la espera solicitada antes de reintentar.
func RetryAfter(v time.Duration) zap.Field { return zap.Duration("retry_after", v) }

// =================================================================================
// SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field { return zap.String("component", v) }

// Op crea un campo para la operación actual.
func Op(v string) zap.Field { return zap.String("op", v) }

// Err crea un campo para un error.
func Err(err error) zap.Field { return zap.Error(err) }

// Count crea un campo para un conteo.
func Count(v int) zap.Field { return zap.Int("count", v) }

// ID crea un campo genérico para un ID.
func ID(v string) zap.Field { return zap.String("id", v) }

// String crea un campo string genérico.
func String(key, v string) zap.Field { return zap.String(key, v) }

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field { return zap.Int(key, v) }

// Time crea un campo de tiempo.
func Time(key string, v time.Time) zap.Field { return zap.Time(key, v) }

// Key crea un campo genérico para una clave de cache/store.
func Key(v string) zap.Field { return zap.String("key", v) }
