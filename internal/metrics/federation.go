package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Federation metrics. These live in a standalone package so keys, httpsig,
// delivery and queue can record without importing the HTTP layer.

var (
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_deliveries_total",
		Help: "Entregas a inbox por resultado (success|retryable|permanent)",
	}, []string{"result"})

	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fed_delivery_duration_seconds",
		Help:    "Latencia de un POST firmado a un inbox remoto",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	DeliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fed_delivery_retries_total",
		Help: "Reintentos inline por 429/5xx",
	})

	RateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fed_rate_limit_waits_total",
		Help: "Veces que una entrega esperó por el rate limit del dominio",
	})

	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fed_key_rotations_total",
		Help: "Rotaciones de clave de firma",
	})

	SigningKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fed_signing_keys",
		Help: "Claves de firma en el set activo (incluye las que están en overlap)",
	})

	QueueTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_queue_transitions_total",
		Help: "Transiciones de estado de jobs de la cola",
	}, []string{"status"})

	QueueLoopErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fed_queue_loop_errors_total",
		Help: "Errores del scheduler de la cola (no de los jobs)",
	})

	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fed_signature_verifications_total",
		Help: "Verificaciones de firma entrantes por resultado (ok|rejected)",
	}, []string{"result"})
)

// Register registers the federation metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		Deliveries, DeliveryDuration, DeliveryRetries, RateLimitWaits,
		KeyRotations, SigningKeys, QueueTransitions, QueueLoopErrors, Verifications,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
