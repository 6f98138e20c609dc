package delivery

import "time"

// Result resume una entrega a uno o más inboxes. Las fallas son datos: el
// llamador decide si reintentar según Retryable.
type Result struct {
	Success []string // inboxes que aceptaron (200/201/202)
	Failed  []string // inboxes, o actores que no pudieron resolverse

	StatusCode int    // último status no exitoso (o el exitoso en entregas simples)
	Error      string // último error
	RetryAfter time.Duration
	RetryCount int
	// Retryable es true si al menos una falla es transitoria (429, 5xx,
	// timeout, error de red o de discovery).
	Retryable bool

	Errors map[string]string // destino fallido -> motivo
}

// Delivered informa si no hubo fallas.
func (r *Result) Delivered() bool { return len(r.Failed) == 0 }

func (r *Result) fail(target, msg string, retryable bool) {
	r.Failed = append(r.Failed, target)
	r.Error = msg
	r.Retryable = r.Retryable || retryable
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[target] = msg
}

// Merge agrega o a r.
func (r *Result) Merge(o *Result) {
	if o == nil {
		return
	}
	r.Success = append(r.Success, o.Success...)
	for _, f := range o.Failed {
		r.Failed = append(r.Failed, f)
		if r.Errors == nil {
			r.Errors = map[string]string{}
		}
		if msg, ok := o.Errors[f]; ok {
			r.Errors[f] = msg
		}
	}
	if len(o.Failed) > 0 {
		r.StatusCode = o.StatusCode
		r.Error = o.Error
		r.Retryable = r.Retryable || o.Retryable
	} else if r.StatusCode == 0 {
		r.StatusCode = o.StatusCode
	}
	if o.RetryAfter > r.RetryAfter {
		r.RetryAfter = o.RetryAfter
	}
	r.RetryCount += o.RetryCount
}
