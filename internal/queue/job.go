// Package queue es la cola durable de entregas: persiste cada actividad con
// sus destinatarios y la reintenta con backoff exponencial hasta completarla
// o agotar los intentos.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrQueue    = errors.New("queue error")
	ErrNotFound = errors.New("delivery not found")
	ErrInvalid  = errors.New("invalid delivery")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
)

// Terminal informa si el job ya no se vuelve a procesar.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job es una entrega encolada.
type Job struct {
	ID          string          `json:"id"`
	Activity    json.RawMessage `json:"activity"`
	Recipients  []string        `json:"recipients"`
	Delivered   []string        `json:"delivered,omitempty"` // inboxes que ya aceptaron
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Error       string          `json:"error,omitempty"`
}

func (j *Job) addDelivered(inboxes []string) {
	seen := make(map[string]struct{}, len(j.Delivered))
	for _, d := range j.Delivered {
		seen[d] = struct{}{}
	}
	for _, in := range inboxes {
		if _, ok := seen[in]; !ok {
			seen[in] = struct{}{}
			j.Delivered = append(j.Delivered, in)
		}
	}
}
