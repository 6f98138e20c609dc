package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Deliverer entrega una actividad salteando los inboxes ya entregados.
// *delivery.Engine lo implementa.
type Deliverer interface {
	DeliverExcluding(ctx context.Context, activity json.RawMessage, recipients, delivered []string) *delivery.Result
}

const MaxPriority = 9

type Options struct {
	MaxAttempts     int
	BatchSize       int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	PriorityStep    time.Duration // cuánto adelanta cada punto de prioridad

	Logger *zap.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
	if o.MaxErrorBackoff < o.ErrorBackoff {
		o.MaxErrorBackoff = time.Minute
		if o.MaxErrorBackoff < o.ErrorBackoff {
			o.MaxErrorBackoff = o.ErrorBackoff
		}
	}
	if o.PriorityStep <= 0 {
		o.PriorityStep = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue agenda jobs en un Store y los procesa con un único worker.
type Queue struct {
	store     Store
	deliverer Deliverer
	opts      Options
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, d Deliverer, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		store:     store,
		deliverer: d,
		opts:      opts,
		log:       logger.OrNamed(opts.Logger, "queue"),
	}
}

// Enqueue persiste un job nuevo y lo agenda. priority se acota a [0, 9];
// mayor prioridad se procesa antes a igual hora de encolado.
func (q *Queue) Enqueue(ctx context.Context, activity json.RawMessage, recipients []string, priority int) (string, error) {
	if len(activity) == 0 || !json.Valid(activity) {
		return "", fmt.Errorf("%w: activity is not valid JSON", ErrInvalid)
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("%w: no recipients", ErrInvalid)
	}
	priority = max(0, min(priority, MaxPriority))

	now := q.opts.Now()
	j := &Job{
		ID:          uuid.NewString(),
		Activity:    activity,
		Recipients:  append([]string(nil), recipients...),
		Priority:    priority,
		Status:      StatusPending,
		NextAttempt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Put(ctx, j); err != nil {
		return "", fmt.Errorf("%w: save job: %w", ErrQueue, err)
	}
	at := now.Add(-time.Duration(priority) * q.opts.PriorityStep)
	if err := q.store.Schedule(ctx, j.ID, at); err != nil {
		return "", fmt.Errorf("%w: schedule job: %w", ErrQueue, err)
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusPending)).Inc()
	q.log.Debug("delivery enqueued", logger.DeliveryID(j.ID), logger.Count(len(recipients)), logger.Int("priority", priority))
	return j.ID, nil
}

// Status devuelve el registro actual del job.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	j, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load job: %w", ErrQueue, err)
	}
	return j, nil
}

// ProcessDue procesa un lote de jobs vencidos y devuelve cuántos tomó.
// Los errores de un job se registran en el job; sólo los del store se devuelven.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	ids, err := q.store.Due(ctx, q.opts.Now(), q.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: due jobs: %w", ErrQueue, err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		q.process(ctx, id)
	}
	return len(ids), nil
}

func (q *Queue) process(ctx context.Context, id string) {
	log := q.log.With(logger.DeliveryID(id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery job panicked", zap.Any("panic", r))
			q.failJob(context.WithoutCancel(ctx), id, fmt.Sprintf("panic: %v", r))
		}
	}()

	j, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// índice huérfano
		_ = q.store.Unschedule(ctx, id)
		return
	}
	if err != nil {
		log.Warn("load job failed", logger.Err(err))
		return
	}
	if j.Status.Terminal() {
		_ = q.store.Unschedule(ctx, id)
		return
	}

	j.Status = StatusInProgress
	j.Attempts++
	j.UpdatedAt = q.opts.Now()
	if err := q.store.Put(ctx, j); err != nil {
		log.Warn("mark in_progress failed", logger.Err(err))
		return
	}
	metrics.QueueTransitions.WithLabelValues(string(StatusInProgress)).Inc()

	res := q.deliverer.DeliverExcluding(ctx, j.Activity, j.Recipients, j.Delivered)

	// el resultado se persiste aunque el contexto se haya cancelado
	wctx := context.WithoutCancel(ctx)
	now := q.opts.Now()
	j.addDelivered(res.Success)
	j.UpdatedAt = now

	if ctx.Err() != nil && !res.Delivered() {
		// apagado a mitad de la entrega: el intento no cuenta y el job
		// queda en el índice con su score original
		j.Attempts--
		j.Status = StatusPending
		if j.Attempts > 0 {
			j.Status = StatusRetrying
		}
		if err := q.store.Put(wctx, j); err != nil {
			log.Error("save interrupted job failed", logger.Err(err))
			return
		}
		metrics.QueueTransitions.WithLabelValues(string(j.Status)).Inc()
		log.Info("delivery interrupted by shutdown",
			logger.Attempt(j.Attempts),
			logger.Int("delivered", len(j.Delivered)))
		return
	}

	switch {
	case res.Delivered():
		j.Status = StatusCompleted
		j.Error = ""
	case j.Attempts >= q.opts.MaxAttempts:
		j.Status = StatusFailed
		j.Error = res.Error
	default:
		j.Status = StatusRetrying
		j.Error = res.Error
		j.NextAttempt = now.Add(backoff(j.Attempts))
	}

	if err := q.store.Put(wctx, j); err != nil {
		log.Error("save job result failed", logger.Err(err))
		return
	}
	if j.Status == StatusRetrying {
		err = q.store.Schedule(wctx, j.ID, j.NextAttempt)
	} else {
		err = q.store.Unschedule(wctx, j.ID)
	}
	if err != nil {
		log.Error("reschedule job failed", logger.Err(err))
	}
	metrics.QueueTransitions.WithLabelValues(string(j.Status)).Inc()

	log.Info("delivery job processed",
		logger.String("status", string(j.Status)),
		logger.Attempt(j.Attempts),
		logger.Int("delivered", len(j.Delivered)),
		logger.Int("failed", len(res.Failed)))
}

func (q *Queue) failJob(ctx context.Context, id, msg string) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return
	}
	j.UpdatedAt = q.opts.Now()
	j.Error = msg
	if j.Attempts >= q.opts.MaxAttempts {
		j.Status = StatusFailed
		_ = q.store.Unschedule(ctx, id)
	} else {
		j.Status = StatusRetrying
		j.NextAttempt = j.UpdatedAt.Add(backoff(j.Attempts))
		_ = q.store.Schedule(ctx, id, j.NextAttempt)
	}
	_ = q.store.Put(ctx, j)
	metrics.QueueTransitions.WithLabelValues(string(j.Status)).Inc()
}

// backoff: 2^attempts minutos.
func backoff(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	return time.Duration(1<<uint(attempts)) * time.Minute
}

// Start lanza el worker en background. Llamadas repetidas no hacen nada.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
}

// Close detiene el worker, espera el job en curso y cierra el store.
func (q *Queue) Close() error {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return q.store.Close()
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	errDelay := time.Duration(0)
	for {
		wait := q.opts.PollInterval
		n, err := q.ProcessDue(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			if errDelay == 0 {
				errDelay = q.opts.ErrorBackoff
			} else {
				errDelay = min(errDelay*2, q.opts.MaxErrorBackoff)
			}
			metrics.QueueLoopErrors.Inc()
			q.log.Error("queue poll failed", logger.Err(err), logger.Duration(errDelay))
			wait = errDelay
		default:
			errDelay = 0
			if n >= q.opts.BatchSize {
				// lote lleno: puede haber más vencidos
				wait = 0
			}
		}

		if wait == 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
