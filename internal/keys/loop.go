package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Start lanza el loop de rotación en background. Llamadas repetidas no hacen nada.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Close detiene el loop y espera a que terminen los anuncios pendientes.
func (m *Manager) Close() error {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.announce.Wait()
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := m.opts.CheckInterval
		if err := m.safeTick(ctx); err != nil {
			m.log.Error("key rotation check failed", logger.Err(err), logger.Duration(m.opts.ErrorCooldown))
			wait = m.opts.ErrorCooldown
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

// safeTick convierte un panic del store en error para que el loop siga vivo.
func (m *Manager) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrKeyManagement, r)
		}
	}()
	return m.tick(ctx)
}

// tick rota si la clave activa vence dentro de RotateBefore; si no, sólo
// archiva las claves que ya pasaron su overlap.
func (m *Manager) tick(ctx context.Context) error {
	active, err := m.ActiveKey()
	if err != nil || !m.opts.Now().Add(m.opts.RotateBefore).Before(active.ExpiresAt) {
		_, err := m.RotateKeys(ctx)
		return err
	}
	if err := m.archiveExpired(ctx); err != nil {
		return err
	}
	m.updateGauge()
	return nil
}
