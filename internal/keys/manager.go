package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Announcer recibe la clave nueva después de cada rotación (p.ej. para
// publicar un Update del actor). Se invoca en su propia goroutine y sus
// errores sólo se loguean.
type Announcer interface {
	AnnounceKeyRotation(ctx context.Context, k *KeyPair) error
}

// AnnouncerFunc adapta una función a Announcer.
type AnnouncerFunc func(ctx context.Context, k *KeyPair) error

func (f AnnouncerFunc) AnnounceKeyRotation(ctx context.Context, k *KeyPair) error {
	return f(ctx, k)
}

// Options configura un Manager.
type Options struct {
	Domain string
	Policy RotationPolicy
	Store  Store

	// Loop de rotación. Defaults: chequeo cada 24h, rota si la clave activa
	// vence en menos de 24h, 1h de espera tras un error.
	CheckInterval time.Duration
	RotateBefore  time.Duration
	ErrorCooldown time.Duration

	Announcer Announcer
	Logger    *zap.Logger

	Now    func() time.Time
	Random io.Reader
}

// Manager mantiene el set de claves de un dominio. La clave activa es la
// más reciente; las anteriores siguen resolviendo hasta ExpiresAt+Overlap.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu   sync.RWMutex
	keys []*KeyPair // orden ascendente por CreatedAt

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	announce sync.WaitGroup
}

// New carga las claves persistidas, archiva las que pasaron su overlap y
// genera una si no queda ninguna sin vencer.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrKeyManagement)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrKeyManagement)
	}
	def := DefaultPolicy()
	if opts.Policy.RotationInterval <= 0 {
		opts.Policy.RotationInterval = def.RotationInterval
	}
	if opts.Policy.Overlap < 0 {
		opts.Policy.Overlap = 0
	}
	if opts.Policy.KeySize == 0 {
		opts.Policy.KeySize = def.KeySize
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 24 * time.Hour
	}
	if opts.RotateBefore <= 0 {
		opts.RotateBefore = 24 * time.Hour
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}

	m := &Manager{
		opts: opts,
		log:  logger.OrNamed(opts.Logger, "keys").With(logger.Domain(opts.Domain)),
	}
	if err := m.init(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) init(ctx context.Context) error {
	loaded, err := m.opts.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load keys: %v", ErrKeyManagement, err)
	}

	now := m.opts.Now()
	var keep []*KeyPair
	for _, k := range loaded {
		if k.Resolvable(now, m.opts.Policy.Overlap) {
			keep = append(keep, k)
			continue
		}
		if err := m.opts.Store.Archive(ctx, k.Name); err != nil {
			return fmt.Errorf("%w: archive %s: %v", ErrKeyManagement, k.Name, err)
		}
		m.log.Info("archived expired key", logger.KeyID(k.KeyID))
	}

	m.mu.Lock()
	m.keys = keep
	m.mu.Unlock()

	hasUnexpired := false
	for _, k := range keep {
		if !k.Expired(now) {
			hasUnexpired = true
			break
		}
	}
	if !hasUnexpired {
		k, err := m.GenerateKeyPair(ctx)
		if err != nil {
			return err
		}
		m.log.Info("generated initial signing key", logger.KeyID(k.KeyID))
	}
	m.updateGauge()
	m.log.Info("key manager initialized", logger.Count(m.count()))
	return nil
}

// GenerateKeyPair crea, persiste y agrega una clave nueva al set.
func (m *Manager) GenerateKeyPair(ctx context.Context) (*KeyPair, error) {
	// RSA es lento: generar fuera del lock
	priv, err := rsa.GenerateKey(m.opts.Random, m.opts.Policy.KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: generate rsa key: %v", ErrKeyManagement, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.opts.Now().Unix()
	if n := len(m.keys); n > 0 {
		if last := m.keys[n-1].CreatedAt.Unix(); ts <= last {
			ts = last + 1
		}
	}
	created := time.Unix(ts, 0).UTC()
	k := &KeyPair{
		KeyID:      KeyIDFor(m.opts.Domain, ts),
		Name:       fmt.Sprintf("%s_%d", SafeName(m.opts.Domain), ts),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  created,
		ExpiresAt:  created.Add(m.opts.Policy.RotationInterval),
	}
	if err := m.opts.Store.Save(ctx, k); err != nil {
		return nil, fmt.Errorf("%w: save key: %v", ErrKeyManagement, err)
	}
	m.keys = append(m.keys, k)
	return k, nil
}

// RotateKeys genera una clave nueva, archiva las que pasaron su overlap y
// notifica al Announcer.
func (m *Manager) RotateKeys(ctx context.Context) (*KeyPair, error) {
	k, err := m.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.archiveExpired(ctx); err != nil {
		return nil, err
	}
	metrics.KeyRotations.Inc()
	m.updateGauge()
	m.log.Info("rotated signing key", logger.KeyID(k.KeyID), logger.Time("expires_at", k.ExpiresAt))

	if a := m.opts.Announcer; a != nil {
		m.announce.Add(1)
		go func() {
			defer m.announce.Done()
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := a.AnnounceKeyRotation(actx, k); err != nil {
				m.log.Warn("key rotation announcement failed", logger.KeyID(k.KeyID), logger.Err(err))
			}
		}()
	}
	return k, nil
}

func (m *Manager) archiveExpired(ctx context.Context) error {
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.keys[:0:0]
	var firstErr error
	for _, k := range m.keys {
		if k.Resolvable(now, m.opts.Policy.Overlap) || firstErr != nil {
			keep = append(keep, k)
			continue
		}
		if err := m.opts.Store.Archive(ctx, k.Name); err != nil {
			firstErr = fmt.Errorf("%w: archive %s: %v", ErrKeyManagement, k.Name, err)
			keep = append(keep, k)
			continue
		}
		m.log.Info("archived expired key", logger.KeyID(k.KeyID))
	}
	m.keys = keep
	return firstErr
}

// ActiveKey devuelve la clave más reciente del set.
func (m *Manager) ActiveKey() (*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keys) == 0 {
		return nil, ErrNoActiveKey
	}
	return m.keys[len(m.keys)-1], nil
}

// Lookup busca una clave por keyId mientras siga siendo resoluble.
func (m *Manager) Lookup(keyID string) (*KeyPair, bool) {
	now := m.opts.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.keys) - 1; i >= 0; i-- {
		k := m.keys[i]
		if k.KeyID == keyID && k.Resolvable(now, m.opts.Policy.Overlap) {
			return k, true
		}
	}
	return nil, false
}

// ResolvePublicKey resuelve una clave local propia por keyId.
func (m *Manager) ResolvePublicKey(_ context.Context, keyID string) (*rsa.PublicKey, error) {
	if k, ok := m.Lookup(keyID); ok {
		return k.PublicKey, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
}

// Keys devuelve una copia del set actual (más vieja primero).
func (m *Manager) Keys() []*KeyPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyPair, len(m.keys))
	copy(out, m.keys)
	return out
}

// Domain es el dominio dueño de las claves.
func (m *Manager) Domain() string { return m.opts.Domain }

// Policy devuelve la política efectiva.
func (m *Manager) Policy() RotationPolicy { return m.opts.Policy }

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

func (m *Manager) updateGauge() {
	metrics.SigningKeys.Set(float64(m.count()))
}
