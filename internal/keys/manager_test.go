package keys

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testPolicy() RotationPolicy {
	// 1024 bits para que los tests sean rápidos
	return RotationPolicy{RotationInterval: 30 * 24 * time.Hour, Overlap: 48 * time.Hour, KeySize: 1024}
}

func newTestManager(t *testing.T, store Store, clk *fakeClock) *Manager {
	t.Helper()
	m, err := New(context.Background(), Options{
		Domain: "social.example",
		Policy: testPolicy(),
		Store:  store,
		Logger: zap.NewNop(),
		Now:    clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNew_GeneratesInitialKey(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, NewMemoryStore(), clk)

	k, err := m.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, "https://social.example/keys/1700000000", k.KeyID)
	assert.Equal(t, "social_example_1700000000", k.Name)
	assert.Equal(t, clk.Now().Add(30*24*time.Hour).Unix(), k.ExpiresAt.Unix())
	assert.Len(t, m.Keys(), 1)
}

func TestRotateKeys_OverlapThenArchive(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	m := newTestManager(t, store, clk)

	old, err := m.ActiveKey()
	require.NoError(t, err)

	clk.Advance(30*24*time.Hour + time.Hour) // vencida, dentro del overlap
	fresh, err := m.RotateKeys(context.Background())
	require.NoError(t, err)

	active, _ := m.ActiveKey()
	assert.Equal(t, fresh.KeyID, active.KeyID)
	assert.NotEqual(t, old.KeyID, active.KeyID)

	pub, err := m.ResolvePublicKey(context.Background(), old.KeyID)
	require.NoError(t, err, "old key must resolve during overlap")
	assert.Equal(t, old.PublicKey.N, pub.N)

	clk.Advance(48 * time.Hour)
	_, err = m.RotateKeys(context.Background())
	require.NoError(t, err)

	_, err = m.ResolvePublicKey(context.Background(), old.KeyID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, err, ErrKeyManagement)
	assert.Contains(t, store.Archived(), old.Name)
	assert.Len(t, m.Keys(), 2)
}

func TestGenerateKeyPair_SameSecondGetsDistinctID(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, NewMemoryStore(), clk)

	k2, err := m.GenerateKeyPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://social.example/keys/1700000001", k2.KeyID)

	active, _ := m.ActiveKey()
	assert.Equal(t, k2.KeyID, active.KeyID)
}

func TestRotateKeys_Announces(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	got := make(chan string, 1)
	m, err := New(context.Background(), Options{
		Domain: "social.example",
		Policy: testPolicy(),
		Store:  NewMemoryStore(),
		Logger: zap.NewNop(),
		Now:    clk.Now,
		Announcer: AnnouncerFunc(func(_ context.Context, k *KeyPair) error {
			got <- k.KeyID
			return nil
		}),
	})
	require.NoError(t, err)
	defer m.Close()

	k, err := m.RotateKeys(context.Background())
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, k.KeyID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("announcer not called")
	}
}

func TestTick_RotatesNearExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, NewMemoryStore(), clk)
	first, _ := m.ActiveKey()

	require.NoError(t, m.tick(context.Background()))
	same, _ := m.ActiveKey()
	assert.Equal(t, first.KeyID, same.KeyID, "no rotation far from expiry")

	clk.Advance(29*24*time.Hour + time.Hour) // vence en 23h
	require.NoError(t, m.tick(context.Background()))
	rotated, _ := m.ActiveKey()
	assert.NotEqual(t, first.KeyID, rotated.KeyID)
}

func TestFileStore_PersistSealedAndReload(t *testing.T) {
	dir := t.TempDir()
	box, err := secretbox.New("test passphrase")
	require.NoError(t, err)
	store, err := NewFileStore(dir, box)
	require.NoError(t, err)

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, store, clk)
	k, _ := m.ActiveKey()

	for _, f := range []string{k.Name + "_private.pem", k.Name + "_public.pem", k.Name + ".json"} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	raw, err := os.ReadFile(filepath.Join(dir, k.Name+"_private.pem"))
	require.NoError(t, err)
	assert.True(t, secretbox.IsSealed(raw), "private key must be sealed at rest")

	// reinicio: misma clave, sin generar otra
	m2 := newTestManager(t, store, clk)
	k2, err := m2.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, k.KeyID, k2.KeyID)
	assert.Zero(t, k.PrivateKey.D.Cmp(k2.PrivateKey.D))
	assert.Len(t, m2.Keys(), 1)
}

func TestNew_ArchivesStaleKeysOnLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, store, clk)
	old, _ := m.ActiveKey()
	require.NoError(t, m.Close())

	clk.Advance(40 * 24 * time.Hour)
	m2 := newTestManager(t, store, clk)
	fresh, err := m2.ActiveKey()
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, fresh.KeyID)
	assert.Len(t, m2.Keys(), 1)

	_, err = os.Stat(filepath.Join(dir, "archive", old.Name+".json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, old.Name+"_private.pem"))
	assert.True(t, os.IsNotExist(err))
}

func TestNew_RequiresDomainAndStore(t *testing.T) {
	_, err := New(context.Background(), Options{Store: NewMemoryStore()})
	assert.ErrorIs(t, err, ErrKeyManagement)
	_, err = New(context.Background(), Options{Domain: "x.example"})
	assert.ErrorIs(t, err, ErrKeyManagement)
}

func TestStartClose(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, NewMemoryStore(), clk)
	m.Start(context.Background())
	m.Start(context.Background())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

type panickyStore struct {
	*MemoryStore
	panics atomic.Bool
	saves  atomic.Int32
}

func (s *panickyStore) Save(ctx context.Context, k *KeyPair) error {
	if s.panics.Load() {
		s.saves.Add(1)
		panic("disk on fire")
	}
	return s.MemoryStore.Save(ctx, k)
}

func TestLoop_SurvivesStorePanic(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	st := &panickyStore{MemoryStore: NewMemoryStore()}
	m, err := New(context.Background(), Options{
		Domain:        "social.example",
		Policy:        testPolicy(),
		Store:         st,
		Logger:        zap.NewNop(),
		Now:           clk.Now,
		CheckInterval: 5 * time.Millisecond,
		ErrorCooldown: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	first, err := m.ActiveKey()
	require.NoError(t, err)

	err = m.safeTick(context.Background())
	assert.NoError(t, err)

	st.panics.Store(true)
	clk.Advance(30 * 24 * time.Hour)

	err = m.safeTick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyManagement)
	assert.Contains(t, err.Error(), "disk on fire")

	m.Start(context.Background())
	require.Eventually(t, func() bool { return st.saves.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	// el loop sigue vivo: al recuperarse el store rota
	st.panics.Store(false)
	require.Eventually(t, func() bool {
		k, err := m.ActiveKey()
		return err == nil && k.KeyID != first.KeyID
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
}
