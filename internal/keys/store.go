package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/util/atomicwrite"
)

// Store persiste pares de claves. Archive nunca borra: mueve la clave fuera
// del set cargable.
type Store interface {
	Save(ctx context.Context, k *KeyPair) error
	LoadAll(ctx context.Context) ([]*KeyPair, error)
	Archive(ctx context.Context, name string) error
}

const archiveDir = "archive"

// metadata es el contenido de {name}.json
type metadata struct {
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Name      string    `json:"name"`
}

// FileStore guarda cada clave como tres artefactos en dir:
// {name}_private.pem, {name}_public.pem y {name}.json.
// Garantías:
// - Escritura atómica: write tmp → fsync → rename
// - Si box != nil, el PEM privado se guarda sellado (AES-GCM)
// - Archive mueve los tres archivos a dir/archive/
type FileStore struct {
	dir string
	box *secretbox.Box
	mu  sync.Mutex
}

// NewFileStore crea el directorio si no existe. box puede ser nil.
func NewFileStore(dir string, box *secretbox.Box) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	return &FileStore{dir: dir, box: box}, nil
}

func (s *FileStore) paths(name string) (priv, pub, meta string) {
	return filepath.Join(s.dir, name+"_private.pem"),
		filepath.Join(s.dir, name+"_public.pem"),
		filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Save(_ context.Context, k *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	privPEM, err := k.PrivateKeyPEM()
	if err != nil {
		return err
	}
	if s.box != nil {
		sealed, err := s.box.Seal(privPEM)
		if err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		privPEM = []byte(sealed)
	}
	pubPEM, err := k.PublicKeyPEM()
	if err != nil {
		return err
	}
	meta, err := json.MarshalIndent(metadata{
		KeyID:     k.KeyID,
		CreatedAt: k.CreatedAt.UTC(),
		ExpiresAt: k.ExpiresAt.UTC(),
		Name:      k.Name,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	privPath, pubPath, metaPath := s.paths(k.Name)
	if err := atomicwrite.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := atomicwrite.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	// metadata al final: sin .json la clave no se carga
	if err := atomicwrite.WriteFile(metaPath, meta, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *FileStore) LoadAll(_ context.Context) ([]*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read keys dir: %w", err)
	}
	var out []*KeyPair
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		k, err := s.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) load(name string) (*KeyPair, error) {
	privPath, _, metaPath := s.paths(name)

	b, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	var m metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	if secretbox.IsSealed(privPEM) {
		if s.box == nil {
			return nil, errors.New("private key is sealed but no master key configured")
		}
		if privPEM, err = s.box.Open(string(privPEM)); err != nil {
			return nil, fmt.Errorf("open private key: %w", err)
		}
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if m.Name == "" {
		m.Name = name
	}
	return &KeyPair{
		KeyID:      m.KeyID,
		Name:       m.Name,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}, nil
}

func (s *FileStore) Archive(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := filepath.Join(s.dir, archiveDir)
	privPath, pubPath, metaPath := s.paths(name)
	// .json primero: una clave a medio archivar no se vuelve a cargar
	for _, p := range []string{metaPath, privPath, pubPath} {
		if err := atomicwrite.MoveFile(p, filepath.Join(dst, filepath.Base(p))); err != nil {
			return fmt.Errorf("archive %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// MemoryStore es un Store en memoria (tests, entornos efímeros).
type MemoryStore struct {
	mu       sync.Mutex
	keys     map[string]*KeyPair
	archived map[string]*KeyPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[string]*KeyPair{}, archived: map[string]*KeyPair{}}
}

func (s *MemoryStore) Save(_ context.Context, k *KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.Name] = &cp
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*KeyPair, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[name]; ok {
		s.archived[name] = k
		delete(s.keys, name)
	}
	return nil
}

// Archived devuelve los nombres archivados.
func (s *MemoryStore) Archived() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.archived))
	for n := range s.archived {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
