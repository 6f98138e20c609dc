package httpsig

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/golang-jwt/jwt/v5"
)

// ErrKeyUnavailable indica que el keyId no pudo resolverse a una clave RSA.
var ErrKeyUnavailable = errors.New("public key unavailable")

// CachingResolver cachea claves públicas por keyId y colapsa resoluciones
// concurrentes del mismo keyId en una sola llamada a next.
type CachingResolver struct {
	next  KeyResolver
	cache *gocache.Cache
	group singleflight.Group
}

func NewCachingResolver(next KeyResolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingResolver{next: next, cache: gocache.New(ttl, 10*time.Minute)}
}

func (c *CachingResolver) ResolvePublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if v, ok := c.cache.Get(keyID); ok {
		return v.(*rsa.PublicKey), nil
	}
	v, err, _ := c.group.Do(keyID, func() (any, error) {
		k, err := c.next.ResolvePublicKey(ctx, keyID)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(keyID, k)
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

// Invalidate descarta la clave cacheada (p.ej. tras una verificación fallida
// por rotación remota).
func (c *CachingResolver) Invalidate(keyID string) {
	c.cache.Delete(keyID)
}

// Chain prueba cada resolver en orden y devuelve el primero que resuelve.
type Chain []KeyResolver

func (ch Chain) ResolvePublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	var errs []error
	for _, r := range ch {
		k, err := r.ResolvePublicKey(ctx, keyID)
		if err == nil {
			return k, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrKeyUnavailable
	}
	return nil, errors.Join(errs...)
}

const maxKeyDocument = 1 << 20

// RemoteResolver hace GET al keyId y acepta un PEM plano o un documento de
// actor con publicKey.publicKeyPem.
type RemoteResolver struct {
	Client    *http.Client
	UserAgent string
}

type publicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func (r *RemoteResolver) ResolvePublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/x-pem-file`)
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrKeyUnavailable, keyID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: status %d", ErrKeyUnavailable, keyID, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDocument))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyUnavailable, keyID, err)
	}

	pemBytes, err := extractPEM(b, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, keyID, err)
	}
	k, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, keyID, err)
	}
	return k, nil
}

func extractPEM(b []byte, keyID string) ([]byte, error) {
	trimmed := bytes.TrimSpace(b)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return trimmed, nil
	}

	var doc struct {
		publicKeyDoc
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode key document: %w", err)
	}
	if doc.PublicKeyPem != "" {
		return []byte(doc.PublicKeyPem), nil
	}

	var candidates []publicKeyDoc
	var one publicKeyDoc
	if err := json.Unmarshal(doc.PublicKey, &one); err == nil {
		candidates = append(candidates, one)
	} else if err := json.Unmarshal(doc.PublicKey, &candidates); err != nil {
		return nil, errors.New("document has no publicKey")
	}
	for _, c := range candidates {
		if c.ID == keyID && c.PublicKeyPem != "" {
			return []byte(c.PublicKeyPem), nil
		}
	}
	for _, c := range candidates {
		if c.PublicKeyPem != "" {
			return []byte(c.PublicKeyPem), nil
		}
	}
	return nil, errors.New("document has no publicKeyPem")
}
