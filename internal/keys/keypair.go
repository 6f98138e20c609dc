// Package keys administra la identidad de firma del dominio: genera pares RSA,
// los persiste, los rota y archiva los que superaron su ventana de overlap.
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrKeyManagement = errors.New("key management error")
	ErrNoActiveKey   = fmt.Errorf("%w: no active signing key", ErrKeyManagement)
	ErrKeyNotFound   = fmt.Errorf("%w: key not found", ErrKeyManagement)
)

// RotationPolicy define cada cuánto se rota y cuánto sigue verificando una
// clave vencida.
type RotationPolicy struct {
	RotationInterval time.Duration
	Overlap          time.Duration
	KeySize          int
}

// DefaultPolicy: 30 días, 2 días de overlap, RSA 2048.
func DefaultPolicy() RotationPolicy {
	return RotationPolicy{
		RotationInterval: 30 * 24 * time.Hour,
		Overlap:          2 * 24 * time.Hour,
		KeySize:          2048,
	}
}

// KeyPair es una clave de firma con su metadata.
type KeyPair struct {
	KeyID      string
	Name       string // base de los artefactos: {domain}_{unix}
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired indica si la clave ya no debe usarse para firmar.
func (k *KeyPair) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// Resolvable indica si la clave todavía sirve para verificar.
func (k *KeyPair) Resolvable(now time.Time, overlap time.Duration) bool {
	return now.Before(k.ExpiresAt.Add(overlap))
}

// PublicKeyPEM codifica la clave pública en PKIX PEM.
func (k *KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivateKeyPEM codifica la clave privada en PKCS#8 PEM.
func (k *KeyPair) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// SafeName convierte un dominio en un prefijo apto para nombres de archivo.
func SafeName(domain string) string {
	return strings.NewReplacer(":", "_", "/", "_", ".", "_").Replace(domain)
}

// KeyIDFor arma el keyId publicado para un dominio y timestamp.
func KeyIDFor(domain string, unix int64) string {
	return fmt.Sprintf("https://%s/keys/%d", domain, unix)
}
