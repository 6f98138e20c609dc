// Package secretbox sella secretos pequeños (PEMs de claves privadas) con
// AES-256-GCM. El formato es base64(nonce)|base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSizeGCM      = 12 // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength = 32 // AES-256
	sep               = "|"
	hkdfInfo          = "hellofed/secretbox/v1"
)

var ErrInvalidFormat = errors.New("secretbox: formato inválido, esperado base64(nonce)|base64(ciphertext)")

// Box cifra y descifra con una clave fija.
type Box struct {
	aead cipher.AEAD
}

// New construye un Box desde la clave maestra. Acepta base64 (std o raw),
// hex de 64 chars o 32 bytes crudos; cualquier otro valor no vacío se trata
// como passphrase y se deriva con HKDF-SHA256.
func New(key string) (*Box, error) {
	k, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// ParseKey resuelve la clave de 32 bytes a partir de su representación.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("secretbox: clave vacía; genere una con: hellofed keys gen-master-key")
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(key); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(key) == 64 {
		if h, err := hex.DecodeString(key); err == nil {
			return h, nil
		}
	}
	if len(key) == requiredKeyLength {
		return []byte(key), nil
	}

	out := make([]byte, requiredKeyLength)
	r := hkdf.New(sha256.New, []byte(key), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// GenerateKey devuelve una clave aleatoria de 32 bytes en base64.
func GenerateKey() (string, error) {
	k := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

// Seal cifra plain y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Seal(plain []byte) (string, error) {
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	ct := b.aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open descifra un valor producido por Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(sealed), sep)
	if len(parts) != 2 {
		return nil, ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(nonce) != nonceSizeGCM {
		return nil, fmt.Errorf("nonce inválido: esperado %d bytes, obtuvo %d", nonceSizeGCM, len(nonce))
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm auth/decrypt: %w", err)
	}
	return pt, nil
}

// IsSealed indica si data tiene la forma de un valor sellado (no un PEM).
func IsSealed(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return !strings.HasPrefix(s, "-----BEGIN") && strings.Count(s, sep) == 1
}
