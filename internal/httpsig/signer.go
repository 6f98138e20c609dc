package httpsig

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/hellofed/internal/keys"
)

var ErrSignature = errors.New("signature error")

// KeySource entrega la clave activa con la que se firma.
type KeySource interface {
	ActiveKey() (*keys.KeyPair, error)
}

// Signer firma requests salientes.
type Signer struct {
	keys KeySource
	now  func() time.Time
}

// SignerOption configura un Signer.
type SignerOption func(*Signer)

// WithSignerClock fija el reloj usado para el header Date.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

func NewSigner(src KeySource, opts ...SignerOption) *Signer {
	s := &Signer{keys: src, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sign devuelve una copia de header con Date (si faltaba), Digest y
// Signature. header debe traer Host. body nil significa "sin cuerpo"; en ese
// caso header debe traer Digest propio.
func (s *Signer) Sign(method, path string, header http.Header, body []byte) (http.Header, error) {
	out := header.Clone()
	if out == nil {
		out = http.Header{}
	}

	if out.Get("Date") == "" {
		out.Set("Date", s.now().UTC().Format(http.TimeFormat))
	}
	if body != nil {
		payload := body
		if len(body) > 0 {
			c, err := Canonicalize(body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSignature, err)
			}
			payload = c
		}
		out.Set("Digest", Digest(payload))
	}

	str, err := signingString(method, path, DefaultHeaders, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	k, err := s.keys.ActiveKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	sig, err := jwt.SigningMethodRS256.Sign(str, k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrSignature, err)
	}

	out.Set("Signature", Parameters{
		KeyID:     k.KeyID,
		Algorithm: AlgorithmRSASHA256,
		Headers:   DefaultHeaders,
		Signature: sig,
	}.String())
	return out, nil
}
