package httpsig

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

var ErrVerification = errors.New("signature verification failed")

// KeyResolver resuelve un keyId a su clave pública.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

// ResolverFunc adapta una función a KeyResolver.
type ResolverFunc func(ctx context.Context, keyID string) (*rsa.PublicKey, error)

func (f ResolverFunc) ResolvePublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	return f(ctx, keyID)
}

// Verifier valida firmas entrantes.
type Verifier struct {
	resolver KeyResolver
	skew     time.Duration
	now      func() time.Time
	log      *zap.Logger
}

type VerifierOption func(*Verifier)

// WithClockSkew cambia la tolerancia del header Date (default 5m).
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.skew = d }
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func WithVerifierLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.log = l }
}

func NewVerifier(r KeyResolver, opts ...VerifierOption) *Verifier {
	v := &Verifier{resolver: r, skew: 5 * time.Minute, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	v.log = logger.OrNamed(v.log, "httpsig")
	return v
}

// Verify informa si la firma es válida. Nunca devuelve error ni hace panic;
// la razón del rechazo queda en el log (debug). Ver Check.
func (v *Verifier) Verify(ctx context.Context, method, path string, header http.Header, body []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("panic verifying signature", zap.Any("panic", r))
			ok = false
		}
	}()
	err := v.Check(ctx, method, path, header, body)
	if err != nil {
		v.log.Debug("signature rejected", logger.Method(method), logger.Path(path), logger.Err(err))
	}
	return err == nil
}

// Check verifica y devuelve la razón del rechazo envuelta en ErrVerification.
// Con body vacío o nil el Digest solo se valida si viene en el request.
func (v *Verifier) Check(ctx context.Context, method, path string, header http.Header, body []byte) error {
	err := v.check(ctx, method, path, header, body)
	if err != nil {
		metrics.Verifications.WithLabelValues("rejected").Inc()
		if !errors.Is(err, ErrVerification) {
			err = fmt.Errorf("%w: %v", ErrVerification, err)
		}
		return err
	}
	metrics.Verifications.WithLabelValues("ok").Inc()
	return nil
}

func (v *Verifier) check(ctx context.Context, method, path string, header http.Header, body []byte) error {
	raw := header.Get("Signature")
	if raw == "" {
		if a := header.Get("Authorization"); len(a) > 10 && strings.EqualFold(a[:10], "signature ") {
			raw = a[10:]
		}
	}
	if raw == "" {
		return errors.New("missing Signature header")
	}
	p, err := ParseSignature(raw)
	if err != nil {
		return err
	}
	if p.Algorithm != "" && p.Algorithm != AlgorithmRSASHA256 && p.Algorithm != AlgorithmHS2019 {
		return fmt.Errorf("unsupported algorithm %q", p.Algorithm)
	}

	if v.resolver == nil {
		return errors.New("no key resolver configured")
	}

	// un Date fuera de la firma se puede reemplazar: replay
	if !declared(p.Headers, "date") {
		return errors.New("date not covered by signature")
	}
	date := header.Get("Date")
	if date == "" {
		return errors.New("missing Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("invalid Date header: %v", err)
	}
	if d := v.now().Sub(t); d > v.skew || d < -v.skew {
		return fmt.Errorf("date outside allowed skew (%s)", d.Round(time.Second))
	}

	switch {
	case len(body) > 0:
		if !declared(p.Headers, "digest") {
			return errors.New("digest not covered by signature")
		}
		if err := checkDigest(header.Values("Digest"), body); err != nil {
			return err
		}
	case len(header.Values("Digest")) > 0 && declared(p.Headers, "digest"):
		if err := checkDigest(header.Values("Digest"), body); err != nil {
			return err
		}
	}

	str, err := signingString(method, path, p.Headers, header)
	if err != nil {
		return err
	}

	pub, err := v.resolver.ResolvePublicKey(ctx, p.KeyID)
	if err != nil {
		return fmt.Errorf("resolve key %s: %v", p.KeyID, err)
	}
	if err := jwt.SigningMethodRS256.Verify(str, p.Signature, pub); err != nil {
		return fmt.Errorf("bad signature: %v", err)
	}
	return nil
}

func declared(hs []string, name string) bool {
	for _, h := range hs {
		if h == name {
			return true
		}
	}
	return false
}

// checkDigest compara contra los bytes tal como llegaron.
func checkDigest(values []string, body []byte) error {
	want := Digest(body)[len("SHA-256="):]
	found := false
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			alg, val, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || !strings.EqualFold(alg, "SHA-256") {
				continue
			}
			found = true
			if subtle.ConstantTimeCompare([]byte(val), []byte(want)) == 1 {
				return nil
			}
		}
	}
	if !found {
		return errors.New("missing SHA-256 Digest header")
	}
	return errors.New("digest mismatch")
}
