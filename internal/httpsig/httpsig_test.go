package httpsig

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/keys"
)

var (
	testKeyOnce sync.Once
	testKey     *keys.KeyPair
)

func fixtureKey(t *testing.T) *keys.KeyPair {
	t.Helper()
	testKeyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = &keys.KeyPair{
			KeyID:      "https://a.example/keys/1700000000",
			PrivateKey: priv,
			PublicKey:  &priv.PublicKey,
		}
	})
	return testKey
}

type staticKeys struct{ k *keys.KeyPair }

func (s staticKeys) ActiveKey() (*keys.KeyPair, error) {
	if s.k == nil {
		return nil, keys.ErrNoActiveKey
	}
	return s.k, nil
}

func localResolver(k *keys.KeyPair) KeyResolver {
	return ResolverFunc(func(_ context.Context, id string) (*rsa.PublicKey, error) {
		if id != k.KeyID {
			return nil, ErrKeyUnavailable
		}
		return k.PublicKey, nil
	})
}

var signedAt = time.Date(2024, 6, 7, 20, 51, 35, 0, time.UTC)

const activity = `{"type":"Create","actor":"https://a.example/users/alice","object":{"content":"<p>hi</p>","n":1.50}}`

func baseHeader() http.Header {
	h := http.Header{}
	h.Set("Host", "b.example")
	h.Set("Content-Type", "application/activity+json")
	return h
}

func sign(t *testing.T, body []byte) http.Header {
	t.Helper()
	s := NewSigner(staticKeys{fixtureKey(t)}, WithSignerClock(func() time.Time { return signedAt }))
	h, err := s.Sign(http.MethodPost, "/inbox", baseHeader(), body)
	require.NoError(t, err)
	return h
}

func verifierAt(t *testing.T, now time.Time) *Verifier {
	return NewVerifier(localResolver(fixtureKey(t)),
		WithVerifierClock(func() time.Time { return now }),
		WithVerifierLogger(zap.NewNop()))
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize([]byte(`{ "b": 1, "a": {"z": "<x>", "y": [3, 1.50]} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,1.50],"z":"<x>"},"b":1}`, string(got))

	again, err := Canonicalize(got)
	require.NoError(t, err)
	assert.Equal(t, string(got), string(again))

	_, err = Canonicalize([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestSign_DeterministicAndFormatted(t *testing.T) {
	body, err := Canonicalize([]byte(activity))
	require.NoError(t, err)
	h1 := sign(t, body)
	h2 := sign(t, []byte(activity)) // se canonicaliza igual

	assert.Equal(t, h1.Get("Signature"), h2.Get("Signature"))
	assert.Equal(t, Digest(body), h1.Get("Digest"))
	assert.Equal(t, "Fri, 07 Jun 2024 20:51:35 GMT", h1.Get("Date"))

	sig := h1.Get("Signature")
	assert.True(t, strings.HasPrefix(sig, `keyId="https://a.example/keys/1700000000",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="`), sig)
}

func TestSign_DoesNotMutateInput(t *testing.T) {
	in := baseHeader()
	s := NewSigner(staticKeys{fixtureKey(t)})
	_, err := s.Sign(http.MethodPost, "/inbox", in, []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, in.Get("Signature"))
	assert.Empty(t, in.Get("Date"))
}

func TestSign_Errors(t *testing.T) {
	s := NewSigner(staticKeys{fixtureKey(t)})

	_, err := s.Sign(http.MethodPost, "/inbox", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrSignature, "missing host")

	_, err = s.Sign(http.MethodPost, "/inbox", baseHeader(), nil)
	assert.ErrorIs(t, err, ErrSignature, "missing digest without body")

	_, err = s.Sign(http.MethodPost, "/inbox", baseHeader(), []byte(`not json`))
	assert.ErrorIs(t, err, ErrSignature)

	_, err = NewSigner(staticKeys{}).Sign(http.MethodPost, "/inbox", baseHeader(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrSignature)
	assert.ErrorIs(t, err, keys.ErrNoActiveKey)
}

func TestVerify_RoundTripAndTamper(t *testing.T) {
	body, _ := Canonicalize([]byte(activity))
	h := sign(t, body)
	v := verifierAt(t, signedAt)
	ctx := context.Background()

	require.NoError(t, v.Check(ctx, http.MethodPost, "/inbox", h, body))
	assert.True(t, v.Verify(ctx, "post", "/inbox", h, body), "method case does not matter")

	assert.False(t, v.Verify(ctx, http.MethodPut, "/inbox", h, body), "method")
	assert.False(t, v.Verify(ctx, http.MethodPost, "/other", h, body), "path")

	tampered := h.Clone()
	tampered.Set("Host", "c.example")
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", tampered, body), "host")

	noHost := h.Clone()
	noHost.Del("Host")
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", noHost, body), "declared header absent")

	badSig := h.Clone()
	badSig.Set("Signature", strings.Replace(h.Get("Signature"), `signature="`, `signature="AAAA`, 1))
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", badSig, body), "signature bytes")

	garbage := h.Clone()
	garbage.Set("Signature", `keyId="x",headers="date",signature="!!!"`)
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", garbage, body))
}

func TestVerify_DigestBinding(t *testing.T) {
	body, _ := Canonicalize([]byte(activity))
	h := sign(t, body)
	v := verifierAt(t, signedAt)
	ctx := context.Background()

	changed := append([]byte(nil), body...)
	changed[len(changed)-2] = '9'
	assert.NotEqual(t, Digest(body), Digest(changed))

	err := v.Check(ctx, http.MethodPost, "/inbox", h, changed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "digest mismatch")

	// digest recalculado pero firma vieja
	forged := h.Clone()
	forged.Set("Digest", Digest(changed))
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", forged, changed))

	noDigest := h.Clone()
	noDigest.Del("Digest")
	assert.False(t, v.Verify(ctx, http.MethodPost, "/inbox", noDigest, body))
}

func TestVerify_ClockSkew(t *testing.T) {
	body, _ := Canonicalize([]byte(activity))
	h := sign(t, body)
	ctx := context.Background()

	assert.True(t, verifierAt(t, signedAt.Add(4*time.Minute)).Verify(ctx, http.MethodPost, "/inbox", h, body))
	assert.False(t, verifierAt(t, signedAt.Add(6*time.Minute)).Verify(ctx, http.MethodPost, "/inbox", h, body))
	assert.False(t, verifierAt(t, signedAt.Add(-6*time.Minute)).Verify(ctx, http.MethodPost, "/inbox", h, body))

	noDate := h.Clone()
	noDate.Del("Date")
	assert.False(t, verifierAt(t, signedAt).Verify(ctx, http.MethodPost, "/inbox", noDate, body))
}

func TestVerify_UnknownKeyAndAlgorithm(t *testing.T) {
	body, _ := Canonicalize([]byte(activity))
	h := sign(t, body)
	ctx := context.Background()

	other := NewVerifier(ResolverFunc(func(context.Context, string) (*rsa.PublicKey, error) {
		return nil, ErrKeyUnavailable
	}), WithVerifierClock(func() time.Time { return signedAt }), WithVerifierLogger(zap.NewNop()))
	assert.False(t, other.Verify(ctx, http.MethodPost, "/inbox", h, body))

	hmac := h.Clone()
	hmac.Set("Signature", strings.Replace(h.Get("Signature"), "rsa-sha256", "hmac-sha256", 1))
	assert.False(t, verifierAt(t, signedAt).Verify(ctx, http.MethodPost, "/inbox", hmac, body))

	// nil resolver: no panic
	assert.False(t, NewVerifier(nil, WithVerifierClock(func() time.Time { return signedAt }), WithVerifierLogger(zap.NewNop())).
		Verify(ctx, http.MethodPost, "/inbox", h, body))
}

func TestParseSignature(t *testing.T) {
	p, err := ParseSignature(`keyId="https://x.example/u#main-key", algorithm="hs2019",headers="(request-target) host date",signature="AQID"`)
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/u#main-key", p.KeyID)
	assert.Equal(t, AlgorithmHS2019, p.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date"}, p.Headers)
	assert.Equal(t, []byte{1, 2, 3}, p.Signature)

	p, err = ParseSignature(`keyId="a,\"b\"",headers="date",signature="AQID"`)
	require.NoError(t, err)
	assert.Equal(t, `a,"b"`, p.KeyID)

	for _, bad := range []string{
		`headers="date",signature="AQID"`,
		`keyId="k",signature="AQID"`,
		`keyId="k",headers="date"`,
		`keyId="k,headers="date",signature="AQID"`,
		`keyId="k",keyId="j",headers="date",signature="AQID"`,
	} {
		_, err := ParseSignature(bad)
		assert.ErrorIs(t, err, ErrVerification, bad)
	}
}

// signWith firma a mano con la lista de headers dada.
func signWith(t *testing.T, k *keys.KeyPair, method, path string, hs []string, h http.Header) http.Header {
	t.Helper()
	str, err := signingString(method, path, hs, h)
	require.NoError(t, err)
	sig, err := jwt.SigningMethodRS256.Sign(str, k.PrivateKey)
	require.NoError(t, err)
	out := h.Clone()
	out.Set("Signature", Parameters{KeyID: k.KeyID, Algorithm: AlgorithmRSASHA256, Headers: hs, Signature: sig}.String())
	return out
}

func TestVerify_DateMustBeSigned(t *testing.T) {
	k := fixtureKey(t)
	h := signWith(t, k, http.MethodGet, "/users/alice", []string{RequestTarget, "host"}, baseHeader())

	// Date nuevo sobre una firma vieja
	later := signedAt.Add(24 * time.Hour)
	h.Set("Date", later.Format(http.TimeFormat))

	err := verifierAt(t, later).Check(context.Background(), http.MethodGet, "/users/alice", h, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "date not covered")
	assert.False(t, verifierAt(t, later).Verify(context.Background(), http.MethodGet, "/users/alice", h, nil))
}

func TestVerify_EmptyBodyGET(t *testing.T) {
	k := fixtureKey(t)
	ctx := context.Background()
	v := verifierAt(t, signedAt)

	h := baseHeader()
	h.Set("Date", signedAt.Format(http.TimeFormat))
	h = signWith(t, k, http.MethodGet, "/users/alice", []string{RequestTarget, "host", "date"}, h)

	require.NoError(t, v.Check(ctx, http.MethodGet, "/users/alice", h, nil))
	require.NoError(t, v.Check(ctx, http.MethodGet, "/users/alice", h, []byte{}))

	// con Digest del cuerpo vacío firmado por el Signer
	s := NewSigner(staticKeys{k}, WithSignerClock(func() time.Time { return signedAt }))
	signed, err := s.Sign(http.MethodGet, "/users/alice", baseHeader(), []byte{})
	require.NoError(t, err)
	require.NoError(t, v.Check(ctx, http.MethodGet, "/users/alice", signed, []byte{}))

	wrong := signed.Clone()
	wrong.Set("Digest", Digest([]byte("x")))
	assert.False(t, v.Verify(ctx, http.MethodGet, "/users/alice", wrong, []byte{}))
}

func TestVerify_NilResolver(t *testing.T) {
	body, _ := Canonicalize([]byte(activity))
	h := sign(t, body)
	v := NewVerifier(nil, WithVerifierClock(func() time.Time { return signedAt }), WithVerifierLogger(zap.NewNop()))

	var err error
	require.NotPanics(t, func() { err = v.Check(context.Background(), http.MethodPost, "/inbox", h, body) })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "no key resolver")
}

func TestVerify_AcrossRotation(t *testing.T) {
	ctx := context.Background()
	now := signedAt
	clk := func() time.Time { return now }

	km, err := keys.New(ctx, keys.Options{
		Domain: "a.example",
		Policy: keys.RotationPolicy{RotationInterval: 30 * 24 * time.Hour, Overlap: 48 * time.Hour, KeySize: 1024},
		Store:  keys.NewMemoryStore(),
		Logger: zap.NewNop(),
		Now:    clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })

	k1, err := km.ActiveKey()
	require.NoError(t, err)

	body, _ := Canonicalize([]byte(activity))
	s := NewSigner(km, WithSignerClock(clk))
	h, err := s.Sign(http.MethodPost, "/inbox", baseHeader(), body)
	require.NoError(t, err)
	assert.Contains(t, h.Get("Signature"), k1.KeyID)

	k2, err := km.RotateKeys(ctx)
	require.NoError(t, err)
	require.NotEqual(t, k1.KeyID, k2.KeyID)

	v := NewVerifier(km, WithVerifierClock(func() time.Time { return signedAt }), WithVerifierLogger(zap.NewNop()))
	require.NoError(t, v.Check(ctx, http.MethodPost, "/inbox", h, body))

	// la clave nueva firma y verifica
	h2, err := s.Sign(http.MethodPost, "/inbox", baseHeader(), body)
	require.NoError(t, err)
	assert.Contains(t, h2.Get("Signature"), k2.KeyID)
	require.NoError(t, v.Check(ctx, http.MethodPost, "/inbox", h2, body))

	// fin del overlap: K1 ya no resuelve
	now = k1.ExpiresAt.Add(48*time.Hour + time.Second)
	err = v.Check(ctx, http.MethodPost, "/inbox", h, body)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), k1.KeyID)
}
