package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/discovery"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/rate"
)

var (
	keyOnce sync.Once
	testKey *keys.KeyPair
)

type staticKeys struct{}

func (staticKeys) ActiveKey() (*keys.KeyPair, error) {
	keyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = &keys.KeyPair{KeyID: "https://a.example/keys/1", PrivateKey: priv, PublicKey: &priv.PublicKey}
	})
	return testKey, nil
}

var activity = json.RawMessage(`{"type":"Create","id":"https://a.example/activities/1","actor":"https://a.example/users/alice"}`)

// inbox es un servidor que verifica la firma y responde según script.
type inbox struct {
	t        *testing.T
	srv      *httptest.Server
	posts    atomic.Int32
	verifier *httpsig.Verifier

	mu     sync.Mutex
	script []func(w http.ResponseWriter)
	paths  []string
}

func newInbox(t *testing.T, script ...func(w http.ResponseWriter)) *inbox {
	t.Helper()
	k, _ := staticKeys{}.ActiveKey()
	in := &inbox{
		t:      t,
		script: script,
		verifier: httpsig.NewVerifier(httpsig.ResolverFunc(func(context.Context, string) (*rsa.PublicKey, error) {
			return k.PublicKey, nil
		}), httpsig.WithVerifierLogger(zap.NewNop())),
	}
	in.srv = httptest.NewServer(http.HandlerFunc(in.serve))
	t.Cleanup(in.srv.Close)
	return in
}

func (in *inbox) serve(w http.ResponseWriter, r *http.Request) {
	n := int(in.posts.Add(1))
	body, _ := io.ReadAll(r.Body)

	h := r.Header.Clone()
	h.Set("Host", r.Host)
	if err := in.verifier.Check(r.Context(), r.Method, r.URL.RequestURI(), h, body); err != nil {
		in.t.Errorf("signature did not verify: %v", err)
	}
	assert.Equal(in.t, ContentType, r.Header.Get("Content-Type"))

	in.mu.Lock()
	in.paths = append(in.paths, r.URL.Path)
	var step func(http.ResponseWriter)
	if n <= len(in.script) {
		step = in.script[n-1]
	}
	in.mu.Unlock()

	if step == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	step(w)
}

func status(code int, hdr ...string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(hdr); i += 2 {
			w.Header().Set(hdr[i], hdr[i+1])
		}
		w.WriteHeader(code)
	}
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

func newEngine(t *testing.T, disc discovery.Resolver, sleeps *sleepRecorder, mod ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{Logger: zap.NewNop(), Sleep: sleeps.sleep}
	for _, m := range mod {
		m(&opts)
	}
	return New(httpsig.NewSigner(staticKeys{}), rate.New(rate.DefaultLimit(), time.Hour), disc, opts)
}

func TestDeliverToInbox_Success(t *testing.T) {
	in := newInbox(t)
	e := newEngine(t, discovery.Static{}, &sleepRecorder{})

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/users/bob/inbox?x=1")
	require.True(t, res.Delivered(), res.Error)
	assert.Equal(t, []string{in.srv.URL + "/users/bob/inbox?x=1"}, res.Success)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Zero(t, res.RetryCount)
	assert.EqualValues(t, 1, in.posts.Load())
}

func TestDeliverToInbox_RetriesThenSucceeds(t *testing.T) {
	in := newInbox(t,
		status(http.StatusServiceUnavailable, "Retry-After", "3"),
		status(http.StatusServiceUnavailable),
	)
	sleeps := &sleepRecorder{}
	e := newEngine(t, discovery.Static{}, sleeps)

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/inbox")
	require.True(t, res.Delivered(), res.Error)
	assert.Equal(t, 2, res.RetryCount)
	assert.EqualValues(t, 3, in.posts.Load())
	assert.Equal(t, []time.Duration{3 * time.Second, 20 * time.Second}, sleeps.waits)
}

func TestDeliverToInbox_RetriesExhausted(t *testing.T) {
	fail := status(http.StatusBadGateway)
	in := newInbox(t, fail, fail, fail, fail, fail)
	e := newEngine(t, discovery.Static{}, &sleepRecorder{}, func(o *Options) { o.MaxRetries = 3 })

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/inbox")
	assert.False(t, res.Delivered())
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, res.RetryCount)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.EqualValues(t, 4, in.posts.Load())
}

func TestDeliverToInbox_TooManyRequestsHTTPDate(t *testing.T) {
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	in := newInbox(t, status(http.StatusTooManyRequests, "Retry-After", now.Add(45*time.Second).Format(http.TimeFormat)))
	sleeps := &sleepRecorder{}
	e := newEngine(t, discovery.Static{}, sleeps, func(o *Options) { o.Now = func() time.Time { return now } })

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/inbox")
	require.True(t, res.Delivered())
	assert.Equal(t, []time.Duration{45 * time.Second}, sleeps.waits)
}

func TestDeliverToInbox_PermanentFailure(t *testing.T) {
	in := newInbox(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such inbox"))
	})
	e := newEngine(t, discovery.Static{}, &sleepRecorder{})

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/inbox")
	assert.False(t, res.Delivered())
	assert.False(t, res.Retryable)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.Error, "no such inbox")
	assert.EqualValues(t, 1, in.posts.Load())
}

func TestDeliverToInbox_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newEngine(t, discovery.Static{}, &sleepRecorder{}, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	res := e.DeliverToInbox(context.Background(), activity, srv.URL+"/inbox")
	assert.False(t, res.Delivered())
	assert.True(t, res.Retryable)
	assert.Equal(t, "delivery timeout", res.Error)
}

func TestDeliverToInbox_InvalidInput(t *testing.T) {
	e := newEngine(t, discovery.Static{}, &sleepRecorder{})
	res := e.DeliverToInbox(context.Background(), json.RawMessage(`{oops`), "https://b.example/inbox")
	assert.False(t, res.Delivered())
	assert.False(t, res.Retryable)

	res = e.DeliverToInbox(context.Background(), activity, "ftp://b.example/inbox")
	assert.False(t, res.Retryable)
	assert.Equal(t, []string{"ftp://b.example/inbox"}, res.Failed)
}

type fakeLimiter struct {
	allow   bool
	wait    time.Duration
	updated atomic.Int32
}

func (f *fakeLimiter) Check(string) bool { return f.allow }
func (f *fakeLimiter) WaitTime(string) time.Duration { return f.wait }
func (f *fakeLimiter) Update(string, http.Header) { f.updated.Add(1) }

func TestDeliverToInbox_WaitsForRateLimit(t *testing.T) {
	in := newInbox(t)
	sleeps := &sleepRecorder{}
	lim := &fakeLimiter{allow: false, wait: 7 * time.Second}
	e := New(httpsig.NewSigner(staticKeys{}), lim, discovery.Static{}, Options{Logger: zap.NewNop(), Sleep: sleeps.sleep})

	res := e.DeliverToInbox(context.Background(), activity, in.srv.URL+"/inbox")
	require.True(t, res.Delivered())
	assert.Equal(t, []time.Duration{7 * time.Second}, sleeps.waits)
	assert.EqualValues(t, 1, lim.updated.Load())
}

func TestDeliverToSharedInbox_TwoDomainsTwoPosts(t *testing.T) {
	a := newInbox(t)
	b := newInbox(t)
	hostA := strings.TrimPrefix(a.srv.URL, "http://")

	disc := discovery.Static{
		Instances: map[string]discovery.Instance{
			hostA: {Domain: hostA, SharedInbox: a.srv.URL + "/inbox"},
		},
		Actors: map[string]discovery.Actor{
			b.srv.URL + "/users/carol": {ID: b.srv.URL + "/users/carol", Inbox: b.srv.URL + "/users/carol/inbox"},
		},
	}
	e := newEngine(t, disc, &sleepRecorder{})

	res := e.DeliverToSharedInbox(context.Background(), activity, []string{
		a.srv.URL + "/users/alice",
		a.srv.URL + "/users/bob",
		b.srv.URL + "/users/carol",
	})
	require.True(t, res.Delivered(), "%v", res.Errors)
	assert.ElementsMatch(t, []string{a.srv.URL + "/inbox", b.srv.URL + "/users/carol/inbox"}, res.Success)
	assert.EqualValues(t, 1, a.posts.Load())
	assert.EqualValues(t, 1, b.posts.Load())
}

func TestDeliverExcluding_SkipsDeliveredAndReportsUnresolvable(t *testing.T) {
	a := newInbox(t)
	b := newInbox(t, status(http.StatusInternalServerError), status(http.StatusInternalServerError))
	disc := discovery.Static{Actors: map[string]discovery.Actor{
		a.srv.URL + "/u/1": {ID: a.srv.URL + "/u/1", Inbox: a.srv.URL + "/u/1/inbox"},
		b.srv.URL + "/u/2": {ID: b.srv.URL + "/u/2", Inbox: b.srv.URL + "/u/2/inbox", SharedInbox: b.srv.URL + "/shared"},
	}}
	e := newEngine(t, disc, &sleepRecorder{}, func(o *Options) { o.MaxRetries = 1 })

	res := e.DeliverExcluding(context.Background(), activity,
		[]string{a.srv.URL + "/u/1", b.srv.URL + "/u/2", b.srv.URL + "/u/ghost"},
		[]string{a.srv.URL + "/u/1/inbox"})

	assert.Zero(t, a.posts.Load(), "already delivered inbox must be skipped")
	assert.EqualValues(t, 2, b.posts.Load())
	assert.ElementsMatch(t, []string{b.srv.URL + "/shared", b.srv.URL + "/u/ghost"}, res.Failed)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Errors[b.srv.URL+"/u/ghost"], "not found")
}

func TestDeliverToActor(t *testing.T) {
	in := newInbox(t)
	disc := discovery.Static{Actors: map[string]discovery.Actor{
		"https://b.example/users/bob": {ID: "https://b.example/users/bob", Inbox: in.srv.URL + "/users/bob/inbox"},
	}}
	e := newEngine(t, disc, &sleepRecorder{})

	res := e.DeliverToActor(context.Background(), activity, "https://b.example/users/bob")
	require.True(t, res.Delivered())

	res = e.DeliverToActor(context.Background(), activity, "https://b.example/users/nobody")
	assert.Equal(t, []string{"https://b.example/users/nobody"}, res.Failed)
	assert.False(t, res.Retryable)
}

func TestDeliverToSharedInbox_BoundedConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	actors := map[string]discovery.Actor{}
	var recipients []string
	for i := 0; i < 12; i++ {
		id := srv.URL + "/users/" + string(rune('a'+i))
		actors[id] = discovery.Actor{ID: id, Inbox: id + "/inbox"}
		recipients = append(recipients, id)
	}
	e := newEngine(t, discovery.Static{Actors: actors}, &sleepRecorder{}, func(o *Options) { o.MaxConcurrent = 3 })

	res := e.DeliverToSharedInbox(context.Background(), activity, recipients)
	require.True(t, res.Delivered())
	assert.Len(t, res.Success, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}
