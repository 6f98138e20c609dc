// Package delivery entrega actividades firmadas a inboxes remotos, con
// reintentos inline ante 429/5xx y fan-out deduplicado por shared inbox.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/discovery"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

const (
	ContentType = "application/activity+json"

	maxErrorBody = 4 << 10
)

// Signer firma un request saliente (httpsig.Signer).
type Signer interface {
	Sign(method, path string, header http.Header, body []byte) (http.Header, error)
}

// RateLimiter es el presupuesto por dominio (rate.Limiter).
type RateLimiter interface {
	Check(domain string) bool
	WaitTime(domain string) time.Duration
	Update(domain string, h http.Header)
}

// Options configura el Engine. Los ceros toman los defaults.
type Options struct {
	UserAgent     string        // default "hellofed/1.0"
	Timeout       time.Duration // por request, default 30s
	MaxRetries    int           // reintentos inline por 429/5xx, default 3
	RetryDelay    time.Duration // si no hay Retry-After, default 20s
	MaxRetryAfter time.Duration // tope para Retry-After remoto, default 10m
	MaxConcurrent int           // fan-out, default 10

	Client *http.Client
	Logger *zap.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine hace las entregas.
type Engine struct {
	signer    Signer
	limiter   RateLimiter
	discovery discovery.Resolver
	opts      Options
	log       *zap.Logger
}

func New(signer Signer, limiter RateLimiter, disc discovery.Resolver, opts Options) *Engine {
	if opts.UserAgent == "" {
		opts.UserAgent = "hellofed/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 20 * time.Second
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 10 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Engine{
		signer:    signer,
		limiter:   limiter,
		discovery: disc,
		opts:      opts,
		log:       logger.OrNamed(opts.Logger, "delivery"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DeliverToInbox hace un POST firmado a inbox, reintentando inline ante
// 429/5xx hasta MaxRetries veces.
func (e *Engine) DeliverToInbox(ctx context.Context, activity json.RawMessage, inbox string) *Result {
	res := &Result{}
	log := e.log.With(logger.Inbox(inbox))

	body, err := httpsig.Canonicalize(activity)
	if err != nil {
		res.fail(inbox, "invalid activity: "+err.Error(), false)
		return res
	}
	u, err := url.Parse(inbox)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		res.fail(inbox, "invalid inbox url", false)
		return res
	}

	for retry := 0; ; retry++ {
		r, again := e.attempt(ctx, u, body, log)
		r.RetryCount = retry
		if !again {
			return r
		}
		if retry >= e.opts.MaxRetries {
			log.Warn("delivery retries exhausted", logger.Status(r.StatusCode), logger.Attempt(retry))
			return r
		}

		metrics.DeliveryRetries.Inc()
		log.Info("retrying delivery", logger.Status(r.StatusCode), logger.Attempt(retry+1), logger.RetryAfter(r.RetryAfter))
		if err := e.opts.Sleep(ctx, r.RetryAfter); err != nil {
			r.Error = err.Error()
			return r
		}
	}
}

// attempt hace un único POST. again indica si corresponde reintento inline.
func (e *Engine) attempt(ctx context.Context, u *url.URL, body []byte, log *zap.Logger) (res *Result, again bool) {
	res = &Result{}
	inbox := u.String()
	domain := u.Host

	if !e.limiter.Check(domain) {
		wait := e.limiter.WaitTime(domain)
		metrics.RateLimitWaits.Inc()
		log.Debug("rate limited, waiting", logger.Domain(domain), logger.Duration(wait))
		if err := e.opts.Sleep(ctx, wait); err != nil {
			res.fail(inbox, err.Error(), true)
			return res, false
		}
	}

	h := http.Header{}
	h.Set("Content-Type", ContentType)
	h.Set("Accept", ContentType)
	h.Set("User-Agent", e.opts.UserAgent)
	h.Set("Host", domain)
	signed, err := e.signer.Sign(http.MethodPost, u.RequestURI(), h, body)
	if err != nil {
		metrics.Deliveries.WithLabelValues("permanent").Inc()
		log.Error("signing failed", logger.Err(err))
		res.fail(inbox, err.Error(), false)
		return res, false
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		res.fail(inbox, err.Error(), false)
		return res, false
	}
	req.Header = signed
	req.Host = domain

	start := e.opts.Now()
	resp, err := e.opts.Client.Do(req)
	metrics.DeliveryDuration.Observe(e.opts.Now().Sub(start).Seconds())
	if err != nil {
		metrics.Deliveries.WithLabelValues("retryable").Inc()
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			msg = "delivery timeout"
		}
		log.Warn("delivery failed", logger.Err(err))
		res.fail(inbox, msg, true)
		return res, false
	}
	defer resp.Body.Close()

	e.limiter.Update(domain, resp.Header)
	res.StatusCode = resp.StatusCode

	switch code := resp.StatusCode; {
	case code == http.StatusOK || code == http.StatusCreated || code == http.StatusAccepted:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		metrics.Deliveries.WithLabelValues("success").Inc()
		log.Debug("delivered", logger.Status(code))
		res.Success = append(res.Success, inbox)
		return res, false

	case code == http.StatusTooManyRequests || code >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		metrics.Deliveries.WithLabelValues("retryable").Inc()
		res.RetryAfter = e.retryAfter(resp.Header.Get("Retry-After"))
		res.fail(inbox, fmt.Sprintf("remote returned %d", code), true)
		return res, true

	default:
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.Deliveries.WithLabelValues("permanent").Inc()
		log.Warn("delivery rejected", logger.Status(code))
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			msg = http.StatusText(code)
		}
		res.fail(inbox, fmt.Sprintf("remote returned %d: %s", code, msg), false)
		return res, false
	}
}

// retryAfter interpreta Retry-After (segundos o fecha HTTP); sin header
// usa RetryDelay.
func (e *Engine) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	d := e.opts.RetryDelay
	if v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			d = t.Sub(e.opts.Now())
			if d < 0 {
				d = 0
			}
		}
	}
	if d > e.opts.MaxRetryAfter {
		d = e.opts.MaxRetryAfter
	}
	return d
}
