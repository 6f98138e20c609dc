package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

const (
	acceptActivity = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxDocument    = 1 << 20
)

// instanceActorPaths son las ubicaciones habituales del actor de instancia.
var instanceActorPaths = []string{"/actor", "/instance", "/instance/actor", "/"}

// HTTP resuelve haciendo GET a los documentos ActivityPub.
type HTTP struct {
	Client    *http.Client
	UserAgent string
	Scheme    string // default "https"
	Logger    *zap.Logger
}

type actorDoc struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Inbox     string `json:"inbox"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

func (h *HTTP) scheme() string {
	if h.Scheme == "" {
		return "https"
	}
	return h.Scheme
}

func (h *HTTP) log() *zap.Logger { return logger.OrNamed(h.Logger, "discovery") }

// InstanceInfo busca el actor de instancia (Application/Service) y toma su
// endpoints.sharedInbox. Sin actor de instancia devuelve Instance sin shared inbox.
func (h *HTTP) InstanceInfo(ctx context.Context, domain string) (*Instance, error) {
	for _, p := range instanceActorPaths {
		doc, err := h.fetch(ctx, h.scheme()+"://"+domain+p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if doc.Type == "Application" || doc.Type == "Service" {
			return &Instance{Domain: domain, SharedInbox: doc.Endpoints.SharedInbox}, nil
		}
	}
	h.log().Debug("no instance actor found", logger.Domain(domain))
	return &Instance{Domain: domain}, nil
}

// Actor resuelve el documento del actor; requiere inbox.
func (h *HTTP) Actor(ctx context.Context, id string) (*Actor, error) {
	doc, err := h.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor %s has no inbox", ErrNotFound, id)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &Actor{ID: doc.ID, Inbox: doc.Inbox, SharedInbox: doc.Endpoints.SharedInbox}, nil
}

func (h *HTTP) fetch(ctx context.Context, url string) (*actorDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptActivity)
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s (status %d)", ErrNotFound, url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var doc actorDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocument)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return &doc, nil
}

// IsNotFound informa si err indica que el recurso no existe.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
