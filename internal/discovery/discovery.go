// Package discovery resuelve actores e instancias remotas a sus inboxes.
package discovery

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("discovery: not found")

// Instance describe lo que la entrega necesita de un servidor remoto.
type Instance struct {
	Domain      string `json:"domain"`
	SharedInbox string `json:"shared_inbox,omitempty"`
}

// Actor describe los inboxes de un actor remoto.
type Actor struct {
	ID          string `json:"id"`
	Inbox       string `json:"inbox"`
	SharedInbox string `json:"shared_inbox,omitempty"`
}

// PreferredInbox es el shared inbox del actor si lo publica, si no su inbox.
func (a *Actor) PreferredInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

// Resolver es lo que consume el motor de entregas.
type Resolver interface {
	InstanceInfo(ctx context.Context, domain string) (*Instance, error)
	Actor(ctx context.Context, id string) (*Actor, error)
}

// Static resuelve desde mapas fijos.
type Static struct {
	Instances map[string]Instance
	Actors    map[string]Actor
}

func (s Static) InstanceInfo(_ context.Context, domain string) (*Instance, error) {
	if i, ok := s.Instances[domain]; ok {
		return &i, nil
	}
	return &Instance{Domain: domain}, nil
}

func (s Static) Actor(_ context.Context, id string) (*Actor, error) {
	if a, ok := s.Actors[id]; ok {
		return &a, nil
	}
	return nil, ErrNotFound
}
