package delivery

import (
	"context"
	"encoding/json"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellofed/internal/discovery"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// DeliverToActor resuelve el inbox del actor y entrega ahí.
func (e *Engine) DeliverToActor(ctx context.Context, activity json.RawMessage, actorID string) *Result {
	a, err := e.discovery.Actor(ctx, actorID)
	if err != nil {
		e.log.Warn("actor resolution failed", logger.Actor(actorID), logger.Err(err))
		res := &Result{}
		res.fail(actorID, err.Error(), !discovery.IsNotFound(err))
		return res
	}
	return e.DeliverToInbox(ctx, activity, a.Inbox)
}

// DeliverToSharedInbox entrega a todos los recipients usando un shared inbox
// por dominio cuando existe. La falla de un dominio no frena al resto.
func (e *Engine) DeliverToSharedInbox(ctx context.Context, activity json.RawMessage, recipients []string) *Result {
	return e.DeliverExcluding(ctx, activity, recipients, nil)
}

// DeliverExcluding es DeliverToSharedInbox salteando los inboxes de
// delivered (entregas previas del mismo job).
func (e *Engine) DeliverExcluding(ctx context.Context, activity json.RawMessage, recipients, delivered []string) *Result {
	total := &Result{}
	inboxes := e.resolveInboxes(ctx, recipients, total)

	skip := make(map[string]struct{}, len(delivered))
	for _, d := range delivered {
		skip[d] = struct{}{}
	}
	pending := inboxes[:0:0]
	for _, in := range inboxes {
		if _, ok := skip[in]; !ok {
			pending = append(pending, in)
		}
	}

	results := make([]*Result, len(pending))
	var g errgroup.Group
	g.SetLimit(e.opts.MaxConcurrent)
	for i, in := range pending {
		i, in := i, in
		g.Go(func() error {
			results[i] = e.DeliverToInbox(ctx, activity, in)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		total.Merge(r)
	}
	e.log.Info("fan-out finished",
		logger.Count(len(pending)),
		logger.Int("succeeded", len(total.Success)),
		logger.Int("failed", len(total.Failed)))
	return total
}

// resolveInboxes agrupa recipients por dominio y elige el shared inbox de la
// instancia o, si no hay, el inbox preferido de cada actor. Los recipients
// que no se pueden resolver se anotan como fallidos en res.
func (e *Engine) resolveInboxes(ctx context.Context, recipients []string, res *Result) []string {
	var domains []string
	byDomain := map[string][]string{}
	for _, r := range recipients {
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			res.fail(r, "invalid recipient", false)
			continue
		}
		if _, ok := byDomain[u.Host]; !ok {
			domains = append(domains, u.Host)
		}
		byDomain[u.Host] = append(byDomain[u.Host], r)
	}

	seen := map[string]struct{}{}
	var out []string
	add := func(in string) {
		if _, ok := seen[in]; !ok {
			seen[in] = struct{}{}
			out = append(out, in)
		}
	}

	for _, d := range domains {
		inst, err := e.discovery.InstanceInfo(ctx, d)
		if err == nil && inst.SharedInbox != "" {
			add(inst.SharedInbox)
			continue
		}
		if err != nil {
			e.log.Debug("instance discovery failed, using actor inboxes", logger.Domain(d), logger.Err(err))
		}
		for _, actorID := range byDomain[d] {
			a, err := e.discovery.Actor(ctx, actorID)
			if err != nil {
				res.fail(actorID, err.Error(), !discovery.IsNotFound(err))
				continue
			}
			add(a.PreferredInbox())
		}
	}
	return out
}
