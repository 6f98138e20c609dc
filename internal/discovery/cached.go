package discovery

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
)

// Cached envuelve un Resolver con un cache.Client. Sólo se cachean
// resoluciones exitosas; los errores se reintentan en la próxima llamada.
type Cached struct {
	next  Resolver
	cache cache.Client
	ttl   time.Duration
	group singleflight.Group
	log   *zap.Logger
}

func NewCached(next Resolver, c cache.Client, ttl time.Duration, l *zap.Logger) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl, log: logger.OrNamed(l, "discovery")}
}

func (c *Cached) InstanceInfo(ctx context.Context, domain string) (*Instance, error) {
	var out Instance
	err := c.load(ctx, "instance:"+domain, &out, func() (any, error) {
		return c.next.InstanceInfo(ctx, domain)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Cached) Actor(ctx context.Context, id string) (*Actor, error) {
	var out Actor
	err := c.load(ctx, "actor:"+id, &out, func() (any, error) {
		return c.next.Actor(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// load lee key del cache en dst; si no está, llama fetch (una vez por key
// entre llamadas concurrentes) y guarda el resultado.
func (c *Cached) load(ctx context.Context, key string, dst any, fetch func() (any, error)) error {
	if s, err := c.cache.Get(ctx, key); err == nil {
		if json.Unmarshal([]byte(s), dst) == nil {
			return nil
		}
	} else if !cache.IsNotFound(err) {
		c.log.Warn("discovery cache read failed", logger.Key(key), logger.Err(err))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := fetch()
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, key, string(b), c.ttl); err != nil {
			c.log.Warn("discovery cache write failed", logger.Key(key), logger.Err(err))
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}
