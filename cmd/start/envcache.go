package start

import (
	"context"
	"time"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/karlseguin/ccache/v3"
)

// envCache caches environment lookups, which happen once per batch item.
type envCache struct {
	coredata.EntityReader

	ttl   time.Duration
	cache *ccache.Cache[*coredata.Environment]
}

func newEnvCache(r coredata.EntityReader, ttl time.Duration) *envCache {
	return &envCache{
		EntityReader: r,
		ttl:          ttl,
		cache:        ccache.New(ccache.Configure[*coredata.Environment]().MaxSize(10_000).ItemsToPrune(500)),
	}
}

func (c *envCache) GetEnvironment(ctx context.Context, id string) (*coredata.Environment, error) {
	item, err := c.cache.Fetch(id, c.ttl, func() (*coredata.Environment, error) {
		return c.EntityReader.GetEnvironment(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return item.Value(), nil
}

func (c *envCache) Stop() {
	c.cache.Stop()
}
