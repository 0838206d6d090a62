package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/chatrelay/registry"
)

// CachingAuthenticator memoizes successful authentications for a TTL and
// collapses concurrent lookups of the same credential into one call to the
// wrapped authenticator. Rejections and errors are never cached.
type CachingAuthenticator struct {
	next  Authenticator
	ttl   time.Duration
	cache *cache.Cache
	group singleflight.Group
}

// NewCachingAuthenticator wraps next.
//
// Parameters:
//   - next: The authenticator consulted on a miss
//   - ttl: How long a success stays cached
//
// Returns:
//   - The caching authenticator
func NewCachingAuthenticator(next Authenticator, ttl time.Duration) *CachingAuthenticator {
	return &CachingAuthenticator{
		next:  next,
		ttl:   ttl,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Authenticate implements Authenticator.
func (c *CachingAuthenticator) Authenticate(ctx context.Context, credential string) (registry.Identity, error) {
	key := Digest(credential)
	if v, ok := c.cache.Get(key); ok {
		if identity, ok := v.(registry.Identity); ok {
			return identity, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited.
		if v, ok := c.cache.Get(key); ok {
			if identity, ok := v.(registry.Identity); ok {
				return identity, nil
			}
		}

		identity, err := c.next.Authenticate(ctx, credential)
		if err != nil {
			return registry.Identity{}, err
		}

		c.cache.Set(key, identity, c.ttl)
		return identity, nil
	})
	if err != nil {
		return registry.Identity{}, err
	}

	identity, ok := v.(registry.Identity)
	if !ok {
		return registry.Identity{}, fmt.Errorf("unexpected cached value %T", v)
	}

	return identity, nil
}

// Forget drops the cached result for credential, e.g. after revocation.
func (c *CachingAuthenticator) Forget(credential string) {
	c.cache.Delete(Digest(credential))
}

// Len returns the number of cached credentials.
func (c *CachingAuthenticator) Len() int {
	return c.cache.ItemCount()
}
