// Copyright Project Relay Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package interceptor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/metrics"
	"github.com/projectrelay/relay/internal/ttlcache"
)

// CacheOptions configures the response cache.
type CacheOptions struct {
	Match Matcher

	// Key fingerprints envelopes; defaults to
	// "cache:<procedure>:<djb2(JSON(payload))>".
	Key KeyFunc

	// TTL is the freshness lifetime of a stored result. Defaults to
	// one minute.
	TTL time.Duration

	// StaleWhileRevalidate is the grace window after expiry during
	// which a stale result is served while a single background refresh
	// runs. Zero disables SWR.
	StaleWhileRevalidate time.Duration

	// MaxEntries caps the store with LRU eviction. Zero is unbounded.
	MaxEntries int

	Metrics *metrics.Metrics
}

// Cache serves repeated identical requests from a TTL store. Values
// are cloned on store and on retrieve so callers never share mutable
// state with the cache. Only successful results are cached.
type Cache struct {
	logrus.FieldLogger
	opts  CacheOptions
	store *ttlcache.Cache
	group singleflight.Group
}

// NewCache returns a Cache backed by its own ttlcache store.
func NewCache(log logrus.FieldLogger, opts CacheOptions) *Cache {
	if opts.Key == nil {
		opts.Key = func(_ *dispatch.Context, env *envelope.Envelope) string {
			return fingerprint("cache", env)
		}
	}
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	return &Cache{
		FieldLogger: log,
		opts:        opts,
		store: ttlcache.New(ttlcache.Options{
			MaxEntries: opts.MaxEntries,
			DefaultTTL: opts.TTL,
			// Stale entries survive the reaper for the full serve-stale
			// window.
			Grace: opts.StaleWhileRevalidate,
		}),
	}
}

// Close stops the underlying store's reaper.
func (c *Cache) Close() { c.store.Close() }

// Store exposes the backing store, e.g. for tag invalidation.
func (c *Cache) Store() *ttlcache.Cache { return c.store }

// Intercept implements dispatch.Interceptor.
func (c *Cache) Intercept(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
	if !c.opts.Match.Matches(env) {
		return next(ctx)
	}
	key := c.opts.Key(rc, env)

	value, stale, age, ok := c.store.GetStale(key)
	if ok && !stale {
		c.opts.Metrics.ObserveCacheLookup("hit")
		return envelope.Clone(value), nil
	}
	if ok && stale && c.opts.StaleWhileRevalidate > 0 && age <= c.opts.StaleWhileRevalidate {
		c.opts.Metrics.ObserveCacheLookup("stale")
		c.revalidate(ctx, key, env, next)
		return envelope.Clone(value), nil
	}
	if ok {
		// Stale beyond the grace window behaves like a miss.
		c.store.Delete(key)
	}

	c.opts.Metrics.ObserveCacheLookup("miss")
	res, err := next(ctx)
	if err != nil {
		return nil, err
	}
	c.store.Set(key, envelope.Clone(res))
	return res, nil
}

// revalidate starts at most one background refresh per key; callers
// racing an in-flight refresh are absorbed by the singleflight group.
// The refresh outlives the serving request: the transport cancels the
// request context as soon as the stale reply is written, so the inner
// chain runs under a detached context that keeps only the values.
func (c *Cache) revalidate(ctx context.Context, key string, env *envelope.Envelope, next dispatch.Next) {
	detached := context.WithoutCancel(ctx)
	go func() {
		_, err, _ := c.group.Do(key, func() (any, error) {
			res, err := next(detached)
			if err != nil {
				return nil, err
			}
			c.store.Set(key, envelope.Clone(res))
			return nil, nil
		})
		if err != nil {
			c.WithError(err).WithField("procedure", env.Procedure).Warn("background revalidation failed")
		}
	}()
}
