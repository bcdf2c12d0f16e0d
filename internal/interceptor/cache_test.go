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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fixture"
)

func TestCacheServesRepeatedRequests(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{TTL: time.Minute})
	defer c.Close()

	var invocations int
	next := func(context.Context) (any, error) {
		invocations++
		return map[string]any{"value": "result"}, nil
	}

	env := envelope.NewRequest("1", "users.get", map[string]any{"id": 1})

	first, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations)

	second, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, 1, invocations, "second lookup must be served from the store")

	// The cached copy is isolated from the first caller's result.
	first.(map[string]any)["value"] = "mutated"
	assert.Equal(t, "result", second.(map[string]any)["value"])
}

func TestCacheErrorsAreNotStored(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{TTL: time.Minute})
	defer c.Close()

	var invocations int
	next := func(context.Context) (any, error) {
		invocations++
		return nil, errors.New("backend down")
	}

	env := envelope.NewRequest("1", "users.get", nil)
	_, err := c.Intercept(context.Background(), nil, env, next)
	require.Error(t, err)
	_, err = c.Intercept(context.Background(), nil, env, next)
	require.Error(t, err)
	assert.Equal(t, 2, invocations)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{TTL: 10 * time.Millisecond})
	defer c.Close()

	var invocations int
	next := func(context.Context) (any, error) {
		invocations++
		return invocations, nil
	}

	env := envelope.NewRequest("1", "users.get", nil)
	_, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Expired without a stale-while-revalidate grace: a plain miss.
	res, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, 2, invocations)
	assert.Equal(t, 2, res)
}

func TestCacheStaleWhileRevalidate(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{
		TTL:                  10 * time.Millisecond,
		StaleWhileRevalidate: time.Minute,
	})
	defer c.Close()

	var invocations atomic.Int64
	next := func(context.Context) (any, error) {
		n := invocations.Add(1)
		return n, nil
	}

	env := envelope.NewRequest("1", "users.get", nil)
	first, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	time.Sleep(20 * time.Millisecond)

	// Within the grace window the stale value is served immediately
	// while a single background refresh runs.
	stale, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, float64(1), stale)

	require.Eventually(t, func() bool {
		return invocations.Load() == 2
	}, time.Second, 5*time.Millisecond, "background revalidation must run")

	// The refresh replaces the stored value.
	require.Eventually(t, func() bool {
		value, _, _, ok := c.Store().GetStale(fingerprint("cache", env))
		return ok && value == float64(2)
	}, time.Second, 5*time.Millisecond, "refreshed value must land in the store")
}

func TestCacheRevalidationSurvivesRequestCancellation(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{
		TTL:                  10 * time.Millisecond,
		StaleWhileRevalidate: time.Minute,
	})
	defer c.Close()

	var refreshErr atomic.Value
	next := func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			refreshErr.Store(err)
			return nil, err
		}
		return "v2", nil
	}

	env := envelope.NewRequest("1", "users.get", nil)
	_, err := c.Intercept(context.Background(), nil, env, func(context.Context) (any, error) {
		return "v1", nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The transport cancels the request context as soon as the stale
	// reply is written; the refresh must not inherit that cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	stale, err := c.Intercept(ctx, nil, env, next)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, "v1", stale)

	require.Eventually(t, func() bool {
		value, _, _, ok := c.Store().GetStale(fingerprint("cache", env))
		return ok && value == "v2"
	}, time.Second, 5*time.Millisecond, "refresh must complete after the request context is cancelled")
	assert.Nil(t, refreshErr.Load())
}

func TestCacheDistinctPayloadsDistinctEntries(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{TTL: time.Minute})
	defer c.Close()

	var invocations int
	next := func(context.Context) (any, error) {
		invocations++
		return invocations, nil
	}

	_, err := c.Intercept(context.Background(), nil, envelope.NewRequest("1", "users.get", map[string]any{"id": 1}), next)
	require.NoError(t, err)
	_, err = c.Intercept(context.Background(), nil, envelope.NewRequest("2", "users.get", map[string]any{"id": 2}), next)
	require.NoError(t, err)
	assert.Equal(t, 2, invocations)
}

func TestCacheStoreInvalidation(t *testing.T) {
	c := NewCache(fixture.NewTestLogger(t), CacheOptions{TTL: time.Minute})
	defer c.Close()

	var invocations int
	next := func(context.Context) (any, error) {
		invocations++
		return invocations, nil
	}

	env := envelope.NewRequest("1", "users.get", nil)
	_, err := c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)

	// Dropping the backing store entry forces the next lookup through.
	assert.Equal(t, 1, c.Store().Len())
	c.Store().Delete(fingerprint("cache", env))

	_, err = c.Intercept(context.Background(), nil, env, next)
	require.NoError(t, err)
	assert.Equal(t, 2, invocations)
}
