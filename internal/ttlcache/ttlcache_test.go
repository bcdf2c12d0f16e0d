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

package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.Set("a", 1)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.SetTTL("a", 1, 10*time.Millisecond)
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
	// Expired entries are removed on access.
	assert.Equal(t, 0, c.Len())
}

func TestDefaultTTL(t *testing.T) {
	c := New(Options{DefaultTTL: 10 * time.Millisecond, ReapInterval: -1})
	defer c.Close()

	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{MaxEntries: 2, ReapInterval: -1})
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestGetStale(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.SetTTL("a", 1, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	value, stale, age, ok := c.GetStale("a")
	require.True(t, ok)
	assert.True(t, stale)
	assert.Equal(t, 1, value)
	assert.Greater(t, age, time.Duration(0))

	// Stale entries are retained for a revalidating caller.
	assert.Equal(t, 1, c.Len())
}

func TestDeleteTag(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.SetTTL("a", 1, 0, "users")
	c.SetTTL("b", 2, 0, "users", "admins")
	c.SetTTL("c", 3, 0, "orders")

	assert.Equal(t, 2, c.DeleteTag("users"))
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestRemoveExpired(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.SetTTL("a", 1, time.Millisecond)
	c.SetTTL("b", 2, time.Millisecond)
	c.SetTTL("c", 3, time.Hour)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 2, c.RemoveExpired())
	assert.Equal(t, 1, c.Len())
}

func TestGraceRetainsStaleEntries(t *testing.T) {
	c := New(Options{ReapInterval: -1, Grace: time.Minute})
	defer c.Close()

	c.SetTTL("a", 1, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	// Within the grace window the entry is expired but not reapable:
	// neither the reaper nor expiry-on-access may drop it, so a stale
	// read can still serve it.
	assert.Equal(t, 0, c.RemoveExpired())
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	value, stale, _, ok := c.GetStale("a")
	require.True(t, ok)
	assert.True(t, stale)
	assert.Equal(t, 1, value)
}

func TestGraceElapsedEntriesAreReaped(t *testing.T) {
	c := New(Options{ReapInterval: -1, Grace: 5 * time.Millisecond})
	defer c.Close()

	c.SetTTL("a", 1, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, c.RemoveExpired())
	assert.Equal(t, 0, c.Len())
	_, _, _, ok := c.GetStale("a")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
}

func TestStats(t *testing.T) {
	c := New(Options{ReapInterval: -1})
	defer c.Close()

	c.Set("a", 1)
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}
