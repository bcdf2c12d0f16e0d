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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/metrics"
)

// DedupOptions configures in-flight request coalescing.
type DedupOptions struct {
	Match Matcher

	// Key fingerprints envelopes; defaults to
	// "dedup:<procedure>:<djb2(JSON(payload))>".
	Key KeyFunc

	// Retention keeps a completed entry around briefly to catch late
	// arrivals racing the completion. Defaults to 10ms.
	Retention time.Duration

	// TTL bounds how long an in-flight entry may exist before the
	// reaper discards it, so an entry whose owner never finishes does
	// not pin the key forever. Defaults to 30s.
	TTL time.Duration

	// ReapInterval controls the stale entry sweep. Defaults to 5s.
	ReapInterval time.Duration

	Metrics *metrics.Metrics
}

type flight struct {
	done    chan struct{}
	res     any
	err     error
	created time.Time
}

// Dedup coalesces concurrent identical requests onto a single handler
// invocation: followers wait on the owner's completion and receive a
// defensively cloned copy of its result.
type Dedup struct {
	logrus.FieldLogger
	opts DedupOptions

	mu      sync.Mutex
	flights map[string]*flight
	stop    chan struct{}
	once    sync.Once
}

// NewDedup returns a Dedup and starts its stale entry reaper.
func NewDedup(log logrus.FieldLogger, opts DedupOptions) *Dedup {
	if opts.Key == nil {
		opts.Key = func(_ *dispatch.Context, env *envelope.Envelope) string {
			return fingerprint("dedup", env)
		}
	}
	if opts.Retention == 0 {
		opts.Retention = 10 * time.Millisecond
	}
	if opts.TTL == 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.ReapInterval == 0 {
		opts.ReapInterval = 5 * time.Second
	}
	d := &Dedup{
		FieldLogger: log,
		opts:        opts,
		flights:     make(map[string]*flight),
		stop:        make(chan struct{}),
	}
	go d.reap()
	return d
}

// Close stops the reaper.
func (d *Dedup) Close() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Dedup) reap() {
	ticker := time.NewTicker(d.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-d.opts.TTL)
			d.mu.Lock()
			for key, f := range d.flights {
				if f.created.Before(cutoff) {
					delete(d.flights, key)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Intercept implements dispatch.Interceptor.
func (d *Dedup) Intercept(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
	if !d.opts.Match.Matches(env) {
		return next(ctx)
	}
	key := d.opts.Key(rc, env)

	d.mu.Lock()
	if f, ok := d.flights[key]; ok {
		d.mu.Unlock()
		d.opts.Metrics.ObserveDedupCoalesced()
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, fault.Convert(ctx.Err())
		}
		if f.err != nil {
			return nil, f.err
		}
		return envelope.Clone(f.res), nil
	}

	f := &flight{done: make(chan struct{}), created: time.Now()}
	d.flights[key] = f
	d.mu.Unlock()

	res, err := next(ctx)

	// Store a clone so followers are isolated from any mutation the
	// owner performs on its own copy.
	if err == nil {
		f.res = envelope.Clone(res)
	}
	f.err = err
	close(f.done)

	if err != nil {
		// Drop immediately so retries re-execute.
		d.mu.Lock()
		if d.flights[key] == f {
			delete(d.flights, key)
		}
		d.mu.Unlock()
	} else {
		// Keep the entry briefly for late arrivals, then drop it.
		// Arrivals after that re-execute rather than seeing a cache.
		time.AfterFunc(d.opts.Retention, func() {
			d.mu.Lock()
			if d.flights[key] == f {
				delete(d.flights, key)
			}
			d.mu.Unlock()
		})
	}
	return res, err
}
