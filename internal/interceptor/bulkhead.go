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

// BulkheadOptions configures the per-procedure concurrency limiter.
type BulkheadOptions struct {
	Match Matcher

	// Limit is the number of concurrently executing requests admitted
	// per procedure. Values below 1 are treated as 1.
	Limit int

	// MaxQueue is the number of waiters admitted once Limit is
	// reached; further requests fail immediately with
	// BULKHEAD_OVERFLOW.
	MaxQueue int

	// QueueTimeout bounds how long a waiter queues before failing with
	// BULKHEAD_QUEUE_TIMEOUT. Zero waits indefinitely.
	QueueTimeout time.Duration

	Metrics *metrics.Metrics
}

type bulkheadState struct {
	active int
	queue  []chan struct{}
}

// Bulkhead bounds per-procedure concurrency with an optional FIFO
// queue of waiters.
type Bulkhead struct {
	logrus.FieldLogger
	opts BulkheadOptions

	mu     sync.Mutex
	states map[string]*bulkheadState
}

// NewBulkhead returns a Bulkhead.
func NewBulkhead(log logrus.FieldLogger, opts BulkheadOptions) *Bulkhead {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	return &Bulkhead{
		FieldLogger: log,
		opts:        opts,
		states:      make(map[string]*bulkheadState),
	}
}

// Intercept implements dispatch.Interceptor.
func (b *Bulkhead) Intercept(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
	if !b.opts.Match.Matches(env) {
		return next(ctx)
	}
	if err := b.acquire(ctx, env.Procedure); err != nil {
		return nil, err
	}
	defer b.release(env.Procedure)
	return next(ctx)
}

func (b *Bulkhead) acquire(ctx context.Context, procedure string) error {
	b.mu.Lock()
	st, ok := b.states[procedure]
	if !ok {
		st = &bulkheadState{}
		b.states[procedure] = st
	}

	if st.active < b.opts.Limit {
		st.active++
		b.mu.Unlock()
		return nil
	}

	if len(st.queue) >= b.opts.MaxQueue {
		b.mu.Unlock()
		b.opts.Metrics.ObserveBulkheadRejection("overflow")
		return fault.Newf(fault.BulkheadOverflow, "procedure %q is at its concurrency limit and the queue is full", procedure)
	}

	// Queue up. A releasing request transfers its slot by closing our
	// channel, leaving the active count untouched.
	ready := make(chan struct{})
	st.queue = append(st.queue, ready)
	b.mu.Unlock()

	var timeout <-chan time.Time
	if b.opts.QueueTimeout > 0 {
		timer := time.NewTimer(b.opts.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ready:
		return nil
	case <-timeout:
		if !b.abandon(procedure, ready) {
			// The slot was granted while the timer fired; hand it on.
			b.release(procedure)
		}
		b.opts.Metrics.ObserveBulkheadRejection("timeout")
		return fault.Newf(fault.BulkheadQueueTimeout, "timed out after %s waiting for a %q slot", b.opts.QueueTimeout, procedure)
	case <-ctx.Done():
		if !b.abandon(procedure, ready) {
			b.release(procedure)
		}
		return fault.Convert(ctx.Err())
	}
}

// abandon removes a waiter from the queue, reporting false when it had
// already been granted a slot.
func (b *Bulkhead) abandon(procedure string, ready chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.states[procedure]
	for i, ch := range st.queue {
		if ch == ready {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bulkhead) release(procedure string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.states[procedure]
	if len(st.queue) > 0 {
		ready := st.queue[0]
		st.queue = st.queue[1:]
		close(ready)
		return
	}
	st.active--
}
