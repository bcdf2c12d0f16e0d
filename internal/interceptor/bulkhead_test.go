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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/fixture"
)

func TestBulkheadOverflow(t *testing.T) {
	b := NewBulkhead(fixture.NewTestLogger(t), BulkheadOptions{Limit: 1, MaxQueue: 0})
	env := envelope.NewRequest("1", "reports.render", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Intercept(context.Background(), nil, env, slow)
		done <- err
	}()
	<-entered

	// The single slot is held and there is no queue: reject outright.
	_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Equal(t, fault.BulkheadOverflow, fault.Convert(err).Code)

	close(release)
	require.NoError(t, <-done)

	// The slot is free again.
	_, err = b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
}

func TestBulkheadQueueTimeout(t *testing.T) {
	b := NewBulkhead(fixture.NewTestLogger(t), BulkheadOptions{
		Limit:        1,
		MaxQueue:     1,
		QueueTimeout: 20 * time.Millisecond,
	})
	env := envelope.NewRequest("1", "reports.render", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
		done <- err
	}()
	<-entered

	_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Equal(t, fault.BulkheadQueueTimeout, fault.Convert(err).Code)

	close(release)
	require.NoError(t, <-done)
}

func TestBulkheadSlotTransfersToWaiter(t *testing.T) {
	b := NewBulkhead(fixture.NewTestLogger(t), BulkheadOptions{Limit: 1, MaxQueue: 4})
	env := envelope.NewRequest("1", "reports.render", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
		holder <- err
	}()
	<-entered

	var ran atomic.Int64
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) {
				ran.Add(1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}

	// Let the waiters queue, then free the slot; each finishing request
	// hands its slot to the next waiter.
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-holder)
	wg.Wait()
	assert.Equal(t, int64(3), ran.Load())
}

func TestBulkheadCancelledWaiter(t *testing.T) {
	b := NewBulkhead(fixture.NewTestLogger(t), BulkheadOptions{Limit: 1, MaxQueue: 1})
	env := envelope.NewRequest("1", "reports.render", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		_, err := b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
		holder <- err
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	waiter := make(chan error, 1)
	go func() {
		_, err := b.Intercept(ctx, nil, env, func(context.Context) (any, error) { return nil, nil })
		waiter <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	err := <-waiter
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.Convert(err).Code)

	close(release)
	require.NoError(t, <-holder)

	// The abandoned queue entry must not strand the slot.
	_, err = b.Intercept(context.Background(), nil, env, func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
}

func TestBulkheadIsolatesProcedures(t *testing.T) {
	b := NewBulkhead(fixture.NewTestLogger(t), BulkheadOptions{Limit: 1, MaxQueue: 0})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Intercept(context.Background(), nil, envelope.NewRequest("1", "reports.render", nil), func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
		done <- err
	}()
	<-entered

	// Saturating one procedure leaves others unaffected.
	_, err := b.Intercept(context.Background(), nil, envelope.NewRequest("2", "users.get", nil), func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}
