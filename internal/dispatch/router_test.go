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

package dispatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/fixture"
)

func errorCode(t *testing.T, res *Result) fault.Code {
	t.Helper()
	require.True(t, res.IsError())
	fe, ok := res.Envelope.Payload.(*fault.Error)
	require.True(t, ok)
	return fe.Code
}

func TestHandleProcedure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("echo", func(_ context.Context, _ *Context, payload any) (any, error) {
		return payload, nil
	}))
	router := NewRouter(fixture.NewTestLogger(t), r)

	env := envelope.NewRequest("req-1", "echo", "hello")
	res := router.Handle(context.Background(), nil, env)

	require.NotNil(t, res.Envelope)
	assert.False(t, res.IsError())
	assert.Equal(t, "req-1", res.Envelope.ID)
	assert.Equal(t, envelope.TypeResponse, res.Envelope.Type)
	assert.Equal(t, "hello", res.Envelope.Payload)
}

func TestHandleNotFound(t *testing.T) {
	router := NewRouter(fixture.NewTestLogger(t), NewRegistry())

	env := envelope.NewRequest("req-1", "missing", nil)
	res := router.Handle(context.Background(), nil, env)

	assert.Equal(t, fault.NotFound, errorCode(t, res))
	assert.Equal(t, "req-1", res.Envelope.ID)
}

func TestHandleHandlerError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("fails", func(context.Context, *Context, any) (any, error) {
		return nil, fault.New(fault.FailedPrecondition, "not ready")
	}))
	router := NewRouter(fixture.NewTestLogger(t), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "fails", nil))
	assert.Equal(t, fault.FailedPrecondition, errorCode(t, res))
}

func TestHandleRecoversPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("panics", func(context.Context, *Context, any) (any, error) {
		panic("kaboom")
	}))
	router := NewRouter(fixture.NewDiscardLogger(), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "panics", nil))
	assert.Equal(t, fault.Internal, errorCode(t, res))
}

func TestNestedCallDepthCap(t *testing.T) {
	var invocations atomic.Int64

	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("recurse", func(ctx context.Context, rc *Context, payload any) (any, error) {
		invocations.Add(1)
		return rc.Call(ctx, "recurse", payload)
	}))
	router := NewRouter(fixture.NewDiscardLogger(), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "recurse", nil))

	assert.Equal(t, fault.CallingDepthExceeded, errorCode(t, res))
	// The entry runs at level 1 and the cap rejects level 101, so the
	// handler body executes exactly MaxCallingLevel times.
	assert.Equal(t, int64(MaxCallingLevel), invocations.Load())
}

func TestNestedCallPreservesIdentity(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("inner", func(_ context.Context, rc *Context, _ any) (any, error) {
		return map[string]any{
			"requestId": rc.RequestID,
			"principal": rc.Auth.Principal,
			"level":     rc.CallingLevel,
		}, nil
	}))
	require.NoError(t, r.RegisterProcedure("outer", func(ctx context.Context, rc *Context, _ any) (any, error) {
		return rc.Call(ctx, "inner", nil)
	}))
	router := NewRouter(fixture.NewTestLogger(t), r)

	rc := NewContext("req-1").WithAuth(Auth{Principal: "alice", Authenticated: true})
	res := router.Handle(context.Background(), rc, envelope.NewRequest("req-1", "outer", nil))

	require.False(t, res.IsError())
	got := res.Envelope.Payload.(map[string]any)
	assert.Equal(t, "req-1", got["requestId"])
	assert.Equal(t, "alice", got["principal"])
	assert.Equal(t, 2, got["level"])
}

func TestCallingStreamAsUnaryFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterStream("ticks", func(_ context.Context, _ *Context, _ any, emit EmitFunc) error {
		return emit(1)
	}))
	require.NoError(t, r.RegisterProcedure("caller", func(ctx context.Context, rc *Context, _ any) (any, error) {
		return rc.Call(ctx, "ticks", nil)
	}))
	router := NewRouter(fixture.NewDiscardLogger(), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "caller", nil))
	assert.Equal(t, fault.InvalidType, errorCode(t, res))
}

func TestHandleStream(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterStream("count", func(_ context.Context, _ *Context, _ any, emit EmitFunc) error {
		for i := 1; i <= 3; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}))
	router := NewRouter(fixture.NewTestLogger(t), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "count", nil))
	require.NotNil(t, res.Stream)

	var got []*envelope.Envelope
	for e := range res.Stream.C {
		got = append(got, e)
	}

	require.Len(t, got, 4)
	for i, e := range got[:3] {
		assert.Equal(t, "req-1", e.ID)
		assert.Equal(t, envelope.TypeStreamChunk, e.Type)
		assert.Equal(t, i+1, e.Payload)
	}
	assert.Equal(t, envelope.TypeStreamEnd, got[3].Type)
	assert.Equal(t, "req-1", got[3].ID)
}

func TestHandleStreamError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterStream("flaky", func(_ context.Context, _ *Context, _ any, emit EmitFunc) error {
		if err := emit("one"); err != nil {
			return err
		}
		return fault.New(fault.StreamError, "source went away")
	}))
	router := NewRouter(fixture.NewDiscardLogger(), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "flaky", nil))
	require.NotNil(t, res.Stream)

	var got []*envelope.Envelope
	for e := range res.Stream.C {
		got = append(got, e)
	}

	require.Len(t, got, 2)
	assert.Equal(t, envelope.TypeStreamChunk, got[0].Type)
	require.Equal(t, envelope.TypeError, got[1].Type)
	fe := got[1].Payload.(*fault.Error)
	assert.Equal(t, fault.StreamError, fe.Code)
}

func TestHandleStreamCancel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterStream("endless", func(ctx context.Context, _ *Context, _ any, emit EmitFunc) error {
		for i := 0; ; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
	}))
	router := NewRouter(fixture.NewDiscardLogger(), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "endless", nil))
	require.NotNil(t, res.Stream)

	first, ok := <-res.Stream.C
	require.True(t, ok)
	assert.Equal(t, envelope.TypeStreamChunk, first.Type)

	res.Stream.Cancel()
	res.Stream.Cancel() // idempotent

	var last *envelope.Envelope
	for e := range res.Stream.C {
		last = e
	}
	require.NotNil(t, last)
	assert.True(t, last.Type.Terminal())
}

func TestHandleEventInline(t *testing.T) {
	var delivered atomic.Int64
	r := NewRegistry()
	require.NoError(t, r.RegisterEvent("audit", func(context.Context, *Context, any) error {
		delivered.Add(1)
		return nil
	}))
	router := NewRouter(fixture.NewTestLogger(t), r)

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "audit", "data"))

	require.False(t, res.IsError())
	assert.Equal(t, envelope.TypeResponse, res.Envelope.Type)
	assert.Nil(t, res.Envelope.Payload)
	assert.Equal(t, int64(1), delivered.Load())
}

type recordingSink struct {
	calls atomic.Int64
}

func (s *recordingSink) Deliver(ctx context.Context, rc *Context, h *Handler, payload any) error {
	s.calls.Add(1)
	return h.Event(ctx, rc, payload)
}

func TestHandleEventThroughSink(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterEvent("audit", noopEvent))

	sink := &recordingSink{}
	router := NewRouter(fixture.NewTestLogger(t), r, WithEventSink(sink))

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "audit", nil))
	require.False(t, res.IsError())
	assert.Equal(t, int64(1), sink.calls.Load())
}

func TestPerHandlerInterceptorsRunInsideGlobals(t *testing.T) {
	var order []string
	tag := func(name string) Interceptor {
		return func(ctx context.Context, _ *Context, _ *envelope.Envelope, next Next) (any, error) {
			order = append(order, name)
			return next(ctx)
		}
	}

	r := NewRegistry()
	require.NoError(t, r.RegisterProcedure("x", noopProcedure, WithInterceptors(tag("handler-scoped"))))
	router := NewRouter(fixture.NewTestLogger(t), r, WithGlobalInterceptors(tag("global")))

	res := router.Handle(context.Background(), nil, envelope.NewRequest("req-1", "x", nil))
	require.False(t, res.IsError())
	assert.Equal(t, []string{"global", "handler-scoped"}, order)
}
