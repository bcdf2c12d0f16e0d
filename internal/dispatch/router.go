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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/metrics"
)

// defaultStreamBuffer is the chunk channel capacity between a stream
// handler and its transport.
const defaultStreamBuffer = 16

// Stream is the lazy reply sequence of a stream handler: zero or more
// chunk envelopes followed by exactly one stream:end or error
// envelope, all carrying the initiating request's id.
type Stream struct {
	C      <-chan *envelope.Envelope
	cancel context.CancelFunc
}

// Cancel stops the producing handler. The terminal envelope is still
// emitted before the channel closes. Cancel is idempotent.
func (s *Stream) Cancel() { s.cancel() }

// Result is the outcome of routing one envelope: either a single
// response or error envelope, or a stream.
type Result struct {
	Envelope *envelope.Envelope
	Stream   *Stream
}

// IsError reports whether the result is an error envelope.
func (r *Result) IsError() bool {
	return r.Envelope != nil && r.Envelope.Type == envelope.TypeError
}

// EventSink delivers event payloads according to the handler's
// delivery guarantee. The events engine implements it; when absent the
// router invokes event handlers inline.
type EventSink interface {
	Deliver(ctx context.Context, rc *Context, h *Handler, payload any) error
}

// Router dispatches envelopes through the interceptor chain to the
// registered handler and maps failures onto error envelopes. Exactly
// one terminal envelope is produced on the reply path for every
// envelope entering Handle.
type Router struct {
	logrus.FieldLogger

	registry        *Registry
	interceptors    []Interceptor
	metrics         *metrics.Metrics
	events          EventSink
	maxCallingLevel int
	streamBuffer    int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithGlobalInterceptors appends interceptors that run for every
// envelope, outermost first, before any per-handler interceptors.
func WithGlobalInterceptors(ics ...Interceptor) RouterOption {
	return func(r *Router) { r.interceptors = append(r.interceptors, ics...) }
}

// WithMetrics instruments the router.
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithEventSink routes event envelopes through sink instead of
// invoking the handler inline.
func WithEventSink(sink EventSink) RouterOption {
	return func(r *Router) { r.events = sink }
}

// WithMaxCallingLevel overrides the nested call depth cap.
func WithMaxCallingLevel(n int) RouterOption {
	return func(r *Router) { r.maxCallingLevel = n }
}

// WithStreamBuffer overrides the stream chunk channel capacity.
func WithStreamBuffer(n int) RouterOption {
	return func(r *Router) { r.streamBuffer = n }
}

// NewRouter returns a Router over registry.
func NewRouter(log logrus.FieldLogger, registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		FieldLogger:     log,
		registry:        registry,
		maxCallingLevel: MaxCallingLevel,
		streamBuffer:    defaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrorEnvelope maps fe onto the error envelope for env, preserving
// the request id.
func ErrorEnvelope(env *envelope.Envelope, fe *fault.Error) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        env.ID,
		Procedure: env.Procedure,
		Type:      envelope.TypeError,
		Payload:   fe,
	}
}

func (r *Router) errorResult(env *envelope.Envelope, fe *fault.Error) *Result {
	return &Result{Envelope: ErrorEnvelope(env, fe)}
}

// Handle resolves env's procedure, composes the interceptor chain
// (global, then per-handler, then the terminal handler adapter), and
// invokes the handler. It never returns a Go error: every failure
// surfaces as an error envelope so transports always have exactly one
// terminal reply to deliver.
func (r *Router) Handle(ctx context.Context, rc *Context, env *envelope.Envelope) *Result {
	if rc == nil {
		rc = NewContext(env.ID)
	}
	rc.bind(r.call)

	r.metrics.RequestStarted()
	defer r.metrics.RequestFinished()
	start := time.Now()

	h, ok := r.registry.Lookup(env.Procedure)
	if !ok {
		r.metrics.ObserveRequest(env.Procedure, string(fault.NotFound), time.Since(start).Seconds())
		return r.errorResult(env, fault.Newf(fault.NotFound, "no handler registered for procedure %q", env.Procedure))
	}
	if rc.CallingLevel > r.maxCallingLevel {
		r.metrics.ObserveRequest(env.Procedure, string(fault.CallingDepthExceeded), time.Since(start).Seconds())
		return r.errorResult(env, fault.Newf(fault.CallingDepthExceeded, "calling level %d exceeds the maximum of %d", rc.CallingLevel, r.maxCallingLevel))
	}

	ics := make([]Interceptor, 0, len(r.interceptors)+len(h.Interceptors))
	ics = append(ics, r.interceptors...)
	ics = append(ics, h.Interceptors...)

	switch h.Kind {
	case KindStream:
		return r.handleStream(ctx, rc, env, h, ics)
	case KindEvent:
		return r.handleEvent(ctx, rc, env, h, ics, start)
	default:
		return r.handleProcedure(ctx, rc, env, h, ics, start)
	}
}

func (r *Router) handleProcedure(ctx context.Context, rc *Context, env *envelope.Envelope, h *Handler, ics []Interceptor, start time.Time) *Result {
	terminal := func(ctx context.Context) (res any, err error) {
		defer r.recoverPanic(env, &err)
		return h.Procedure(ctx, rc, env.Payload)
	}

	res, err := compose(r.FieldLogger, ics, rc, env, terminal)(ctx)
	if err != nil {
		fe := fault.Convert(err)
		r.metrics.ObserveRequest(env.Procedure, string(fe.Code), time.Since(start).Seconds())
		return r.errorResult(env, fe)
	}
	r.metrics.ObserveRequest(env.Procedure, "success", time.Since(start).Seconds())
	return &Result{Envelope: env.Response(res)}
}

func (r *Router) handleEvent(ctx context.Context, rc *Context, env *envelope.Envelope, h *Handler, ics []Interceptor, start time.Time) *Result {
	terminal := func(ctx context.Context) (res any, err error) {
		defer r.recoverPanic(env, &err)
		if r.events != nil {
			return nil, r.events.Deliver(ctx, rc, h, env.Payload)
		}
		return nil, h.Event(ctx, rc, env.Payload)
	}

	if _, err := compose(r.FieldLogger, ics, rc, env, terminal)(ctx); err != nil {
		fe := fault.Convert(err)
		r.metrics.ObserveRequest(env.Procedure, string(fe.Code), time.Since(start).Seconds())
		return r.errorResult(env, fe)
	}
	r.metrics.ObserveRequest(env.Procedure, "success", time.Since(start).Seconds())
	return &Result{Envelope: env.Response(nil)}
}

func (r *Router) handleStream(ctx context.Context, rc *Context, env *envelope.Envelope, h *Handler, ics []Interceptor) *Result {
	sctx, cancel := context.WithCancel(ctx)
	ch := make(chan *envelope.Envelope, r.streamBuffer)
	start := time.Now()

	emit := func(payload any) error {
		select {
		case ch <- env.Chunk(payload):
			return nil
		case <-sctx.Done():
			return fault.New(fault.Cancelled, "stream cancelled")
		}
	}

	// A cancelled consumer may never drain the terminal envelope; once
	// the stream context is done, give a still-draining consumer a
	// short grace period before dropping it.
	deliver := func(e *envelope.Envelope) {
		select {
		case ch <- e:
		case <-sctx.Done():
			timer := time.NewTimer(50 * time.Millisecond)
			defer timer.Stop()
			select {
			case ch <- e:
			case <-timer.C:
			}
		}
	}

	go func() {
		defer close(ch)
		run := func(ctx context.Context) (res any, err error) {
			defer r.recoverPanic(env, &err)
			return nil, h.Stream(ctx, rc, env.Payload, emit)
		}
		_, err := compose(r.FieldLogger, ics, rc, env, run)(sctx)
		if err != nil {
			fe := fault.Convert(err)
			r.metrics.ObserveRequest(env.Procedure, string(fe.Code), time.Since(start).Seconds())
			deliver(ErrorEnvelope(env, fe))
			return
		}
		r.metrics.ObserveRequest(env.Procedure, "success", time.Since(start).Seconds())
		deliver(env.End())
	}()

	return &Result{Stream: &Stream{C: ch, cancel: cancel}}
}

func (r *Router) recoverPanic(env *envelope.Envelope, err *error) {
	if p := recover(); p != nil {
		r.WithField("procedure", env.Procedure).
			WithField("id", env.ID).
			WithField("panic", p).
			Error("handler panicked")
		*err = fault.Newf(fault.Internal, "handler panicked: %v", p)
	}
}

// call is installed into every Context so handlers can re-enter the
// router. The derived child context preserves requestId, auth and
// trace identity at calling level +1; the depth cap is enforced by
// Handle.
func (r *Router) call(ctx context.Context, parent *Context, procedure string, payload any) (any, error) {
	child := parent.child()
	env := envelope.NewRequest(parent.RequestID, procedure, payload)

	res := r.Handle(ctx, child, env)
	if res.Stream != nil {
		res.Stream.Cancel()
		for range res.Stream.C {
		}
		return nil, fault.Newf(fault.InvalidType, "procedure %q is a stream and cannot be invoked as a unary call", procedure)
	}
	if res.IsError() {
		if fe, ok := res.Envelope.Payload.(*fault.Error); ok {
			return nil, fe
		}
		return nil, fault.Newf(fault.Unknown, "call to %q failed", procedure)
	}
	return res.Envelope.Payload, nil
}
