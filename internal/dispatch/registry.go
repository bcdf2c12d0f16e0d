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

// Package dispatch implements the protocol-agnostic core of the
// runtime: the handler registry, the per-request Context, and the
// envelope router with its interceptor chain.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/projectrelay/relay/internal/fault"
)

// Kind distinguishes the three handler shapes.
type Kind string

const (
	KindProcedure Kind = "procedure"
	KindStream    Kind = "stream"
	KindEvent     Kind = "event"
)

// Direction describes who produces the payloads of a stream.
type Direction string

const (
	DirectionServer        Direction = "server"
	DirectionClient        Direction = "client"
	DirectionBidirectional Direction = "bidirectional"
)

// Guarantee selects the delivery behaviour for event handlers.
type Guarantee string

const (
	GuaranteeBestEffort  Guarantee = "best-effort"
	GuaranteeAtLeastOnce Guarantee = "at-least-once"
)

// RetryPolicy controls redelivery for at-least-once events.
type RetryPolicy struct {
	// Attempts is the maximum number of delivery attempts, including
	// the first. Zero means a single attempt.
	Attempts int

	// Backoff is the delay before the first retry.
	Backoff time.Duration

	// Multiplier scales the backoff between consecutive retries. Values
	// below 1 are treated as 1 (fixed backoff).
	Multiplier float64
}

// Meta is the descriptive and per-protocol metadata attached to a
// registered handler.
type Meta struct {
	Summary      string
	Description  string
	Tags         []string
	ContentTypes []string

	// Streams only.
	Direction Direction

	// Events only.
	Guarantee Guarantee
	Retry     RetryPolicy

	// Per-protocol mapping hints consumed by downstream adapters.
	HTTPMethod    string
	HTTPPath      string
	JSONRPCMethod string
	GRPCService   string
	GRPCMethod    string
}

// EmitFunc delivers one stream payload to the caller. It returns an
// error when the stream has been cancelled, which the handler should
// treat as terminal.
type EmitFunc func(payload any) error

// ProcedureFunc is a unary handler: one request, one response.
type ProcedureFunc func(ctx context.Context, rc *Context, payload any) (any, error)

// StreamFunc produces a sequence of payloads via emit. Returning nil
// ends the stream cleanly; returning an error terminates it with an
// error envelope.
type StreamFunc func(ctx context.Context, rc *Context, payload any, emit EmitFunc) error

// EventFunc is a fire-and-forget handler.
type EventFunc func(ctx context.Context, rc *Context, payload any) error

// Handler is a registered procedure, stream, or event together with
// its metadata and per-handler interceptors.
type Handler struct {
	Kind         Kind
	Name         string
	Meta         Meta
	Interceptors []Interceptor

	Procedure ProcedureFunc
	Stream    StreamFunc
	Event     EventFunc
}

// Option mutates handler metadata at registration time.
type Option func(*Handler)

// WithSummary sets the one-line summary.
func WithSummary(s string) Option {
	return func(h *Handler) { h.Meta.Summary = s }
}

// WithDescription sets the long-form description.
func WithDescription(s string) Option {
	return func(h *Handler) { h.Meta.Description = s }
}

// WithTags appends classification tags.
func WithTags(tags ...string) Option {
	return func(h *Handler) { h.Meta.Tags = append(h.Meta.Tags, tags...) }
}

// WithContentTypes sets the accepted content types.
func WithContentTypes(types ...string) Option {
	return func(h *Handler) { h.Meta.ContentTypes = types }
}

// WithInterceptors appends per-handler interceptors. They run after
// the router's global interceptors, closest to the handler.
func WithInterceptors(ics ...Interceptor) Option {
	return func(h *Handler) { h.Interceptors = append(h.Interceptors, ics...) }
}

// WithDirection sets the stream direction.
func WithDirection(d Direction) Option {
	return func(h *Handler) { h.Meta.Direction = d }
}

// WithGuarantee sets the event delivery guarantee.
func WithGuarantee(g Guarantee) Option {
	return func(h *Handler) { h.Meta.Guarantee = g }
}

// WithRetry sets the event retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(h *Handler) { h.Meta.Retry = p }
}

// WithHTTPRoute records the HTTP mapping hint for a procedure.
func WithHTTPRoute(method, path string) Option {
	return func(h *Handler) {
		h.Meta.HTTPMethod = method
		h.Meta.HTTPPath = path
	}
}

// WithJSONRPCMethod records the JSON-RPC mapping hint.
func WithJSONRPCMethod(method string) Option {
	return func(h *Handler) { h.Meta.JSONRPCMethod = method }
}

// WithGRPCMapping records the gRPC mapping hint.
func WithGRPCMapping(service, method string) Option {
	return func(h *Handler) {
		h.Meta.GRPCService = service
		h.Meta.GRPCMethod = method
	}
}

// Registry stores uniquely named handlers. Names are unique across the
// union of procedures, streams, and events. Registrations happen
// before the server starts; lookups afterwards are read-locked only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
	order    []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

func (r *Registry) register(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[h.Name]; ok {
		return fault.Newf(fault.AlreadyExists, "name %q is already registered as a %s", h.Name, existing.Kind)
	}
	r.handlers[h.Name] = h
	r.order = append(r.order, h.Name)
	return nil
}

// RegisterProcedure registers a unary handler under name.
func (r *Registry) RegisterProcedure(name string, fn ProcedureFunc, opts ...Option) error {
	h := &Handler{Kind: KindProcedure, Name: name, Procedure: fn}
	for _, opt := range opts {
		opt(h)
	}
	return r.register(h)
}

// RegisterStream registers a stream handler under name. The direction
// defaults to server.
func (r *Registry) RegisterStream(name string, fn StreamFunc, opts ...Option) error {
	h := &Handler{
		Kind:   KindStream,
		Name:   name,
		Stream: fn,
		Meta:   Meta{Direction: DirectionServer},
	}
	for _, opt := range opts {
		opt(h)
	}
	return r.register(h)
}

// RegisterEvent registers an event handler under name. The delivery
// guarantee defaults to best-effort.
func (r *Registry) RegisterEvent(name string, fn EventFunc, opts ...Option) error {
	h := &Handler{
		Kind:  KindEvent,
		Name:  name,
		Event: fn,
		Meta:  Meta{Guarantee: GuaranteeBestEffort},
	}
	for _, opt := range opts {
		opt(h)
	}
	return r.register(h)
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

func (r *Registry) list(kind Kind) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handler
	for _, name := range r.order {
		h := r.handlers[name]
		if kind == "" || h.Kind == kind {
			out = append(out, h)
		}
	}
	return out
}

// All returns every handler in insertion order.
func (r *Registry) All() []*Handler { return r.list("") }

// Procedures returns registered procedures in insertion order.
func (r *Registry) Procedures() []*Handler { return r.list(KindProcedure) }

// Streams returns registered streams in insertion order.
func (r *Registry) Streams() []*Handler { return r.list(KindStream) }

// Events returns registered events in insertion order.
func (r *Registry) Events() []*Handler { return r.list(KindEvent) }
