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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/projectrelay/relay/internal/fault"
)

// MaxCallingLevel caps nested Call depth; the router rejects calls
// beyond it with CALLING_DEPTH_EXCEEDED.
const MaxCallingLevel = 100

// Auth carries the authenticated principal for a request. The zero
// value is an anonymous, unauthenticated caller.
type Auth struct {
	Principal     string
	Authenticated bool
	Claims        map[string]any
	Roles         []string
	Scopes        []string
}

// HasRole reports whether the principal holds role.
func (a Auth) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the principal holds scope.
func (a Auth) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Tracing carries trace correlation identifiers across nested calls.
type Tracing struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// CallFunc re-enters the router on behalf of a handler. It is bound by
// the router when a request first enters it.
type CallFunc func(ctx context.Context, rc *Context, procedure string, payload any) (any, error)

// extensions is the set-once store for adapter-specific payloads. It is
// shared between a Context and all its children so an extension set
// anywhere in a call tree is visible everywhere.
type extensions struct {
	mu     sync.Mutex
	values map[any]any
}

// Context is the per-request ambient state. It is created when an
// envelope enters the router and never reused across envelopes.
// Cancellation and deadlines travel in the accompanying
// context.Context; Deadline mirrors the absolute instant for
// introspection.
type Context struct {
	RequestID    string
	Deadline     time.Time
	Auth         Auth
	Tracing      Tracing
	CallingLevel int

	call CallFunc
	ext  *extensions
}

// NewContext returns a fresh Context at calling level 1 with a minted
// trace if none is supplied later via WithTracing.
func NewContext(requestID string) *Context {
	return &Context{
		RequestID:    requestID,
		CallingLevel: 1,
		Tracing: Tracing{
			TraceID: uuid.NewString(),
			SpanID:  uuid.NewString(),
		},
		ext: &extensions{values: make(map[any]any)},
	}
}

// WithAuth returns a copy of c carrying auth.
func (c *Context) WithAuth(auth Auth) *Context {
	out := *c
	out.Auth = auth
	return &out
}

// WithTracing returns a copy of c carrying tracing.
func (c *Context) WithTracing(tracing Tracing) *Context {
	out := *c
	out.Tracing = tracing
	return &out
}

// WithDeadline returns a copy of c carrying the absolute deadline.
func (c *Context) WithDeadline(deadline time.Time) *Context {
	out := *c
	out.Deadline = deadline
	return &out
}

// child derives the Context for a nested call: requestId, auth and
// trace are preserved, the span is re-parented, and the calling level
// increments by one.
func (c *Context) child() *Context {
	out := *c
	out.CallingLevel = c.CallingLevel + 1
	out.Tracing = Tracing{
		TraceID:      c.Tracing.TraceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: c.Tracing.SpanID,
	}
	return &out
}

// bind installs the router re-entry function. The first binder wins so
// nested routers cannot hijack an in-flight request.
func (c *Context) bind(fn CallFunc) {
	if c.call == nil {
		c.call = fn
	}
}

// Call invokes another registered handler through the router,
// preserving auth, tracing and requestId, at calling level +1.
func (c *Context) Call(ctx context.Context, procedure string, payload any) (any, error) {
	if c.call == nil {
		return nil, fault.New(fault.Internal, "context is not bound to a router")
	}
	return c.call(ctx, c, procedure, payload)
}

// SetExtension stores an adapter-specific value under key. Keys are
// set-once; storing a duplicate fails with ALREADY_EXISTS.
func (c *Context) SetExtension(key, value any) error {
	if c.ext == nil {
		c.ext = &extensions{values: make(map[any]any)}
	}
	c.ext.mu.Lock()
	defer c.ext.mu.Unlock()
	if _, ok := c.ext.values[key]; ok {
		return fault.Newf(fault.AlreadyExists, "extension %v is already set", key)
	}
	c.ext.values[key] = value
	return nil
}

// Extension returns the value stored under key.
func (c *Context) Extension(key any) (any, bool) {
	if c.ext == nil {
		return nil, false
	}
	c.ext.mu.Lock()
	defer c.ext.mu.Unlock()
	v, ok := c.ext.values[key]
	return v, ok
}
