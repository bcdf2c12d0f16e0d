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

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
)

type guardKind int

const (
	guardAllow guardKind = iota
	guardAuthenticated
	guardRole
	guardScope
	guardAnyScope
	guardCheck
	guardPolicy
)

// CheckFunc is a caller-supplied authorization decision.
type CheckFunc func(ctx context.Context, rc *dispatch.Context) (bool, error)

// Policy combines a role, a set of required scopes, and an optional
// custom check, all of which must pass.
type Policy struct {
	Role   string
	Scopes []string
	Check  CheckFunc
}

// Requirement is the tagged authorization variant enforced by Guard:
// a fixed boolean, an authentication demand, a role, one scope, any of
// several scopes, a custom check, or a composite policy.
type Requirement struct {
	kind   guardKind
	allow  bool
	role   string
	scope  string
	scopes []string
	check  CheckFunc
	policy Policy
}

// Allow passes or denies unconditionally.
func Allow(ok bool) Requirement { return Requirement{kind: guardAllow, allow: ok} }

// Authenticated requires an authenticated principal.
func Authenticated() Requirement { return Requirement{kind: guardAuthenticated} }

// Role requires the principal to hold role.
func Role(role string) Requirement { return Requirement{kind: guardRole, role: role} }

// Scope requires the principal to hold scope.
func Scope(scope string) Requirement { return Requirement{kind: guardScope, scope: scope} }

// AnyScope requires the principal to hold at least one of scopes.
func AnyScope(scopes ...string) Requirement {
	return Requirement{kind: guardAnyScope, scopes: scopes}
}

// Check defers the decision to fn.
func Check(fn CheckFunc) Requirement { return Requirement{kind: guardCheck, check: fn} }

// PolicyOf requires every part of p to pass.
func PolicyOf(p Policy) Requirement { return Requirement{kind: guardPolicy, policy: p} }

// evaluate returns nil when the requirement passes.
func (r Requirement) evaluate(ctx context.Context, rc *dispatch.Context) error {
	unauthenticated := rc == nil || !rc.Auth.Authenticated

	switch r.kind {
	case guardAllow:
		if !r.allow {
			return fault.New(fault.PermissionDenied, "access denied")
		}
		return nil
	case guardAuthenticated:
		if unauthenticated {
			return fault.New(fault.Unauthenticated, "authentication required")
		}
		return nil
	case guardRole:
		if unauthenticated {
			return fault.New(fault.Unauthenticated, "authentication required")
		}
		if !rc.Auth.HasRole(r.role) {
			return fault.Newf(fault.PermissionDenied, "role %q required", r.role)
		}
		return nil
	case guardScope:
		if unauthenticated {
			return fault.New(fault.Unauthenticated, "authentication required")
		}
		if !rc.Auth.HasScope(r.scope) {
			return fault.Newf(fault.PermissionDenied, "scope %q required", r.scope)
		}
		return nil
	case guardAnyScope:
		if unauthenticated {
			return fault.New(fault.Unauthenticated, "authentication required")
		}
		for _, s := range r.scopes {
			if rc.Auth.HasScope(s) {
				return nil
			}
		}
		return fault.Newf(fault.PermissionDenied, "one of scopes %v required", r.scopes)
	case guardCheck:
		ok, err := r.check(ctx, rc)
		if err != nil {
			return err
		}
		if !ok {
			return fault.New(fault.PermissionDenied, "access denied")
		}
		return nil
	case guardPolicy:
		if unauthenticated {
			return fault.New(fault.Unauthenticated, "authentication required")
		}
		if r.policy.Role != "" && !rc.Auth.HasRole(r.policy.Role) {
			return fault.Newf(fault.PermissionDenied, "role %q required", r.policy.Role)
		}
		for _, s := range r.policy.Scopes {
			if !rc.Auth.HasScope(s) {
				return fault.Newf(fault.PermissionDenied, "scope %q required", s)
			}
		}
		if r.policy.Check != nil {
			ok, err := r.policy.Check(ctx, rc)
			if err != nil {
				return err
			}
			if !ok {
				return fault.New(fault.PermissionDenied, "access denied")
			}
		}
		return nil
	}
	return fault.New(fault.Internal, "unknown guard requirement")
}

// Guard returns an interceptor enforcing requirement before the
// handler runs.
func Guard(requirement Requirement) dispatch.Interceptor {
	return func(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
		if err := requirement.evaluate(ctx, rc); err != nil {
			return nil, err
		}
		return next(ctx)
	}
}
