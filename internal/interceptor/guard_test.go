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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
)

func authedContext(roles []string, scopes []string) *dispatch.Context {
	return dispatch.NewContext("1").WithAuth(dispatch.Auth{
		Principal:     "alice",
		Authenticated: true,
		Roles:         roles,
		Scopes:        scopes,
	})
}

func TestGuardRequirements(t *testing.T) {
	admin := authedContext([]string{"admin"}, []string{"reports:read", "reports:write"})
	viewer := authedContext([]string{"viewer"}, []string{"reports:read"})

	tests := map[string]struct {
		requirement Requirement
		rc          *dispatch.Context
		wantCode    fault.Code
	}{
		"allow true":         {Allow(true), nil, ""},
		"allow false":        {Allow(false), admin, fault.PermissionDenied},
		"authenticated ok":   {Authenticated(), viewer, ""},
		"authenticated nil":  {Authenticated(), nil, fault.Unauthenticated},
		"role held":          {Role("admin"), admin, ""},
		"role missing":       {Role("admin"), viewer, fault.PermissionDenied},
		"role unauthed":      {Role("admin"), nil, fault.Unauthenticated},
		"scope held":         {Scope("reports:read"), viewer, ""},
		"scope missing":      {Scope("reports:write"), viewer, fault.PermissionDenied},
		"any scope held":     {AnyScope("reports:write", "reports:read"), viewer, ""},
		"any scope missing":  {AnyScope("reports:write", "reports:admin"), viewer, fault.PermissionDenied},
		"any scope unauthed": {AnyScope("reports:read"), nil, fault.Unauthenticated},
		"check passes":       {Check(func(context.Context, *dispatch.Context) (bool, error) { return true, nil }), nil, ""},
		"check denies":       {Check(func(context.Context, *dispatch.Context) (bool, error) { return false, nil }), admin, fault.PermissionDenied},
		"policy passes":      {PolicyOf(Policy{Role: "admin", Scopes: []string{"reports:read"}}), admin, ""},
		"policy wrong role":  {PolicyOf(Policy{Role: "admin"}), viewer, fault.PermissionDenied},
		"policy needs all scopes": {
			PolicyOf(Policy{Scopes: []string{"reports:read", "reports:write"}}), viewer, fault.PermissionDenied,
		},
		"policy unauthed": {PolicyOf(Policy{Role: "admin"}), nil, fault.Unauthenticated},
		"policy check denies": {
			PolicyOf(Policy{
				Role:  "admin",
				Check: func(context.Context, *dispatch.Context) (bool, error) { return false, nil },
			}), admin, fault.PermissionDenied,
		},
	}

	env := envelope.NewRequest("1", "reports.get", nil)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var ran bool
			next := func(context.Context) (any, error) {
				ran = true
				return "ok", nil
			}

			res, err := Guard(tc.requirement)(context.Background(), tc.rc, env, next)
			if tc.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, "ok", res)
				assert.True(t, ran)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, fault.Convert(err).Code)
			assert.False(t, ran, "the handler must not run on a denied request")
		})
	}
}

func TestGuardCheckErrorPropagates(t *testing.T) {
	boom := errors.New("directory unavailable")
	req := Check(func(context.Context, *dispatch.Context) (bool, error) { return false, boom })

	_, err := Guard(req)(context.Background(), nil, envelope.NewRequest("1", "reports.get", nil), func(context.Context) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.ErrorIs(t, err, boom)
}
