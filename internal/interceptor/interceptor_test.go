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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/projectrelay/relay/internal/envelope"
)

func TestMatchPattern(t *testing.T) {
	tests := map[string]struct {
		pattern string
		name    string
		want    bool
	}{
		"exact":                          {"users.get", "users.get", true},
		"exact mismatch":                 {"users.get", "users.list", false},
		"star matches one segment":       {"users.*", "users.get", true},
		"star does not span segments":    {"users.*", "users.get.byId", false},
		"star needs a segment":           {"users.*", "users", false},
		"doublestar matches many":        {"users.**", "users.get.byId", true},
		"doublestar matches none":        {"users.**", "users", true},
		"doublestar alone":               {"**", "a.b.c", true},
		"leading doublestar":             {"**.get", "users.admin.get", true},
		"middle star":                    {"users.*.get", "users.admin.get", true},
		"middle star mismatch":           {"users.*.get", "users.get", false},
		"shorter name than pattern":      {"a.b.c", "a.b", false},
		"longer name than pattern":       {"a.b", "a.b.c", false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.name))
		})
	}
}

func TestMatcherMatches(t *testing.T) {
	request := envelope.NewRequest("1", "users.get", nil)
	event := &envelope.Envelope{Procedure: "users.get", Type: envelope.TypeEvent}

	tests := map[string]struct {
		matcher Matcher
		env     *envelope.Envelope
		want    bool
	}{
		"zero value matches requests":        {Matcher{}, request, true},
		"zero value rejects events":          {Matcher{}, event, false},
		"explicit type matches":              {Matcher{Types: []envelope.Type{envelope.TypeEvent}}, event, true},
		"explicit type rejects others":       {Matcher{Types: []envelope.Type{envelope.TypeEvent}}, request, false},
		"procedure pattern matches":          {Matcher{Procedures: []string{"users.*"}}, request, true},
		"procedure pattern rejects":          {Matcher{Procedures: []string{"orders.*"}}, request, false},
		"any of several patterns suffices":   {Matcher{Procedures: []string{"orders.*", "users.**"}}, request, true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.matcher.Matches(tc.env))
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := envelope.NewRequest("1", "users.get", map[string]any{"id": 1})
	b := envelope.NewRequest("2", "users.get", map[string]any{"id": 1})
	c := envelope.NewRequest("3", "users.get", map[string]any{"id": 2})

	// Identical procedure and payload share a fingerprint regardless of
	// the envelope id.
	assert.Equal(t, fingerprint("dedup", a), fingerprint("dedup", b))
	assert.NotEqual(t, fingerprint("dedup", a), fingerprint("dedup", c))
	assert.NotEqual(t, fingerprint("dedup", a), fingerprint("cache", a))
}
