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

// Package interceptor provides the request-level interceptors of the
// runtime: in-flight coalescing (dedup), TTL caching with
// stale-while-revalidate, sliding window rate limiting, per-procedure
// bulkheads, payload size limits, and authorization guards.
package interceptor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
)

// KeyFunc derives the fingerprint under which an envelope is tracked
// by a keyed interceptor.
type KeyFunc func(rc *dispatch.Context, env *envelope.Envelope) string

// Matcher selects the envelopes an interceptor applies to. The zero
// value matches request envelopes for every procedure.
type Matcher struct {
	// Types restricts matching to the given envelope types. Empty
	// means request envelopes only.
	Types []envelope.Type

	// Procedures restricts matching to procedures whose dotted name
	// matches any of the glob patterns ("*" matches one segment, "**"
	// any number of segments). Empty matches all.
	Procedures []string
}

// Matches reports whether env is subject to the interceptor.
func (m Matcher) Matches(env *envelope.Envelope) bool {
	if len(m.Types) == 0 {
		if env.Type != envelope.TypeRequest {
			return false
		}
	} else {
		var found bool
		for _, t := range m.Types {
			if env.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(m.Procedures) == 0 {
		return true
	}
	for _, pattern := range m.Procedures {
		if MatchPattern(pattern, env.Procedure) {
			return true
		}
	}
	return false
}

// MatchPattern matches a dotted procedure name against a glob pattern
// where "*" stands for exactly one segment and "**" for any number of
// segments, including none.
func MatchPattern(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(name, "."))
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) > 0 {
			return matchSegments(pattern, name[1:])
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != name[0] {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}

// djb2 is the classic Bernstein string hash.
func djb2(b []byte) uint32 {
	h := uint32(5381)
	for _, c := range b {
		h = h*33 + uint32(c)
	}
	return h
}

// fingerprint builds "<prefix>:<procedure>:<djb2(JSON(payload))>", the
// default key for the dedup and cache interceptors.
func fingerprint(prefix string, env *envelope.Envelope) string {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		b = []byte(err.Error())
	}
	return prefix + ":" + env.Procedure + ":" + strconv.FormatUint(uint64(djb2(b)), 10)
}
