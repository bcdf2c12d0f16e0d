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

// Package etag implements weak entity tags and the conditional request
// semantics of If-Match / If-None-Match.
package etag

import (
	"crypto/md5" // #nosec G501 -- not used for security, only cache validation
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Generate returns the weak ETag for record: W/"<16 hex chars of
// md5(JSON(record))>".
func Generate(record any) (string, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("unable to serialise record for etag: %w", err)
	}
	sum := md5.Sum(b) // #nosec G401
	return `W/"` + hex.EncodeToString(sum[:])[:16] + `"`, nil
}

// normalize strips the weak prefix and surrounding quotes from a tag.
func normalize(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

// MatchesIfMatch evaluates an If-Match header against the current tag.
// "*" matches anything; otherwise the header is a comma separated list
// and any normalized entry equal to the current tag passes.
func MatchesIfMatch(header, current string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return true
	}
	if header == "*" {
		return true
	}
	want := normalize(current)
	for _, tag := range strings.Split(header, ",") {
		if normalize(tag) == want {
			return true
		}
	}
	return false
}

// Fresh evaluates an If-None-Match header against the current tag and
// reports whether the client's copy is still fresh (i.e. a 304 should
// be returned). "*" always reports fresh for an existing resource.
func Fresh(header, current string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	return MatchesIfMatch(header, current)
}
