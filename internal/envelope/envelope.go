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

// Package envelope defines the transport-agnostic message record that
// crosses the boundary of the dispatch core, together with its JSON
// wire form.
package envelope

import "encoding/json"

// Type discriminates the envelope variants on the wire.
type Type string

const (
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeError       Type = "error"
	TypeEvent       Type = "event"
	TypeStreamStart Type = "stream:start"
	TypeStreamChunk Type = "stream:chunk"
	TypeStreamEnd   Type = "stream:end"
)

// Terminal reports whether t ends the reply path for a request id.
func (t Type) Terminal() bool {
	switch t {
	case TypeResponse, TypeError, TypeStreamEnd:
		return true
	default:
		return false
	}
}

// Envelope is the unit transferred across the boundary of the core.
// The id is preserved from request to response, chunks, and error; a
// stream carries the id of its initiating request on every chunk and
// on the terminating end or error.
type Envelope struct {
	ID        string            `json:"id,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	Type      Type              `json:"type"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRequest returns a request envelope for the named procedure.
func NewRequest(id, procedure string, payload any) *Envelope {
	return &Envelope{
		ID:        id,
		Procedure: procedure,
		Type:      TypeRequest,
		Payload:   payload,
	}
}

// Response derives the response envelope for e, preserving id and
// procedure.
func (e *Envelope) Response(payload any) *Envelope {
	return &Envelope{
		ID:        e.ID,
		Procedure: e.Procedure,
		Type:      TypeResponse,
		Payload:   payload,
	}
}

// Chunk derives a stream chunk envelope for e.
func (e *Envelope) Chunk(payload any) *Envelope {
	return &Envelope{
		ID:        e.ID,
		Procedure: e.Procedure,
		Type:      TypeStreamChunk,
		Payload:   payload,
	}
}

// End derives the stream terminator envelope for e.
func (e *Envelope) End() *Envelope {
	return &Envelope{
		ID:        e.ID,
		Procedure: e.Procedure,
		Type:      TypeStreamEnd,
	}
}

// Metadatum returns the metadata value for key, or "".
func (e *Envelope) Metadatum(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// PayloadSize estimates the wire size of the payload in bytes. Byte
// slices and strings report their length directly; everything else is
// measured by its JSON serialisation.
func (e *Envelope) PayloadSize() int {
	return valueSize(e.Payload)
}

func valueSize(v any) int {
	switch p := v.(type) {
	case nil:
		return 0
	case []byte:
		return len(p)
	case string:
		return len(p)
	case json.RawMessage:
		return len(p)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return len(b)
	}
}

// Size estimates the wire size of an arbitrary value using the same
// rules as PayloadSize.
func Size(v any) int { return valueSize(v) }

// Clone returns a deep copy of v obtained by a JSON round trip. It is
// used wherever a result must be handed to multiple callers without
// sharing mutable state. Values that do not survive JSON serialisation
// are returned as-is.
func Clone(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
