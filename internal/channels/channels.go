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

// Package channels implements named pub/sub channels over socket
// connections, with private channels gated by an authorization hook
// and presence channels that track and announce their member set.
package channels

import (
	"strings"
	"time"
)

// Type classifies a channel by its name prefix.
type Type string

const (
	Public   Type = "public"
	Private  Type = "private"
	Presence Type = "presence"
)

// TypeOf derives the channel type from its name.
func TypeOf(name string) Type {
	switch {
	case strings.HasPrefix(name, "presence-"):
		return Presence
	case strings.HasPrefix(name, "private-"):
		return Private
	default:
		return Public
	}
}

// Member identifies a presence channel occupant.
type Member struct {
	ID     string         `json:"id"`
	UserID string         `json:"userId,omitempty"`
	Info   map[string]any `json:"info,omitempty"`

	// JoinedAt records when the member subscribed. Server-side
	// bookkeeping only, never serialized.
	JoinedAt time.Time `json:"-"`
}

// EventMessage is the broadcast frame delivered to subscribers.
type EventMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// Presence system events broadcast on presence channels.
const (
	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"
)
