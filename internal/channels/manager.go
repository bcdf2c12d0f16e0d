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

package channels

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/metrics"
)

// AuthorizeFunc decides whether socketID may join channel.
type AuthorizeFunc func(ctx context.Context, socketID, channel string, rc *dispatch.Context) (bool, error)

// PresenceDataFunc supplies the member record announced for socketID
// on a presence channel.
type PresenceDataFunc func(ctx context.Context, socketID, channel string, rc *dispatch.Context) Member

// PublishHookFunc vets a client-originated publish. Returning false
// suppresses the broadcast.
type PublishHookFunc func(ctx context.Context, socketID, channel, event string, data any, rc *dispatch.Context) (bool, error)

// SendFunc delivers a message to a single socket. Injected by the
// transport; must not block indefinitely.
type SendFunc func(socketID string, message any)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Authorize gates subscriptions. When nil, private and presence
	// channels deny all subscribers.
	Authorize AuthorizeFunc

	// PresenceData builds the member record for presence joins. When
	// nil the record carries only the socket ID.
	PresenceData PresenceDataFunc

	// OnPublish vets client publishes after the subscription check.
	OnPublish PublishHookFunc

	Metrics *metrics.Metrics
}

type channel struct {
	name        string
	typ         Type
	createdAt   time.Time
	subscribers map[string]struct{}
	// order preserves subscriber join order so broadcasts iterate a
	// consistent snapshot.
	order   []string
	members map[string]Member
}

func (c *channel) snapshot() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

func (c *channel) remove(socketID string) {
	delete(c.subscribers, socketID)
	for i, id := range c.order {
		if id == socketID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Manager owns all channel state. Mutations are serialized behind a
// single lock; sends happen under it so subscribers observe broadcasts
// in a consistent order.
type Manager struct {
	logrus.FieldLogger
	opts ManagerOptions
	send SendFunc

	mu       sync.Mutex
	channels map[string]*channel
	// bySocket indexes the channels each socket is subscribed to, for
	// disconnect cleanup.
	bySocket map[string]map[string]struct{}
	// subs counts subscriptions across all channels, for gauges.
	subs int
}

// NewManager returns a Manager delivering outbound messages via send.
func NewManager(log logrus.FieldLogger, send SendFunc, opts ManagerOptions) *Manager {
	return &Manager{
		FieldLogger: log,
		opts:        opts,
		send:        send,
		channels:    make(map[string]*channel),
		bySocket:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds socketID to name, creating the channel on first use.
// For presence channels the returned slice holds the full member list
// including the joining socket; it is nil otherwise.
func (m *Manager) Subscribe(ctx context.Context, socketID, name string, rc *dispatch.Context) ([]Member, error) {
	typ := TypeOf(name)
	if m.opts.Authorize != nil {
		ok, err := m.opts.Authorize(ctx, socketID, name, rc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.Newf(fault.PermissionDenied, "subscription to channel %q denied", name)
		}
	} else if typ != Public {
		// Non-public channels require an authorizer.
		return nil, fault.Newf(fault.PermissionDenied, "channel %q requires authorization", name)
	}

	var member Member
	if typ == Presence {
		if m.opts.PresenceData != nil {
			member = m.opts.PresenceData(ctx, socketID, name, rc)
		}
		if member.ID == "" {
			member.ID = socketID
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[name]
	if !ok {
		ch = &channel{
			name:        name,
			typ:         typ,
			createdAt:   time.Now(),
			subscribers: make(map[string]struct{}),
		}
		if typ == Presence {
			ch.members = make(map[string]Member)
		}
		m.channels[name] = ch
	}

	if _, dup := ch.subscribers[socketID]; dup {
		// Idempotent resubscribe.
		if typ == Presence {
			return ch.memberList(), nil
		}
		return nil, nil
	}

	ch.subscribers[socketID] = struct{}{}
	ch.order = append(ch.order, socketID)
	idx, ok := m.bySocket[socketID]
	if !ok {
		idx = make(map[string]struct{})
		m.bySocket[socketID] = idx
	}
	idx[name] = struct{}{}
	m.subs++
	m.opts.Metrics.SetChannels(len(m.channels), m.subs)

	if typ != Presence {
		return nil, nil
	}

	member.JoinedAt = time.Now()
	ch.members[socketID] = member
	m.broadcastLocked(ch, EventMemberAdded, member, socketID)
	return ch.memberList(), nil
}

func (c *channel) memberList() []Member {
	members := make([]Member, 0, len(c.members))
	for _, id := range c.order {
		if mem, ok := c.members[id]; ok {
			members = append(members, mem)
		}
	}
	return members
}

// Unsubscribe removes socketID from name. Unknown channels and
// non-subscribers are ignored.
func (m *Manager) Unsubscribe(socketID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(socketID, name)
}

func (m *Manager) unsubscribeLocked(socketID, name string) {
	ch, ok := m.channels[name]
	if !ok {
		return
	}
	if _, ok := ch.subscribers[socketID]; !ok {
		return
	}

	ch.remove(socketID)
	m.subs--
	if idx, ok := m.bySocket[socketID]; ok {
		delete(idx, name)
		if len(idx) == 0 {
			delete(m.bySocket, socketID)
		}
	}

	if ch.typ == Presence {
		member := ch.members[socketID]
		delete(ch.members, socketID)
		// Departure announcements omit the member info.
		m.broadcastLocked(ch, EventMemberRemoved, Member{ID: member.ID, UserID: member.UserID}, socketID)
	}

	if len(ch.subscribers) == 0 {
		delete(m.channels, name)
	}
	m.opts.Metrics.SetChannels(len(m.channels), m.subs)
}

// UnsubscribeAll detaches socketID from every channel it joined,
// emitting presence departures as it goes. Called on disconnect.
func (m *Manager) UnsubscribeAll(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.bySocket[socketID]
	if !ok {
		return
	}
	names := make([]string, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	for _, name := range names {
		m.unsubscribeLocked(socketID, name)
	}
}

// Broadcast delivers event to every subscriber of name except
// exceptSocketID. Unknown channels are a no-op.
func (m *Manager) Broadcast(name, event string, data any, exceptSocketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return
	}
	m.broadcastLocked(ch, event, data, exceptSocketID)
}

func (m *Manager) broadcastLocked(ch *channel, event string, data any, exceptSocketID string) {
	msg := EventMessage{
		Type:    "event",
		Channel: ch.name,
		Event:   event,
		Data:    data,
	}
	delivered := 0
	for _, socketID := range ch.snapshot() {
		if socketID == exceptSocketID {
			continue
		}
		m.send(socketID, msg)
		delivered++
	}
	m.opts.Metrics.ObserveBroadcast(delivered)
}

// Publish broadcasts a client-originated event. The sender must be
// subscribed; the OnPublish hook, when configured, may veto.
func (m *Manager) Publish(ctx context.Context, socketID, name, event string, data any, rc *dispatch.Context) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	subscribed := ok && func() bool { _, s := ch.subscribers[socketID]; return s }()
	m.mu.Unlock()

	if !subscribed {
		return fault.Newf(fault.PermissionDenied, "cannot publish to channel %q without a subscription", name)
	}

	if m.opts.OnPublish != nil {
		allowed, err := m.opts.OnPublish(ctx, socketID, name, event, data, rc)
		if err != nil {
			return err
		}
		if !allowed {
			return fault.Newf(fault.PermissionDenied, "publish to channel %q denied", name)
		}
	}

	m.Broadcast(name, event, data, socketID)
	return nil
}

// Members returns the current member list of a presence channel.
func (m *Manager) Members(name string) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok || ch.members == nil {
		return nil
	}
	return ch.memberList()
}

// CreatedAt reports when the channel came into existence. The zero
// time and false mean the channel does not currently exist.
func (m *Manager) CreatedAt(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return time.Time{}, false
	}
	return ch.createdAt, true
}

// Subscribers reports the subscriber count of name.
func (m *Manager) Subscribers(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}

// Len reports the number of live channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
