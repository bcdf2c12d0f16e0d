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

package wsengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/projectrelay/relay/internal/channels"
	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/shortid"
)

func newSocketID() string { return shortid.New() }

// inbound is the superset frame shape: channel protocol fields plus
// the envelope fields, discriminated by type.
type inbound struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Procedure string            `json:"procedure"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Channel   string            `json:"channel"`
	Event     string            `json:"event"`
	Data      any               `json:"data"`
}

// ackMessage acknowledges subscribe and unsubscribe requests, and
// answers application-level pings.
type ackMessage struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type"`
	Channel string            `json:"channel,omitempty"`
	Members []channels.Member `json:"members,omitempty"`
}

// errorMessage reports a failed channel protocol request.
type errorMessage struct {
	ID      string     `json:"id,omitempty"`
	Type    string     `json:"type"`
	Code    fault.Code `json:"code"`
	Status  int        `json:"status"`
	Message string     `json:"message"`
}

func channelError(id string, fe *fault.Error) errorMessage {
	return errorMessage{
		ID:      id,
		Type:    "error",
		Code:    fe.Code,
		Status:  fe.Code.Status(),
		Message: fe.Message,
	}
}

// client is the per-connection state. The read loop is the only reader
// of conn; writes from concurrent request handlers, broadcasts and the
// heartbeat serialize on writeMu.
type client struct {
	server     *Server
	id         string
	conn       *websocket.Conn
	remoteAddr string

	// ctx spans the connection; cancelling it aborts every in-flight
	// request derived from it.
	ctx    context.Context
	cancel context.CancelFunc
	seed   *dispatch.Context

	writeMu sync.Mutex

	mu             sync.Mutex
	alive          bool
	activeRequests map[string]context.CancelFunc
	activeStreams  map[string]context.CancelFunc
}

// send writes one frame under a deadline. A slow or stalled receiver
// fails the write rather than blocking the caller; the failed
// connection is then reaped by the next heartbeat sweep.
func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *client) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (c *client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweepAlive reports liveness since the previous sweep and arms the
// next one.
func (c *client) sweepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	alive := c.alive
	c.alive = false
	return alive
}

func (c *client) addRequest(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.activeRequests[id] = cancel
	c.mu.Unlock()
}

// promote moves a request's cancellation token to the stream table
// once the router answers with a stream.
func (c *client) promote(id string) {
	c.mu.Lock()
	if cancel, ok := c.activeRequests[id]; ok {
		delete(c.activeRequests, id)
		c.activeStreams[id] = cancel
	}
	c.mu.Unlock()
}

func (c *client) finish(id string) {
	c.mu.Lock()
	cancel, ok := c.activeRequests[id]
	if !ok {
		cancel, ok = c.activeStreams[id]
		delete(c.activeStreams, id)
	} else {
		delete(c.activeRequests, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// abort cancels an in-flight request or stream on a client request.
// Unknown ids are ignored so re-cancelling is idempotent.
func (c *client) abort(id string) {
	c.mu.Lock()
	cancel, ok := c.activeRequests[id]
	if !ok {
		cancel, ok = c.activeStreams[id]
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *client) cancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.activeRequests)+len(c.activeStreams))
	for _, cancel := range c.activeRequests {
		cancels = append(cancels, cancel)
	}
	for _, cancel := range c.activeStreams {
		cancels = append(cancels, cancel)
	}
	c.activeRequests = make(map[string]context.CancelFunc)
	c.activeStreams = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// requestContext mints the per-request dispatch context, carrying over
// whatever the connection's context factory seeded.
func (c *client) requestContext(requestID string) *dispatch.Context {
	rc := dispatch.NewContext(requestID)
	if c.seed != nil {
		rc = rc.WithAuth(c.seed.Auth)
		if !c.seed.Deadline.IsZero() {
			rc = rc.WithDeadline(c.seed.Deadline)
		}
		if c.seed.Tracing.TraceID != "" {
			rc = rc.WithTracing(dispatch.Tracing{
				TraceID:      c.seed.Tracing.TraceID,
				SpanID:       rc.Tracing.SpanID,
				ParentSpanID: c.seed.Tracing.SpanID,
			})
		}
	}
	return rc
}

// readLoop decodes frames in arrival order until the connection
// closes. Channel protocol messages are handled inline; envelopes are
// dispatched concurrently.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.WithError(err).WithField("socket", c.id).Debug("read failed")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			fe := fault.New(fault.InvalidEnvelope, "frame is not valid JSON")
			_ = c.send(channelError("", fe))
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(msg)
		case "unsubscribe":
			c.handleUnsubscribe(msg)
		case "publish":
			c.handlePublish(msg)
		case "ping":
			_ = c.send(ackMessage{ID: msg.ID, Type: "pong"})
		case "pong":
			c.markAlive()
		case "cancel":
			c.abort(msg.ID)
		default:
			c.handleEnvelope(msg)
		}
	}
}

func (c *client) handleSubscribe(msg inbound) {
	rc := c.requestContext(msg.ID)
	members, err := c.server.manager.Subscribe(c.ctx, c.id, msg.Channel, rc)
	if err != nil {
		_ = c.send(channelError(msg.ID, fault.Convert(err)))
		return
	}
	_ = c.send(ackMessage{ID: msg.ID, Type: "subscribed", Channel: msg.Channel, Members: members})
}

func (c *client) handleUnsubscribe(msg inbound) {
	c.server.manager.Unsubscribe(c.id, msg.Channel)
	_ = c.send(ackMessage{ID: msg.ID, Type: "unsubscribed", Channel: msg.Channel})
}

func (c *client) handlePublish(msg inbound) {
	rc := c.requestContext(msg.ID)
	if err := c.server.manager.Publish(c.ctx, c.id, msg.Channel, msg.Event, msg.Data, rc); err != nil {
		_ = c.send(channelError(msg.ID, fault.Convert(err)))
	}
}

// handleEnvelope validates the frame as a request envelope and hands
// it to the router on its own goroutine, so slow handlers never stall
// the socket's read loop.
func (c *client) handleEnvelope(msg inbound) {
	if msg.Procedure == "" || msg.Type == "" {
		fe := fault.New(fault.InvalidEnvelope, "envelope requires procedure and type")
		_ = c.send(&envelope.Envelope{ID: msg.ID, Type: envelope.TypeError, Payload: fe})
		return
	}

	requestID := msg.ID
	if requestID == "" {
		requestID = shortid.New()
	}

	var payload any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			fe := fault.New(fault.InvalidEnvelope, "payload is not valid JSON")
			_ = c.send(&envelope.Envelope{ID: requestID, Type: envelope.TypeError, Payload: fe})
			return
		}
	}

	env := &envelope.Envelope{
		ID:        requestID,
		Procedure: msg.Procedure,
		Type:      envelope.Type(msg.Type),
		Payload:   payload,
		Metadata:  msg.Metadata,
	}

	rc := c.requestContext(requestID)
	rctx, cancel := context.WithCancel(c.ctx)
	if !rc.Deadline.IsZero() {
		rctx, cancel = context.WithDeadline(c.ctx, rc.Deadline)
	}
	c.addRequest(requestID, cancel)

	go c.dispatch(rctx, rc, env)
}

func (c *client) dispatch(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			c.server.WithField("socket", c.id).
				WithField("id", env.ID).
				WithField("panic", p).
				Error("request dispatch panicked")
			fe := fault.Newf(fault.Internal, "internal error handling request %s", env.ID)
			_ = c.send(&envelope.Envelope{ID: env.ID + ":error", Type: envelope.TypeError, Payload: fe})
			c.finish(env.ID)
		}
	}()

	res := c.server.router.Handle(ctx, rc, env)

	if res.Stream != nil {
		c.promote(env.ID)
		for chunk := range res.Stream.C {
			if err := c.send(chunk); err != nil {
				res.Stream.Cancel()
				for range res.Stream.C {
				}
				break
			}
		}
		c.finish(env.ID)
		return
	}

	if err := c.send(res.Envelope); err != nil {
		c.server.WithError(err).WithField("socket", c.id).WithField("id", env.ID).Debug("reply write failed")
	}
	c.finish(env.ID)
}
