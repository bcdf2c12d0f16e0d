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

// Package wsengine serves the envelope protocol and the channel
// protocol over WebSocket connections. Each connection reads frames
// sequentially; envelope requests are handled concurrently, with one
// cancellation token per in-flight request id.
package wsengine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/channels"
	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/metrics"
)

const (
	// DefaultMaxPayloadSize bounds a single inbound frame.
	DefaultMaxPayloadSize = 1 << 20 // 1 MiB

	// DefaultHeartbeatInterval is the ping cadence applied by the
	// config layer when none is given.
	DefaultHeartbeatInterval = 30 * time.Second

	// writeWait bounds a single control frame write.
	writeWait = 10 * time.Second
)

// ContextFactory seeds the per-request dispatch context from the
// upgrade request, typically with auth derived from headers or
// cookies. The returned context is a template: its auth, deadline and
// tracing are copied onto each request's fresh context.
type ContextFactory func(r *http.Request) *dispatch.Context

// Options configures a Server.
type Options struct {
	// MaxPayloadSize bounds inbound frames; oversized frames close the
	// connection. Zero applies DefaultMaxPayloadSize.
	MaxPayloadSize int64

	// HeartbeatInterval is the cadence of liveness pings. Zero disables
	// the heartbeat; sockets then live until they close or error.
	HeartbeatInterval time.Duration

	// WriteTimeout bounds a single frame write. A stalled receiver
	// fails its writes instead of blocking senders, in particular
	// channel broadcasts fanning out under the manager lock. Zero
	// applies the control frame deadline of 10s.
	WriteTimeout time.Duration

	ContextFactory ContextFactory

	// Channels configures the channel manager hooks.
	Channels channels.ManagerOptions

	Metrics *metrics.Metrics
}

// Server accepts WebSocket connections and bridges them onto the
// router and the channel manager.
type Server struct {
	logrus.FieldLogger
	router  *dispatch.Router
	manager *channels.Manager
	opts    Options

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// NewServer returns a Server dispatching envelopes through router.
func NewServer(log logrus.FieldLogger, router *dispatch.Router, opts Options) *Server {
	if opts.MaxPayloadSize == 0 {
		opts.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = writeWait
	}
	if opts.Channels.Metrics == nil {
		opts.Channels.Metrics = opts.Metrics
	}
	s := &Server{
		FieldLogger: log,
		router:      router,
		opts:        opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	s.manager = channels.NewManager(log, s.sendToSocket, opts.Channels)
	return s
}

// Manager exposes the channel manager, e.g. for server-originated
// broadcasts.
func (s *Server) Manager() *channels.Manager { return s.manager }

// ServeHTTP upgrades the request and runs the connection until it
// closes. It implements http.Handler so the engine mounts on any mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := s.accept(conn, r)
	s.WithField("socket", c.id).WithField("remote", c.remoteAddr).Info("socket connected")

	c.readLoop()

	s.disconnect(c)
	s.WithField("socket", c.id).Info("socket disconnected")
}

// accept registers a new connection and wires its liveness handling.
func (s *Server) accept(conn *websocket.Conn, r *http.Request) *client {
	ctx, cancel := context.WithCancel(context.Background())

	var seed *dispatch.Context
	if s.opts.ContextFactory != nil {
		seed = s.opts.ContextFactory(r)
	}

	c := &client{
		server:         s,
		id:             newSocketID(),
		conn:           conn,
		remoteAddr:     r.RemoteAddr,
		ctx:            ctx,
		cancel:         cancel,
		seed:           seed,
		alive:          true,
		activeRequests: make(map[string]context.CancelFunc),
		activeStreams:  make(map[string]context.CancelFunc),
	}

	conn.SetReadLimit(s.opts.MaxPayloadSize)
	conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.opts.Metrics.SetSockets(n)
	return c
}

// disconnect tears down a connection: every in-flight request and
// stream is cancelled and all channel subscriptions are dropped, with
// presence departures announced.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	c.cancel()
	c.cancelAll()
	s.manager.UnsubscribeAll(c.id)
	c.conn.Close()
	s.opts.Metrics.SetSockets(n)
}

// sendToSocket delivers a channel protocol message to one socket. It
// is the transport callback injected into the channel manager.
func (s *Server) sendToSocket(socketID string, message any) {
	s.mu.Lock()
	c, ok := s.clients[socketID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(message); err != nil {
		s.WithError(err).WithField("socket", socketID).Debug("dropped message to socket")
	}
}

// Start runs the heartbeat until stop closes, then shuts the engine
// down gracefully. It satisfies the workgroup function shape.
func (s *Server) Start(stop <-chan struct{}) error {
	if s.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-stop:
				s.shutdown()
				return nil
			}
		}
	}
	<-stop
	s.shutdown()
	return nil
}

// sweep terminates sockets that missed the previous ping and pings the
// rest.
func (s *Server) sweep() {
	s.mu.Lock()
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		if !c.sweepAlive() {
			s.WithField("socket", c.id).Info("terminating unresponsive socket")
			s.disconnect(c)
			continue
		}
		if err := c.ping(); err != nil {
			s.WithError(err).WithField("socket", c.id).Debug("ping failed")
			s.disconnect(c)
		}
	}
}

// shutdown closes every connection with a going-away close frame.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	snapshot := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.close(websocket.CloseGoingAway, "server shutting down")
		s.disconnect(c)
	}
	s.Info("websocket engine stopped")
}

// Len reports the number of connected sockets.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
