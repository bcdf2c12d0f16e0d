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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provide Prometheus metrics for the dispatch plane. A nil
// *Metrics is valid and records nothing, so components can treat
// instrumentation as optional.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	requestDuration      prometheus.Summary
	requestsInflight     prometheus.Gauge
	dedupCoalescedTotal  prometheus.Counter
	cacheLookupsTotal    *prometheus.CounterVec
	ratelimitRejections  prometheus.Counter
	bulkheadRejections   *prometheus.CounterVec
	socketsGauge         prometheus.Gauge
	channelsGauge        prometheus.Gauge
	subscribersGauge     prometheus.Gauge
	broadcastFanout      prometheus.Summary
	eventDeliveriesTotal *prometheus.CounterVec
}

const (
	RequestsTotal        = "relay_requests_total"
	RequestDuration      = "relay_request_duration_seconds"
	RequestsInflight     = "relay_requests_inflight"
	DedupCoalescedTotal  = "relay_dedup_coalesced_total"
	CacheLookupsTotal    = "relay_cache_lookups_total"
	RatelimitRejections  = "relay_ratelimit_rejected_total"
	BulkheadRejections   = "relay_bulkhead_rejected_total"
	SocketsGauge         = "relay_websocket_connections"
	ChannelsGauge        = "relay_channels"
	SubscribersGauge     = "relay_channel_subscribers"
	BroadcastFanout      = "relay_broadcast_fanout"
	EventDeliveriesTotal = "relay_event_deliveries_total"
)

// NewMetrics creates a new set of metrics and registers them with the
// supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: RequestsTotal,
				Help: "Total envelopes dispatched, by procedure and outcome",
			},
			[]string{"procedure", "outcome"},
		),
		requestDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       RequestDuration,
			Help:       "Summary of handler execution time",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		requestsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: RequestsInflight,
			Help: "Requests currently inside the router",
		}),
		dedupCoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: DedupCoalescedTotal,
			Help: "Requests coalesced onto an in-flight identical request",
		}),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: CacheLookupsTotal,
				Help: "Cache interceptor lookups, by result (hit, stale, miss)",
			},
			[]string{"result"},
		),
		ratelimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: RatelimitRejections,
			Help: "Requests rejected by the sliding window rate limiter",
		}),
		bulkheadRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: BulkheadRejections,
				Help: "Requests rejected by the bulkhead, by reason (overflow, timeout)",
			},
			[]string{"reason"},
		),
		socketsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SocketsGauge,
			Help: "Open WebSocket connections",
		}),
		channelsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: ChannelsGauge,
			Help: "Live channels",
		}),
		subscribersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SubscribersGauge,
			Help: "Channel subscriptions across all channels",
		}),
		broadcastFanout: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       BroadcastFanout,
			Help:       "Summary of subscriber counts per broadcast",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		eventDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: EventDeliveriesTotal,
				Help: "Event deliveries, by outcome (delivered, retried, failed)",
			},
			[]string{"outcome"},
		),
	}
	m.register(registry)
	return &m
}

// register registers the Metrics with the supplied registry.
func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestsInflight,
		m.dedupCoalescedTotal,
		m.cacheLookupsTotal,
		m.ratelimitRejections,
		m.bulkheadRejections,
		m.socketsGauge,
		m.channelsGauge,
		m.subscribersGauge,
		m.broadcastFanout,
		m.eventDeliveriesTotal,
	)
}

// ObserveRequest records one dispatched envelope.
func (m *Metrics) ObserveRequest(procedure, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(procedure, outcome).Inc()
	m.requestDuration.Observe(seconds)
}

// RequestStarted increments the in-flight gauge.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.requestsInflight.Inc()
}

// RequestFinished decrements the in-flight gauge.
func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.requestsInflight.Dec()
}

// ObserveDedupCoalesced records a request joined onto an in-flight one.
func (m *Metrics) ObserveDedupCoalesced() {
	if m == nil {
		return
	}
	m.dedupCoalescedTotal.Inc()
}

// ObserveCacheLookup records a cache interceptor lookup result, one of
// "hit", "stale" or "miss".
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRatelimitRejection records a rate limited request.
func (m *Metrics) ObserveRatelimitRejection() {
	if m == nil {
		return
	}
	m.ratelimitRejections.Inc()
}

// ObserveBulkheadRejection records a bulkhead rejection, reason is
// "overflow" or "timeout".
func (m *Metrics) ObserveBulkheadRejection(reason string) {
	if m == nil {
		return
	}
	m.bulkheadRejections.WithLabelValues(reason).Inc()
}

// SetSockets records the number of open WebSocket connections.
func (m *Metrics) SetSockets(n int) {
	if m == nil {
		return
	}
	m.socketsGauge.Set(float64(n))
}

// SetChannels records live channel and subscription counts.
func (m *Metrics) SetChannels(channels, subscribers int) {
	if m == nil {
		return
	}
	m.channelsGauge.Set(float64(channels))
	m.subscribersGauge.Set(float64(subscribers))
}

// ObserveBroadcast records the fan-out size of one broadcast.
func (m *Metrics) ObserveBroadcast(subscribers int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(subscribers))
}

// ObserveEventDelivery records an event delivery outcome, one of
// "delivered", "retried" or "failed".
func (m *Metrics) ObserveEventDelivery(outcome string) {
	if m == nil {
		return
	}
	m.eventDeliveriesTotal.WithLabelValues(outcome).Inc()
}
