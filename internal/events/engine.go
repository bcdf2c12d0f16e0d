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

// Package events executes event handlers according to their declared
// delivery guarantee: best-effort handlers run once with failures
// logged and swallowed, at-least-once handlers are retried with
// exponential backoff until their retry policy is exhausted.
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/metrics"
)

// defaultBackoff seeds retries for policies that omit one.
const defaultBackoff = 100 * time.Millisecond

// Engine implements dispatch.EventSink.
type Engine struct {
	logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewEngine returns an Engine.
func NewEngine(log logrus.FieldLogger, m *metrics.Metrics) *Engine {
	return &Engine{FieldLogger: log, metrics: m}
}

// Deliver invokes h.Event under its delivery guarantee. The ack to the
// emitter only reflects delivery failure for at-least-once handlers
// whose retries are exhausted.
func (e *Engine) Deliver(ctx context.Context, rc *dispatch.Context, h *dispatch.Handler, payload any) error {
	if h.Meta.Guarantee == dispatch.GuaranteeAtLeastOnce {
		return e.deliverAtLeastOnce(ctx, rc, h, payload)
	}

	if err := h.Event(ctx, rc, payload); err != nil {
		e.WithError(err).WithField("event", h.Name).Warn("best-effort event delivery failed")
		e.metrics.ObserveEventDelivery("failed")
		return nil
	}
	e.metrics.ObserveEventDelivery("delivered")
	return nil
}

func (e *Engine) deliverAtLeastOnce(ctx context.Context, rc *dispatch.Context, h *dispatch.Handler, payload any) error {
	attempts := h.Meta.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := h.Meta.Retry.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	multiplier := h.Meta.Retry.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		// Each attempt gets its own copy so a handler mutating the
		// payload cannot poison a redelivery.
		if err = h.Event(ctx, rc, envelope.Clone(payload)); err == nil {
			e.metrics.ObserveEventDelivery("delivered")
			return nil
		}
		if attempt == attempts {
			break
		}

		e.WithError(err).
			WithField("event", h.Name).
			WithField("attempt", attempt).
			Info("event delivery failed, retrying")
		e.metrics.ObserveEventDelivery("retried")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fault.Convert(ctx.Err())
		}
		backoff = time.Duration(float64(backoff) * multiplier)
	}

	e.WithError(err).WithField("event", h.Name).Error("event delivery exhausted its retries")
	e.metrics.ObserveEventDelivery("failed")
	return fault.Convert(err)
}
