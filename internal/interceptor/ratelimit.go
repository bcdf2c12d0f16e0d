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
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
	"github.com/projectrelay/relay/internal/metrics"
)

// RateRule is a per-procedure override matched by glob pattern. The
// first matching rule wins.
type RateRule struct {
	Pattern string
	Limit   int
	Window  time.Duration
}

// RateLimitOptions configures the sliding window rate limiter.
type RateLimitOptions struct {
	Match Matcher

	// Limit and Window are the defaults applied when no rule matches.
	// A zero limit disables limiting for unmatched procedures.
	Limit  int
	Window time.Duration

	Rules []RateRule

	// Key buckets callers; the default is "user:<principal>" for
	// authenticated requests, "ip:<x-forwarded-for|x-real-ip>" when a
	// client address is known, and "global:<procedure>" otherwise.
	Key KeyFunc

	Metrics *metrics.Metrics
}

// RateLimiter rejects requests exceeding a sliding window count with
// RATE_LIMITED, reporting the seconds until the window frees up.
type RateLimiter struct {
	logrus.FieldLogger
	opts RateLimitOptions

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewRateLimiter returns a RateLimiter.
func NewRateLimiter(log logrus.FieldLogger, opts RateLimitOptions) *RateLimiter {
	if opts.Window == 0 {
		opts.Window = time.Minute
	}
	if opts.Key == nil {
		opts.Key = defaultRateKey
	}
	return &RateLimiter{
		FieldLogger: log,
		opts:        opts,
		windows:     make(map[string][]time.Time),
	}
}

func defaultRateKey(rc *dispatch.Context, env *envelope.Envelope) string {
	if rc != nil && rc.Auth.Authenticated && rc.Auth.Principal != "" {
		return "user:" + rc.Auth.Principal
	}
	if fwd := env.Metadatum("x-forwarded-for"); fwd != "" {
		// Only the first hop identifies the client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return "ip:" + strings.TrimSpace(fwd)
	}
	if ip := env.Metadatum("x-real-ip"); ip != "" {
		return "ip:" + ip
	}
	return "global:" + env.Procedure
}

// resolve returns the limit and window applying to procedure.
func (l *RateLimiter) resolve(procedure string) (int, time.Duration) {
	for _, rule := range l.opts.Rules {
		if MatchPattern(rule.Pattern, procedure) {
			window := rule.Window
			if window == 0 {
				window = l.opts.Window
			}
			return rule.Limit, window
		}
	}
	return l.opts.Limit, l.opts.Window
}

// Intercept implements dispatch.Interceptor.
func (l *RateLimiter) Intercept(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
	if !l.opts.Match.Matches(env) {
		return next(ctx)
	}
	limit, window := l.resolve(env.Procedure)
	if limit <= 0 {
		return next(ctx)
	}

	key := l.opts.Key(rc, env)
	now := time.Now()

	l.mu.Lock()
	events := l.windows[key]
	// Drop instants that slid out of the window.
	keep := events[:0]
	for _, t := range events {
		if now.Sub(t) < window {
			keep = append(keep, t)
		}
	}
	events = append(keep, now)
	count := len(events)
	if count > limit {
		// A rejected request does not consume a window slot.
		events = events[:count-1]
		l.windows[key] = events
		var resetAt time.Time
		if len(events) > 0 {
			resetAt = events[0].Add(window)
		} else {
			resetAt = now.Add(window)
		}
		l.mu.Unlock()

		l.opts.Metrics.ObserveRatelimitRejection()
		retryAfter := math.Ceil(time.Until(resetAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, fault.Newf(fault.RateLimited, "rate limit of %d per %s exceeded", limit, window).
			WithDetails(map[string]any{
				"retryAfter": retryAfter,
				"resetAt":    resetAt.UnixMilli(),
			})
	}
	l.windows[key] = events
	l.mu.Unlock()

	return next(ctx)
}
