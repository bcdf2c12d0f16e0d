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

package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/dispatch"
)

// registerDemoHandlers installs the handlers bundled with the binary
// so a fresh install has something to talk to.
func registerDemoHandlers(r *dispatch.Registry, log logrus.FieldLogger) error {
	if err := r.RegisterProcedure("echo",
		func(_ context.Context, _ *dispatch.Context, payload any) (any, error) {
			return payload, nil
		},
		dispatch.WithSummary("Returns the request payload unchanged."),
	); err != nil {
		return err
	}

	if err := r.RegisterProcedure("time.now",
		func(_ context.Context, _ *dispatch.Context, _ any) (any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}, nil
		},
		dispatch.WithSummary("Returns the server time."),
	); err != nil {
		return err
	}

	if err := r.RegisterStream("time.tick",
		func(ctx context.Context, _ *dispatch.Context, payload any, emit dispatch.EmitFunc) error {
			interval, count := tickArgs(payload)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for seq := 1; seq <= count; seq++ {
				select {
				case t := <-ticker.C:
					if err := emit(map[string]any{
						"seq": seq,
						"at":  t.UTC().Format(time.RFC3339Nano),
					}); err != nil {
						return err
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
		dispatch.WithSummary("Emits a bounded sequence of timestamps."),
		dispatch.WithDirection(dispatch.DirectionServer),
	); err != nil {
		return err
	}

	return r.RegisterEvent("audit.log",
		func(_ context.Context, rc *dispatch.Context, payload any) error {
			log.WithField("requestId", rc.RequestID).WithField("payload", payload).Info("audit event")
			return nil
		},
		dispatch.WithSummary("Writes the payload to the server log."),
		dispatch.WithGuarantee(dispatch.GuaranteeAtLeastOnce),
		dispatch.WithRetry(dispatch.RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, Multiplier: 2}),
	)
}

// tickArgs pulls intervalMs and count out of a loosely typed payload,
// bounded to keep demo streams short.
func tickArgs(payload any) (time.Duration, int) {
	interval := time.Second
	count := 5
	args, ok := payload.(map[string]any)
	if !ok {
		return interval, count
	}
	if v, ok := args["intervalMs"].(float64); ok && v >= 1 {
		interval = time.Duration(v) * time.Millisecond
	}
	if v, ok := args["count"].(float64); ok && v >= 1 && v <= 1000 {
		count = int(v)
	}
	return interval, count
}
