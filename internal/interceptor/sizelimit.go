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

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/envelope"
	"github.com/projectrelay/relay/internal/fault"
)

// SizeLimitOptions configures payload size enforcement. Sizes are
// JSON serialisation lengths, or raw lengths for byte and string
// payloads.
type SizeLimitOptions struct {
	Match Matcher

	// MaxRequestBytes rejects oversized request payloads. Zero
	// disables the check.
	MaxRequestBytes int

	// MaxResponseBytes rejects oversized results. Zero disables the
	// check.
	MaxResponseBytes int
}

// SizeLimit returns an interceptor failing oversized payloads with
// RESOURCE_EXHAUSTED.
func SizeLimit(opts SizeLimitOptions) dispatch.Interceptor {
	return func(ctx context.Context, rc *dispatch.Context, env *envelope.Envelope, next dispatch.Next) (any, error) {
		if !opts.Match.Matches(env) {
			return next(ctx)
		}
		if opts.MaxRequestBytes > 0 {
			if size := env.PayloadSize(); size > opts.MaxRequestBytes {
				return nil, fault.Newf(fault.ResourceExhausted, "request payload of %d bytes exceeds the limit of %d", size, opts.MaxRequestBytes).
					WithDetails(map[string]any{"size": size, "limit": opts.MaxRequestBytes})
			}
		}

		res, err := next(ctx)
		if err != nil {
			return nil, err
		}

		if opts.MaxResponseBytes > 0 {
			if size := envelope.Size(res); size > opts.MaxResponseBytes {
				return nil, fault.Newf(fault.ResourceExhausted, "response payload of %d bytes exceeds the limit of %d", size, opts.MaxResponseBytes).
					WithDetails(map[string]any{"size": size, "limit": opts.MaxResponseBytes})
			}
		}
		return res, nil
	}
}
