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

package dispatch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/envelope"
)

// Next continues the interceptor chain under ctx, which an interceptor
// may substitute for the remainder of the chain, e.g. to detach
// background work from the serving request. Next must be called at most
// once; a second call is a programmer error which the chain absorbs by
// logging and replaying the first result.
type Next func(ctx context.Context) (any, error)

// Interceptor wraps handler execution in onion fashion: code before
// next() runs on the way in, code after runs on the way out.
// Interceptors may short-circuit by not calling next, and may catch
// and transform errors.
type Interceptor func(ctx context.Context, rc *Context, env *envelope.Envelope, next Next) (any, error)

// compose builds the onion around terminal: interceptor 0 is
// outermost, running before and wrapping the result of interceptor 1,
// and so on down to the terminal handler adapter.
func compose(log logrus.FieldLogger, ics []Interceptor, rc *Context, env *envelope.Envelope, terminal Next) Next {
	next := guarded(log, env, terminal)
	for i := len(ics) - 1; i >= 0; i-- {
		ic := ics[i]
		inner := next
		next = guarded(log, env, func(ctx context.Context) (any, error) {
			return ic(ctx, rc, env, inner)
		})
	}
	return next
}

// guarded protects a chain link against double invocation: the second
// and later calls log a warning and observe the first call's result.
func guarded(log logrus.FieldLogger, env *envelope.Envelope, next Next) Next {
	var (
		mu   sync.Mutex
		done bool
		res  any
		err  error
	)
	return func(ctx context.Context) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			log.WithField("procedure", env.Procedure).
				WithField("id", env.ID).
				Warn("interceptor invoked next() more than once")
			return res, err
		}
		done = true
		res, err = next(ctx)
		return res, err
	}
}
