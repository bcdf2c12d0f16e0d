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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/projectrelay/relay/internal/debug"
	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/events"
	"github.com/projectrelay/relay/internal/httpsvc"
	"github.com/projectrelay/relay/internal/interceptor"
	"github.com/projectrelay/relay/internal/metrics"
	"github.com/projectrelay/relay/internal/workgroup"
	"github.com/projectrelay/relay/internal/wsengine"
)

// doServe wires the runtime together and runs it until a signal or the
// first component failure.
func doServe(log *logrus.Logger, ctx *serveContext) error {
	cfg := ctx.parameters()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.NewMetrics(promRegistry)

	registry := dispatch.NewRegistry()
	if err := registerDemoHandlers(registry, log.WithField("context", "handlers")); err != nil {
		return err
	}

	ics, closers := buildInterceptors(log, cfg, m)
	defer func() {
		for _, close := range closers {
			close()
		}
	}()

	sink := events.NewEngine(log.WithField("context", "events"), m)
	router := dispatch.NewRouter(log.WithField("context", "router"), registry,
		dispatch.WithGlobalInterceptors(ics...),
		dispatch.WithMetrics(m),
		dispatch.WithEventSink(sink),
	)

	var heartbeat time.Duration
	if cfg.HeartbeatInterval != nil {
		heartbeat = time.Duration(*cfg.HeartbeatInterval) * time.Millisecond
	}
	ws := wsengine.NewServer(log.WithField("context", "wsengine"), router, wsengine.Options{
		MaxPayloadSize:    cfg.MaxPayloadSize,
		HeartbeatInterval: heartbeat,
		Metrics:           m,
	})

	websvc := httpsvc.Service{
		Addr:        cfg.Host,
		Port:        cfg.Port,
		FieldLogger: log.WithField("context", "websvc"),
	}
	websvc.Handle(cfg.Path, ws)

	debugsvc := debug.Service{
		Service: httpsvc.Service{
			Addr:        cfg.DebugHost,
			Port:        cfg.DebugPort,
			FieldLogger: log.WithField("context", "debugsvc"),
		},
		Registry: promRegistry,
		Handlers: registry,
	}

	var g workgroup.Group
	g.Add(websvc.Start)
	g.Add(debugsvc.Start)
	g.Add(ws.Start)
	g.Add(func(stop <-chan struct{}) error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.WithField("signal", sig).Info("shutting down")
		case <-stop:
		}
		return nil
	})
	return g.Run()
}

// buildInterceptors assembles the global chain from the configuration,
// outermost first. The returned closers stop background reapers.
func buildInterceptors(log *logrus.Logger, cfg Parameters, m *metrics.Metrics) ([]dispatch.Interceptor, []func()) {
	var ics []dispatch.Interceptor
	var closers []func()

	if cfg.SizeLimit.MaxRequestBytes > 0 || cfg.SizeLimit.MaxResponseBytes > 0 {
		ics = append(ics, interceptor.SizeLimit(interceptor.SizeLimitOptions{
			MaxRequestBytes:  cfg.SizeLimit.MaxRequestBytes,
			MaxResponseBytes: cfg.SizeLimit.MaxResponseBytes,
		}))
	}

	if cfg.Ratelimit.Limit > 0 || len(cfg.Ratelimit.Rules) > 0 {
		rules := make([]interceptor.RateRule, 0, len(cfg.Ratelimit.Rules))
		for _, rule := range cfg.Ratelimit.Rules {
			rules = append(rules, interceptor.RateRule{
				Pattern: rule.Pattern,
				Limit:   rule.Limit,
				Window:  time.Duration(rule.WindowMS) * time.Millisecond,
			})
		}
		rl := interceptor.NewRateLimiter(log.WithField("context", "ratelimit"), interceptor.RateLimitOptions{
			Limit:   cfg.Ratelimit.Limit,
			Window:  time.Duration(cfg.Ratelimit.WindowMS) * time.Millisecond,
			Rules:   rules,
			Metrics: m,
		})
		ics = append(ics, rl.Intercept)
	}

	if !cfg.Dedup.Disabled {
		d := interceptor.NewDedup(log.WithField("context", "dedup"), interceptor.DedupOptions{
			TTL:     time.Duration(cfg.Dedup.TTLMS) * time.Millisecond,
			Metrics: m,
		})
		closers = append(closers, d.Close)
		ics = append(ics, d.Intercept)
	}

	if len(cfg.Cache.Procedures) > 0 {
		c := interceptor.NewCache(log.WithField("context", "cache"), interceptor.CacheOptions{
			Match:                interceptor.Matcher{Procedures: cfg.Cache.Procedures},
			TTL:                  time.Duration(cfg.Cache.TTLMS) * time.Millisecond,
			StaleWhileRevalidate: time.Duration(cfg.Cache.StaleWhileRevalidateMS) * time.Millisecond,
			MaxEntries:           cfg.Cache.MaxEntries,
			Metrics:              m,
		})
		closers = append(closers, c.Close)
		ics = append(ics, c.Intercept)
	}

	if cfg.Bulkhead.Limit > 0 {
		b := interceptor.NewBulkhead(log.WithField("context", "bulkhead"), interceptor.BulkheadOptions{
			Limit:        cfg.Bulkhead.Limit,
			MaxQueue:     cfg.Bulkhead.MaxQueue,
			QueueTimeout: time.Duration(cfg.Bulkhead.QueueTimeoutMS) * time.Millisecond,
			Metrics:      m,
		})
		ics = append(ics, b.Intercept)
	}

	return ics, closers
}
