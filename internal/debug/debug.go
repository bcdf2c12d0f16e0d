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

// Package debug provides http endpoints for healthcheck, metrics,
// pprof debugging, and registry introspection.
package debug

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/projectrelay/relay/internal/dispatch"
	"github.com/projectrelay/relay/internal/health"
	"github.com/projectrelay/relay/internal/httpsvc"
)

// Service serves various http endpoints including /debug/pprof.
type Service struct {
	httpsvc.Service

	Registry *prometheus.Registry

	// Handlers is introspected by /debug/registry.
	Handlers *dispatch.Registry

	// Checks back the /healthz endpoint.
	Checks []health.Check
}

// Start fulfills the workgroup.Group contract. When stop is closed the
// http server will shutdown.
func (svc *Service) Start(stop <-chan struct{}) error {
	registerProfile(&svc.ServeMux)
	svc.Handle("/healthz", health.Handler(svc.Checks...))
	svc.Handle("/metrics", promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{}))
	svc.HandleFunc("/debug/registry", svc.writeRegistry)
	return svc.Service.Start(stop)
}

func registerProfile(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
}

type registryEntry struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Summary   string `json:"summary,omitempty"`
	Direction string `json:"direction,omitempty"`
	Guarantee string `json:"guarantee,omitempty"`
}

// writeRegistry dumps the registered handlers in registration order.
func (svc *Service) writeRegistry(w http.ResponseWriter, _ *http.Request) {
	entries := []registryEntry{}
	if svc.Handlers != nil {
		for _, h := range svc.Handlers.All() {
			entry := registryEntry{
				Name:    h.Name,
				Kind:    string(h.Kind),
				Summary: h.Meta.Summary,
			}
			if h.Kind == dispatch.KindStream {
				entry.Direction = string(h.Meta.Direction)
			}
			if h.Kind == dispatch.KindEvent {
				entry.Guarantee = string(h.Meta.Guarantee)
			}
			entries = append(entries, entry)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		svc.WithError(err).Error("failed to encode registry dump")
	}
}
