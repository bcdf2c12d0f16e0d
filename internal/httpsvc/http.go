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

// Package httpsvc provides the thin HTTP/1.x host for the runtime's
// outward surfaces: the WebSocket upgrade endpoint, /metrics, and
// /healthz.
package httpsvc

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Service is a HTTP/1.x endpoint compatible with workgroup.Group.
type Service struct {
	Addr string
	Port int

	// WriteTimeout guards slow clients on the non-upgraded routes.
	// Zero means no limit, which the WebSocket endpoint requires.
	WriteTimeout time.Duration

	logrus.FieldLogger
	http.ServeMux
}

// Start runs the HTTP server until the stop channel is closed.
func (svc *Service) Start(stop <-chan struct{}) (err error) {
	defer func() {
		if err != nil {
			svc.WithError(err).Error("terminated HTTP server with error")
		} else {
			svc.Info("stopped HTTP server")
		}
	}()

	s := http.Server{
		Addr:              net.JoinHostPort(svc.Addr, strconv.Itoa(svc.Port)),
		Handler:           &svc.ServeMux,
		ReadHeaderTimeout: 10 * time.Second, // To mitigate Slowloris attacks: https://www.cloudflare.com/learning/ddos/ddos-attack-tools/slowloris/
		WriteTimeout:      svc.WriteTimeout,
		MaxHeaderBytes:    1 << 13, // 8kb should be enough for anyone
	}

	go func() {
		// wait for stop signal from group.
		<-stop
		_ = s.Close()
	}()

	svc.WithField("address", s.Addr).Info("started HTTP server")
	if err := s.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
