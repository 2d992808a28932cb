/*
Copyright 2024 Inclavare Containers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package controlplane implements the optional control interface from
// spec.md §6 (/livez, /readyz) and the ingress-side pass-through
// healthcheck from spec.md §4.9. Grounded on
// tng/src/control_interface/restful.rs from original_source/.
package controlplane

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inclavare-containers/tng/pkg/observability/metric"
)

// Server answers /livez and /readyz. Readiness is a boolean flip the
// process sets once all ingress/egress dispatchers have started listening.
type Server struct {
	ready atomic.Bool
	mux   *mux.Router
}

// NewServer builds the control-plane HTTP router.
func NewServer() *Server {
	s := &Server{mux: mux.NewRouter()}
	s.mux.HandleFunc("/livez", s.handleLivez).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metric.Registry, promhttp.HandlerOpts{}))
	return s
}

// SetReady flips the readiness flag. The process calls this once every
// configured ingress/egress listener is bound.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ok"))
}

// Healthcheck answers `/tng/v1/healthcheck` with 200 "ok". NewServer does
// not mount it; the ingress http-proxy mode answers that path itself in
// its own request loop.
func Healthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
