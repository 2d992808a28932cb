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

// Package metric exposes the Prometheus metrics surface carried as
// ambient observability per SPEC_FULL.md §C: pool size, cert refresh
// outcomes, and key rotation outcomes. The OTel exporter plumbing named in
// spec.md §1 as out of scope is not implemented here; this is the plain
// in-process counters/gauges a Prometheus scraper would read from
// pkg/controlplane.
package metric

import "github.com/prometheus/client_golang/prometheus"

var (
	// PoolSize tracks the number of pooled rats-TLS clients, keyed by
	// destination endpoint.
	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tng",
		Subsystem: "security",
		Name:      "client_pool_size",
		Help:      "Number of cached rats-TLS clients in the security layer pool.",
	}, []string{"endpoint"})

	// CertRefreshTotal counts Cert Manager refresh attempts by outcome.
	CertRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tng",
		Subsystem: "certmgr",
		Name:      "refresh_total",
		Help:      "Certificate refresh attempts, partitioned by outcome.",
	}, []string{"outcome"})

	// KeyRotationTotal counts OHTTP key-config rotations by source and
	// outcome.
	KeyRotationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tng",
		Subsystem: "ohttp",
		Name:      "key_rotation_total",
		Help:      "HPKE key-config rotations, partitioned by source and outcome.",
	}, []string{"source", "outcome"})

	// ActiveStreams tracks logical streams currently multiplexed over
	// rats-TLS sessions.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tng",
		Subsystem: "wrapping",
		Name:      "active_streams",
		Help:      "Logical TCP streams currently carried over H2 CONNECT multiplexing.",
	})
)

// Registry is a dedicated Prometheus registry so embedding applications
// don't collide with the default global one.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(PoolSize, CertRefreshTotal, KeyRotationTotal, ActiveStreams)
}
