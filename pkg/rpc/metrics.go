/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

// metrics carries the counters one endpoint (a Service or a Client) exposes.
// All counters exist whether or not a Registerer was supplied, so call sites
// never nil-check.
type metrics struct {
	callsTotal       prometheus.Counter
	notifiesTotal    prometheus.Counter
	timeoutsTotal    prometheus.Counter
	ringFullTotal    prometheus.Counter
	droppedResponses prometheus.Counter
	connections      prometheus.Gauge

	otelCalls metric.Int64Counter
}

func newMetrics(role string, reg prometheus.Registerer, meter metric.Meter) *metrics {
	labels := prometheus.Labels{"role": role}
	m := &metrics{
		callsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmrpc_calls_total",
			Help:        "Requests sent or served.",
			ConstLabels: labels,
		}),
		notifiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmrpc_notifies_total",
			Help:        "Notifications sent or delivered.",
			ConstLabels: labels,
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmrpc_call_timeouts_total",
			Help:        "Calls abandoned after their deadline.",
			ConstLabels: labels,
		}),
		ringFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmrpc_ring_full_total",
			Help:        "Sends rejected because the outbound ring was full.",
			ConstLabels: labels,
		}),
		droppedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shmrpc_dropped_responses_total",
			Help:        "Responses discarded because the response ring was full.",
			ConstLabels: labels,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shmrpc_connections",
			Help:        "Connections currently established.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.callsTotal, m.notifiesTotal, m.timeoutsTotal,
			m.ringFullTotal, m.droppedResponses, m.connections)
	}
	if meter != nil {
		m.otelCalls, _ = meter.Int64Counter("shmrpc.calls",
			metric.WithDescription("Requests sent or served."))
	}
	return m
}

func (m *metrics) countCall() {
	m.callsTotal.Inc()
}
