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
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmrpc/pkg/frame"
	"github.com/srediag/shmrpc/pkg/ring"
)

// Options tunes a Service or Client. The zero value selects the defaults
// below; pass nil wherever an *Options is accepted to get them all.
type Options struct {
	// RingCapacity is the per-direction data capacity in bytes. Must be a
	// power of two. Defaults to ring.DefaultCapacity.
	RingCapacity uint32

	// ConnectRetryInterval and ConnectRetryAttempts govern how long a
	// connecting client waits for the service endpoint to appear.
	ConnectRetryInterval time.Duration
	ConnectRetryAttempts uint64

	// WorkerPoolSize caps the number of concurrently served connections on
	// a Service. Each connection occupies one worker for its lifetime.
	WorkerPoolSize int

	// Registerer receives the prometheus collectors. Nil disables
	// registration; the counters still count.
	Registerer prometheus.Registerer

	// Meter and Tracer enable OpenTelemetry instrumentation of client
	// calls. Either may be nil.
	Meter  metric.Meter
	Tracer trace.Tracer

	// LogOutput overrides the logger destination. Nil means standard
	// output.
	LogOutput io.Writer

	// protocolVersion is the handshake version a client offers. Tests use
	// it to provoke rejection.
	protocolVersion uint16
}

const (
	defaultConnectRetryInterval = 10 * time.Millisecond
	defaultConnectRetryAttempts = 200
	defaultWorkerPoolSize       = 128
)

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.RingCapacity == 0 {
		out.RingCapacity = ring.DefaultCapacity
	}
	if out.ConnectRetryInterval == 0 {
		out.ConnectRetryInterval = defaultConnectRetryInterval
	}
	if out.ConnectRetryAttempts == 0 {
		out.ConnectRetryAttempts = defaultConnectRetryAttempts
	}
	if out.WorkerPoolSize == 0 {
		out.WorkerPoolSize = defaultWorkerPoolSize
	}
	if out.protocolVersion == 0 {
		out.protocolVersion = frame.ProtocolVersion
	}
	return out
}
