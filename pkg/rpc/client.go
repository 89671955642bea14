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

//go:build linux

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmrpc/api"
	"github.com/srediag/shmrpc/internal/logging"
	"github.com/srediag/shmrpc/internal/platform"
	"github.com/srediag/shmrpc/pkg/frame"
	"github.com/srediag/shmrpc/pkg/ring"
)

// ErrVersionRejected is returned by Connect when the service refused the
// offered protocol version.
var ErrVersionRejected = errors.New("rpc: service rejected protocol version")

// Client is one connection to a Service. It creates the shared region,
// offers it during the handshake and then exchanges frames over it. Safe for
// concurrent use; responses are matched to callers by sequence number.
type Client struct {
	name string
	opts Options

	logger  *logging.Logger
	metrics *metrics

	sockFd int
	mem    []byte
	region *ring.Region

	writeMu sync.Mutex
	seq     atomic.Uint32
	pending *pendingTable

	notifyMu sync.RWMutex
	onNotify api.NotifyHandler

	// closeStatus holds the status in-flight and future calls resolve to
	// once the connection is down. Zero means still connected.
	closeStatus atomic.Int32
	closed      atomic.Bool
	closeMu     sync.Mutex
	fdClosed    bool

	recvDone chan struct{}
}

// Connect dials the named service, creates and offers the shared region and
// completes the handshake. It retries the dial while the endpoint does not
// exist yet, so a client may start before its service.
func Connect(serviceName string, opts *Options) (*Client, error) {
	o := opts.withDefaults()

	var sockFd int
	dial := func() error {
		fd, err := platform.Connect(serviceName)
		if err != nil {
			return err
		}
		sockFd = fd
		return nil
	}
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(o.ConnectRetryInterval), o.ConnectRetryAttempts)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("rpc: connect %q: %w", serviceName, err)
	}

	size := ring.RegionSize(o.RingCapacity)
	regionFd, err := platform.CreateSharedMemory(size)
	if err != nil {
		platform.CloseFd(sockFd)
		return nil, fmt.Errorf("rpc: shared region: %w", err)
	}
	mem, err := platform.Map(regionFd, size)
	if err != nil {
		platform.CloseFd(regionFd)
		platform.CloseFd(sockFd)
		return nil, fmt.Errorf("rpc: map region: %w", err)
	}
	region, err := ring.NewRegion(mem, o.RingCapacity)
	if err != nil {
		platform.Unmap(mem)
		platform.CloseFd(regionFd)
		platform.CloseFd(sockFd)
		return nil, err
	}
	// Creating peer initializes the control blocks before the region is
	// offered to the service.
	region.Reset()

	err = platform.SendFdWithVersion(sockFd, regionFd, o.protocolVersion)
	platform.CloseFd(regionFd)
	if err == nil {
		var accepted bool
		accepted, err = platform.RecvAck(sockFd)
		if err == nil && !accepted {
			err = ErrVersionRejected
		}
	}
	if err != nil {
		platform.Unmap(mem)
		platform.CloseFd(sockFd)
		return nil, err
	}

	c := &Client{
		name:     serviceName,
		opts:     o,
		logger:   logging.New("client", o.LogOutput).With("endpoint", serviceName),
		metrics:  newMetrics("client", o.Registerer, o.Meter),
		sockFd:   sockFd,
		mem:      mem,
		region:   region,
		pending:  newPendingTable(),
		recvDone: make(chan struct{}),
	}
	go c.receive()
	c.logger.Debugf("connected, ring capacity %d", o.RingCapacity)
	return c, nil
}

// Call sends a request and blocks for its response. timeout <= 0 waits
// indefinitely. The returned payload is owned by the caller.
//
// Framework failures surface as negative statuses; a positive status is
// whatever the remote handler returned, with the payload it produced.
func (c *Client) Call(serviceID, methodID uint32, request []byte, timeout time.Duration) ([]byte, api.Status) {
	if c.closed.Load() {
		return nil, api.Status(c.closeStatus.Load())
	}

	var span trace.Span
	if c.opts.Tracer != nil {
		_, span = c.opts.Tracer.Start(context.Background(), "shmrpc.Call",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.Int64("rpc.service_id", int64(serviceID)),
				attribute.Int64("rpc.method_id", int64(methodID)),
			))
	}
	payload, status := c.call(serviceID, methodID, request, timeout)
	if span != nil {
		span.SetAttributes(attribute.String("rpc.status", status.String()))
		span.End()
	}
	if c.metrics.otelCalls != nil {
		c.metrics.otelCalls.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("rpc.status", status.String())))
	}
	return payload, status
}

func (c *Client) call(serviceID, methodID uint32, request []byte, timeout time.Duration) ([]byte, api.Status) {
	seq := c.seq.Add(1)
	if seq == 0 {
		// Zero is reserved for notifications; skip it on counter wrap.
		seq = c.seq.Add(1)
	}
	call := newPendingCall()
	c.pending.insert(seq, call)

	h := frame.Header{
		Version:   frame.ProtocolVersion,
		Flags:     frame.FlagRequest,
		ServiceID: serviceID,
		MessageID: methodID,
		Seq:       seq,
	}
	if err := writeFrame(c.region.ClientToServer, &c.writeMu, h, request); err != nil {
		c.pending.take(seq)
		if c.closed.Load() {
			return nil, api.Status(c.closeStatus.Load())
		}
		c.metrics.ringFullTotal.Inc()
		return nil, api.StatusRingFull
	}
	c.metrics.countCall()
	if err := platform.SendSignal(c.sockFd); err != nil {
		// The peer is gone; the receiver will resolve everything pending,
		// this call included.
		c.logger.Debugf("request signal: %v", err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-call.done:
		return call.response, call.status
	case <-expired:
		if _, ok := c.pending.take(seq); ok {
			c.metrics.timeoutsTotal.Inc()
			return nil, api.StatusTimeout
		}
		// The receiver took the entry first; its completion is imminent.
		<-call.done
		return call.response, call.status
	}
}

// Notify sends a fire-and-forget notification. It never blocks on the peer.
func (c *Client) Notify(serviceID, notifyID uint32, payload []byte) api.Status {
	if c.closed.Load() {
		return api.Status(c.closeStatus.Load())
	}
	h := frame.Header{
		Version:   frame.ProtocolVersion,
		Flags:     frame.FlagNotify,
		ServiceID: serviceID,
		MessageID: notifyID,
	}
	if err := writeFrame(c.region.ClientToServer, &c.writeMu, h, payload); err != nil {
		c.metrics.ringFullTotal.Inc()
		return api.StatusRingFull
	}
	c.metrics.notifiesTotal.Inc()
	if err := platform.SendSignal(c.sockFd); err != nil {
		return api.StatusDisconnected
	}
	return api.StatusOK
}

// SetNotifyHandler installs the handler for service-originated
// notifications. It runs on the receiver goroutine; the payload is only
// valid during the call.
func (c *Client) SetNotifyHandler(h api.NotifyHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onNotify = h
}

// Connected reports whether the connection is still up.
func (c *Client) Connected() bool {
	return !c.closed.Load()
}

// PendingCalls returns the number of requests awaiting a response.
func (c *Client) PendingCalls() int {
	return c.pending.count()
}

func (c *Client) receive() {
	defer c.teardown()
	for {
		if err := platform.RecvSignal(c.sockFd); err != nil {
			return
		}
		for {
			progressed, err := readFrame(c.region.ServerToClient, c.dispatch)
			if err != nil {
				c.logger.Warnf("closing: %v", err)
				return
			}
			if !progressed {
				break
			}
		}
	}
}

func (c *Client) dispatch(h frame.Header, payload []byte) {
	if h.Flags&^(frame.FlagRequest|frame.FlagResponse|frame.FlagNotify) != 0 {
		// Unknown flag bits: skip the frame, keep the connection.
		c.logger.Tracef("skipping frame with flags %#x", h.Flags)
		return
	}
	switch {
	case h.Flags&frame.FlagResponse != 0:
		call, ok := c.pending.take(h.Seq)
		if !ok {
			// The caller timed out before the response landed.
			c.logger.Tracef("late response for seq %d discarded", h.Seq)
			return
		}
		response := append([]byte(nil), payload...)
		call.complete(api.Status(h.Status()), response)
	case h.Flags&frame.FlagNotify != 0:
		c.notifyMu.RLock()
		handler := c.onNotify
		c.notifyMu.RUnlock()
		if handler != nil {
			handler(h.MessageID, payload)
		}
	default:
		c.logger.Warnf("unexpected request frame from service, seq %d", h.Seq)
	}
}

// Disconnect tears the connection down. In-flight calls resolve with
// STOPPED. Safe to call more than once; it returns after the receiver has
// exited.
func (c *Client) Disconnect() {
	c.closeStatus.CompareAndSwap(0, int32(api.StatusStopped))
	c.closed.Store(true)

	c.closeMu.Lock()
	if !c.fdClosed {
		platform.Shutdown(c.sockFd)
	}
	c.closeMu.Unlock()

	<-c.recvDone
}

// teardown runs exactly once, on the receiver goroutine's way out.
func (c *Client) teardown() {
	// Unless Disconnect already chose STOPPED, the peer went away.
	c.closeStatus.CompareAndSwap(0, int32(api.StatusDisconnected))
	c.closed.Store(true)

	c.pending.failAll(api.Status(c.closeStatus.Load()))

	c.closeMu.Lock()
	if !c.fdClosed {
		c.fdClosed = true
		platform.Shutdown(c.sockFd)
		platform.CloseFd(c.sockFd)
	}
	c.closeMu.Unlock()
	platform.Unmap(c.mem)

	c.logger.Debugf("disconnected: %s", api.Status(c.closeStatus.Load()))
	close(c.recvDone)
}
