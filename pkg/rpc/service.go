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

// Package rpc implements the shared-memory RPC fabric: a Service that
// accepts local clients over a seqpacket bootstrap socket and exchanges
// frames with each of them through a per-connection shared ring pair, and a
// Client that originates such connections.
package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shmrpc/api"
	"github.com/srediag/shmrpc/internal/logging"
	"github.com/srediag/shmrpc/internal/platform"
	"github.com/srediag/shmrpc/pkg/frame"
	"github.com/srediag/shmrpc/pkg/ring"
)

// Service owns a named endpoint. Register handlers, then Start; each
// accepted connection gets its own shared region and a dedicated worker.
type Service struct {
	name string
	opts Options

	logger  *logging.Logger
	metrics *metrics

	listenFd int
	pool     *ants.Pool

	handlerMu     sync.RWMutex
	handler       api.RequestHandler
	notifyHandler api.NotifyHandler

	conns  cmap.ConcurrentMap[uint64, *serverConn]
	nextID atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewService claims the endpoint for name. It fails when another process
// already listens on it.
func NewService(name string, opts *Options) (*Service, error) {
	o := opts.withDefaults()

	listenFd, err := platform.Listen(name)
	if err != nil {
		return nil, fmt.Errorf("rpc: claim endpoint %q: %w", name, err)
	}
	pool, err := ants.NewPool(o.WorkerPoolSize)
	if err != nil {
		platform.CloseFd(listenFd)
		return nil, fmt.Errorf("rpc: worker pool: %w", err)
	}
	return &Service{
		name:     name,
		opts:     o,
		logger:   logging.New("service", o.LogOutput).With("endpoint", name),
		metrics:  newMetrics("service", o.Registerer, o.Meter),
		listenFd: listenFd,
		pool:     pool,
		conns: cmap.NewWithCustomShardingFunction[uint64, *serverConn](func(id uint64) uint32 {
			return uint32(id) ^ uint32(id>>32)
		}),
	}, nil
}

// SetRequestHandler installs the request handler. Requests arriving while no
// handler is installed are answered with INVALID_METHOD.
func (s *Service) SetRequestHandler(h api.RequestHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

// SetNotifyHandler installs the handler for client-originated
// notifications. Notifications arriving while no handler is installed are
// dropped.
func (s *Service) SetNotifyHandler(h api.NotifyHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.notifyHandler = h
}

func (s *Service) requestHandler() api.RequestHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

func (s *Service) getNotifyHandler() api.NotifyHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.notifyHandler
}

// Start launches the accept loop. Call once.
func (s *Service) Start() {
	if s.started.Swap(true) {
		return
	}
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Infof("listening on %s", platform.EndpointOf(s.name))
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		sockFd, err := platform.Accept(s.listenFd)
		if err != nil {
			if !s.stopped.Load() {
				s.logger.Errorf("accept: %v", err)
			}
			return
		}
		if err := s.admit(sockFd); err != nil {
			s.logger.Warnf("handshake rejected: %v", err)
			platform.CloseFd(sockFd)
		}
	}
}

// admit runs the server half of the handshake: receive version plus region
// descriptor, validate both, ack the verdict, map the region and hand the
// connection to a worker.
func (s *Service) admit(sockFd int) error {
	version, regionFd, err := platform.RecvFdWithVersion(sockFd)
	if err != nil {
		return fmt.Errorf("handshake receive: %w", err)
	}

	if version != frame.ProtocolVersion {
		platform.SendAck(sockFd, false)
		platform.CloseFd(regionFd)
		return fmt.Errorf("peer version %d, want %d", version, frame.ProtocolVersion)
	}

	size, err := platform.SizeOfFd(regionFd)
	if err != nil {
		platform.SendAck(sockFd, false)
		platform.CloseFd(regionFd)
		return fmt.Errorf("region size: %w", err)
	}
	capacity, err := ring.CapacityForRegion(size)
	if err != nil {
		platform.SendAck(sockFd, false)
		platform.CloseFd(regionFd)
		return fmt.Errorf("region layout: %w", err)
	}

	if err := platform.SendAck(sockFd, true); err != nil {
		platform.CloseFd(regionFd)
		return fmt.Errorf("handshake ack: %w", err)
	}

	mem, err := platform.Map(regionFd, size)
	platform.CloseFd(regionFd)
	if err != nil {
		return err
	}
	// Mapping peer: the client already reset the control blocks.
	region, err := ring.NewRegion(mem, capacity)
	if err != nil {
		platform.Unmap(mem)
		return err
	}

	id := s.nextID.Add(1)
	conn := &serverConn{
		svc:    s,
		id:     id,
		log:    s.logger.With("conn", id),
		sockFd: sockFd,
		mem:    mem,
		region: region,
	}
	s.conns.Set(conn.id, conn)
	s.metrics.connections.Inc()

	s.wg.Add(1)
	if err := s.pool.Submit(func() {
		defer s.wg.Done()
		conn.serve()
	}); err != nil {
		s.wg.Done()
		conn.teardown()
		return fmt.Errorf("worker pool: %w", err)
	}
	conn.log.Debugf("admitted, ring capacity %d", capacity)
	return nil
}

func (s *Service) dropConn(id uint64) {
	if conn, ok := s.conns.Pop(id); ok {
		s.metrics.connections.Dec()
		conn.log.Debugf("closed")
	}
}

// IsRunning reports whether the endpoint has been started and not yet
// stopped.
func (s *Service) IsRunning() bool {
	return s.started.Load() && !s.stopped.Load()
}

// ConnectionCount returns the number of live connections.
func (s *Service) ConnectionCount() int {
	return s.conns.Count()
}

// Notify broadcasts a notification to every live connection. Connections
// whose outbound ring is full are skipped; every connection is attempted and
// the first failure is reported.
func (s *Service) Notify(serviceID, notifyID uint32, payload []byte) api.Status {
	status := api.StatusOK
	for item := range s.conns.IterBuffered() {
		if err := item.Val.notify(serviceID, notifyID, payload); err != nil {
			failure := api.StatusDisconnected
			if err == ring.ErrNotEnoughSpace {
				failure = api.StatusRingFull
				s.metrics.ringFullTotal.Inc()
			}
			item.Val.log.Debugf("broadcast skipped: %v", err)
			if status == api.StatusOK {
				status = failure
			}
			continue
		}
		s.metrics.notifiesTotal.Inc()
	}
	return status
}

// Stop closes the endpoint and every connection, then waits for the workers
// to drain. Safe to call more than once.
func (s *Service) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	platform.Shutdown(s.listenFd)
	platform.CloseFd(s.listenFd)

	for item := range s.conns.IterBuffered() {
		item.Val.shutdown()
	}
	s.wg.Wait()
	s.pool.Release()
	s.logger.Infof("stopped")
}
