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
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmrpc/api"
)

const (
	echoService  = uint32(1)
	echoIncr     = uint32(1)
	notifyTick   = uint32(7)
	testCapacity = uint32(4096)
)

var nameSeq atomic.Uint32

func uniqueName() string {
	return fmt.Sprintf("shmrpc_test_%d_%d", os.Getpid(), nameSeq.Add(1))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	assert.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type RPCSuite struct {
	suite.Suite
}

func TestRPCSuite(t *testing.T) {
	suite.Run(t, new(RPCSuite))
}

// startEchoService serves requests that add one to every payload byte.
func (s *RPCSuite) startEchoService(name string, opts *Options) *Service {
	svc, err := NewService(name, opts)
	s.Require().NoError(err)
	svc.SetRequestHandler(func(methodID uint32, request []byte) (api.Status, []byte) {
		if methodID != echoIncr {
			return api.StatusInvalidMethod, nil
		}
		out := make([]byte, len(request))
		for i, b := range request {
			out[i] = b + 1
		}
		return api.StatusOK, out
	})
	svc.Start()
	s.T().Cleanup(svc.Stop)
	return svc
}

func (s *RPCSuite) connect(name string, opts *Options) *Client {
	c, err := Connect(name, opts)
	s.Require().NoError(err)
	s.T().Cleanup(c.Disconnect)
	return c
}

func (s *RPCSuite) TestEchoRoundTrip() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	response, status := c.Call(echoService, echoIncr, []byte{1, 2, 3}, time.Second)
	s.Equal(api.StatusOK, status)
	s.Equal([]byte{2, 3, 4}, response)
	s.Equal(0, c.PendingCalls())
}

func (s *RPCSuite) TestEmptyPayloadRoundTrip() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	response, status := c.Call(echoService, echoIncr, nil, time.Second)
	s.Equal(api.StatusOK, status)
	s.Empty(response)
}

func (s *RPCSuite) TestApplicationStatusPassthrough() {
	name := uniqueName()
	svc, err := NewService(name, &Options{RingCapacity: testCapacity})
	s.Require().NoError(err)
	svc.SetRequestHandler(func(uint32, []byte) (api.Status, []byte) {
		return api.Status(42), []byte("details")
	})
	svc.Start()
	s.T().Cleanup(svc.Stop)

	c := s.connect(name, &Options{RingCapacity: testCapacity})
	response, status := c.Call(echoService, 1, nil, time.Second)
	s.Equal(api.Status(42), status)
	s.Equal([]byte("details"), response)
	s.Equal("APP(42)", status.String())
}

func (s *RPCSuite) TestNoHandlerInstalled() {
	name := uniqueName()
	svc, err := NewService(name, &Options{RingCapacity: testCapacity})
	s.Require().NoError(err)
	svc.Start()
	s.T().Cleanup(svc.Stop)

	c := s.connect(name, &Options{RingCapacity: testCapacity})
	_, status := c.Call(echoService, echoIncr, []byte("x"), time.Second)
	s.Equal(api.StatusInvalidMethod, status)

	// Installing a handler afterwards serves later calls on the same
	// connection.
	svc.SetRequestHandler(func(uint32, []byte) (api.Status, []byte) {
		return api.StatusOK, []byte("late")
	})
	out, status := c.Call(echoService, echoIncr, nil, time.Second)
	s.Equal(api.StatusOK, status)
	s.Equal([]byte("late"), out)
}

func (s *RPCSuite) TestUnknownMethodID() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	_, status := c.Call(echoService, 999, nil, time.Second)
	s.Equal(api.StatusInvalidMethod, status)
}

func (s *RPCSuite) TestVersionMismatchRejected() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})

	_, err := Connect(name, &Options{
		RingCapacity:    testCapacity,
		protocolVersion: 99,
	})
	s.ErrorIs(err, ErrVersionRejected)
}

func (s *RPCSuite) TestEndpointCollision() {
	name := uniqueName()
	svc, err := NewService(name, nil)
	s.Require().NoError(err)
	s.T().Cleanup(svc.Stop)

	_, err = NewService(name, nil)
	s.Error(err)
}

func (s *RPCSuite) TestCallTimeout() {
	name := uniqueName()
	svc, err := NewService(name, &Options{RingCapacity: testCapacity})
	s.Require().NoError(err)
	release := make(chan struct{})
	svc.SetRequestHandler(func(uint32, []byte) (api.Status, []byte) {
		<-release
		return api.StatusOK, nil
	})
	svc.Start()
	s.T().Cleanup(svc.Stop)

	c := s.connect(name, &Options{RingCapacity: testCapacity})
	_, status := c.Call(echoService, 1, nil, 50*time.Millisecond)
	s.Equal(api.StatusTimeout, status)
	s.Equal(0, c.PendingCalls())

	// The late response must be discarded without disturbing later calls.
	close(release)
	time.Sleep(50 * time.Millisecond)
	s.True(c.Connected())
	_, status = c.Call(echoService, 1, nil, time.Second)
	s.Equal(api.StatusOK, status)
}

func (s *RPCSuite) TestOversizedRequestReportsRingFull() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	_, status := c.Call(echoService, echoIncr, make([]byte, testCapacity+1), time.Second)
	s.Equal(api.StatusRingFull, status)
	s.Equal(0, c.PendingCalls())

	status = c.Notify(echoService, notifyTick, make([]byte, testCapacity+1))
	s.Equal(api.StatusRingFull, status)

	// RING_FULL is transient: the connection keeps serving fitting frames.
	out, status := c.Call(echoService, echoIncr, []byte{9}, time.Second)
	s.Equal(api.StatusOK, status)
	s.Equal([]byte{10}, out)
}

func (s *RPCSuite) TestClientNotifyReachesService() {
	name := uniqueName()
	svc, err := NewService(name, &Options{RingCapacity: testCapacity})
	s.Require().NoError(err)
	got := make(chan []byte, 1)
	svc.SetNotifyHandler(func(notifyID uint32, payload []byte) {
		s.Equal(notifyTick, notifyID)
		got <- append([]byte(nil), payload...)
	})
	svc.Start()
	s.T().Cleanup(svc.Stop)

	c := s.connect(name, &Options{RingCapacity: testCapacity})
	s.Equal(api.StatusOK, c.Notify(echoService, notifyTick, []byte("ping")))

	select {
	case payload := <-got:
		s.Equal([]byte("ping"), payload)
	case <-time.After(time.Second):
		s.Fail("notification never delivered")
	}
}

func (s *RPCSuite) TestClientNotifyWithoutHandlerIsDropped() {
	name := uniqueName()
	svc := s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	s.Equal(api.StatusOK, c.Notify(echoService, notifyTick, []byte("void")))

	// The connection survives the dropped notification.
	_, status := c.Call(echoService, echoIncr, []byte{1}, time.Second)
	s.Equal(api.StatusOK, status)
	s.Equal(1, svc.ConnectionCount())
}

func (s *RPCSuite) TestBroadcastFanOut() {
	name := uniqueName()
	svc := s.startEchoService(name, &Options{RingCapacity: testCapacity})

	const clients = 3
	var wg sync.WaitGroup
	wg.Add(clients)
	for i := 0; i < clients; i++ {
		c := s.connect(name, &Options{RingCapacity: testCapacity})
		var once sync.Once
		c.SetNotifyHandler(func(notifyID uint32, payload []byte) {
			s.Equal(notifyTick, notifyID)
			s.Equal([]byte("tick"), payload)
			once.Do(wg.Done)
		})
	}

	s.Eventually(func() bool {
		return svc.ConnectionCount() == clients
	}, time.Second, 10*time.Millisecond)

	s.Equal(api.StatusOK, svc.Notify(echoService, notifyTick, []byte("tick")))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("broadcast not delivered to all clients")
	}
}

func (s *RPCSuite) TestBroadcastWithoutConnections() {
	name := uniqueName()
	svc := s.startEchoService(name, &Options{RingCapacity: testCapacity})
	s.Equal(api.StatusOK, svc.Notify(echoService, notifyTick, []byte("tick")))
}

func (s *RPCSuite) TestServiceStopWakesWaiters() {
	name := uniqueName()
	svc, err := NewService(name, &Options{RingCapacity: testCapacity})
	s.Require().NoError(err)
	entered := make(chan struct{})
	svc.SetRequestHandler(func(uint32, []byte) (api.Status, []byte) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		return api.StatusOK, nil
	})
	svc.Start()

	c := s.connect(name, &Options{RingCapacity: testCapacity})

	result := make(chan api.Status, 1)
	go func() {
		_, status := c.Call(echoService, 1, nil, 5*time.Second)
		result <- status
	}()
	<-entered
	svc.Stop()

	select {
	case status := <-result:
		s.Equal(api.StatusDisconnected, status)
	case <-time.After(2 * time.Second):
		s.Fail("waiter not woken by service stop")
	}
	s.False(c.Connected())
	s.False(svc.IsRunning())

	// Idempotent stop.
	svc.Stop()
}

func (s *RPCSuite) TestDisconnectStopsClient() {
	name := uniqueName()
	svc := s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	c.Disconnect()
	c.Disconnect()

	_, status := c.Call(echoService, echoIncr, nil, time.Second)
	s.Equal(api.StatusStopped, status)
	s.Equal(api.StatusStopped, c.Notify(echoService, notifyTick, nil))

	s.Eventually(func() bool {
		return svc.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func (s *RPCSuite) TestConcurrentCallsCorrelate() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})
	c := s.connect(name, &Options{RingCapacity: testCapacity})

	const callers = 8
	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(callers)
	for g := 0; g < callers; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				in := []byte{byte(g), byte(i)}
				out, status := c.Call(echoService, echoIncr, in, 2*time.Second)
				if !s.Equal(api.StatusOK, status) {
					return
				}
				s.Equal([]byte{byte(g) + 1, byte(i) + 1}, out)
			}
		}()
	}
	wg.Wait()
	s.Equal(0, c.PendingCalls())
}

func (s *RPCSuite) TestCallCounters() {
	name := uniqueName()
	s.startEchoService(name, &Options{RingCapacity: testCapacity})

	reg := prometheus.NewRegistry()
	c := s.connect(name, &Options{RingCapacity: testCapacity, Registerer: reg})

	_, status := c.Call(echoService, echoIncr, []byte("x"), time.Second)
	s.Equal(api.StatusOK, status)

	s.Equal(float64(1), counterValue(s.T(), c.metrics.callsTotal))
	s.Equal(float64(0), counterValue(s.T(), c.metrics.timeoutsTotal))
}
