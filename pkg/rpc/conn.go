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
	"io"
	"sync"

	"github.com/srediag/shmrpc/api"
	"github.com/srediag/shmrpc/internal/logging"
	"github.com/srediag/shmrpc/internal/platform"
	"github.com/srediag/shmrpc/pkg/frame"
	"github.com/srediag/shmrpc/pkg/ring"
)

// serverConn is one accepted client on a Service: its socket, its mapping
// and the ring pair laid over it. The reader goroutine is the only consumer
// of the inbound ring; writeMu serializes responses and broadcasts on the
// outbound ring.
type serverConn struct {
	svc    *Service
	id     uint64
	log    *logging.Logger
	sockFd int
	mem    []byte
	region *ring.Region

	writeMu sync.Mutex

	closeOnce sync.Once
}

// serve blocks on wake signals and drains the inbound ring until the peer
// disconnects or misbehaves. It runs on one worker of the service pool.
func (c *serverConn) serve() {
	defer c.teardown()
	for {
		if err := platform.RecvSignal(c.sockFd); err != nil {
			if err != io.EOF {
				c.log.Debugf("signal read: %v", err)
			}
			return
		}
		if err := c.drain(); err != nil {
			c.log.Warnf("closing: %v", err)
			return
		}
	}
}

// drain consumes every complete frame currently in the inbound ring. A wake
// byte is an edge, not a count, so one signal may cover many frames and a
// spurious signal may cover none.
func (c *serverConn) drain() error {
	in := c.region.ClientToServer
	for {
		progressed, err := readFrame(in, c.dispatch)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (c *serverConn) dispatch(h frame.Header, payload []byte) {
	if h.Flags&^(frame.FlagRequest|frame.FlagResponse|frame.FlagNotify) != 0 {
		// Unknown flag bits: skip the frame, keep the connection.
		c.log.Tracef("skipping frame with flags %#x", h.Flags)
		return
	}
	switch {
	case h.Flags&frame.FlagRequest != 0:
		c.handleRequest(h, payload)
	case h.Flags&frame.FlagNotify != 0:
		c.handleNotify(h, payload)
	default:
		// Responses never travel client to server. readFrame validated the
		// kind bits, so a RESPONSE here is a peer bug; drop it.
		c.log.Warnf("unexpected response frame, seq %d", h.Seq)
	}
}

func (c *serverConn) handleRequest(h frame.Header, payload []byte) {
	c.svc.metrics.countCall()

	handler := c.svc.requestHandler()
	var status api.Status
	var response []byte
	if handler == nil {
		status = api.StatusInvalidMethod
	} else {
		status, response = handler(h.MessageID, payload)
	}
	c.sendResponse(h, status, response)
}

func (c *serverConn) sendResponse(req frame.Header, status api.Status, response []byte) {
	resp := frame.Header{
		Version:   frame.ProtocolVersion,
		Flags:     frame.FlagResponse,
		ServiceID: req.ServiceID,
		MessageID: req.MessageID,
		Seq:       req.Seq,
		Aux:       uint32(status),
	}
	err := writeFrame(c.region.ServerToClient, &c.writeMu, resp, response)
	if err == ring.ErrNotEnoughSpace {
		// The client stopped draining. Dropping the response lets its call
		// time out instead of wedging this connection.
		c.svc.metrics.droppedResponses.Inc()
		c.log.Warnf("response ring full, dropping seq %d", req.Seq)
		return
	}
	if err != nil {
		c.log.Errorf("response write: %v", err)
		return
	}
	if err := platform.SendSignal(c.sockFd); err != nil {
		c.log.Debugf("response signal: %v", err)
	}
}

func (c *serverConn) handleNotify(h frame.Header, payload []byte) {
	c.svc.metrics.notifiesTotal.Inc()
	handler := c.svc.getNotifyHandler()
	if handler == nil {
		c.log.Debugf("notify %d dropped, no handler", h.MessageID)
		return
	}
	handler(h.MessageID, payload)
}

// notify pushes a server-initiated NOTIFY to this connection. A full ring
// skips the connection rather than blocking the broadcaster.
func (c *serverConn) notify(serviceID, notifyID uint32, payload []byte) error {
	h := frame.Header{
		Version:   frame.ProtocolVersion,
		Flags:     frame.FlagNotify,
		ServiceID: serviceID,
		MessageID: notifyID,
	}
	if err := writeFrame(c.region.ServerToClient, &c.writeMu, h, payload); err != nil {
		return err
	}
	return platform.SendSignal(c.sockFd)
}

// shutdown unblocks the reader without waiting for it.
func (c *serverConn) shutdown() {
	platform.Shutdown(c.sockFd)
}

func (c *serverConn) teardown() {
	c.closeOnce.Do(func() {
		c.svc.dropConn(c.id)
		platform.Shutdown(c.sockFd)
		platform.CloseFd(c.sockFd)
		platform.Unmap(c.mem)
	})
}
