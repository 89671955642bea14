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
	"errors"
	"fmt"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmrpc/pkg/frame"
	"github.com/srediag/shmrpc/pkg/ring"
)

// errProtocol marks inbound traffic that violates the framing rules. The
// receiving side closes the connection when it sees one.
var errProtocol = errors.New("rpc: protocol violation")

// writeFrame stages header and payload into one contiguous buffer and
// publishes them with a single ring write, so the consumer never observes a
// header without its payload. mu serializes producers on the same ring.
func writeFrame(r *ring.Ring, mu *sync.Mutex, h frame.Header, payload []byte) error {
	total := frame.HeaderSize + len(payload)
	if total > int(r.Capacity()) {
		return ring.ErrNotEnoughSpace
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	b := buf.B
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	h.PayloadBytes = uint32(len(payload))
	h.EncodeTo(b)
	copy(b[frame.HeaderSize:], payload)
	buf.B = b

	mu.Lock()
	defer mu.Unlock()
	return r.Write(b)
}

// readFrame consumes the next complete frame from r into a pooled buffer and
// hands header plus payload to visit. The payload slice is recycled after
// visit returns.
//
// It returns false when no complete frame is readable, and errProtocol when
// the frame at the head of the ring can never be valid.
func readFrame(r *ring.Ring, visit func(h frame.Header, payload []byte)) (bool, error) {
	if r.ReadAvailable() < frame.HeaderSize {
		return false, nil
	}

	var hdr [frame.HeaderSize]byte
	if err := r.Peek(hdr[:]); err != nil {
		return false, nil
	}
	h, err := frame.Decode(hdr[:])
	if err != nil {
		return false, err
	}

	if h.Version != frame.ProtocolVersion {
		return false, fmt.Errorf("%w: version %d", errProtocol, h.Version)
	}
	if !h.KindValid() {
		return false, fmt.Errorf("%w: flags %#x", errProtocol, h.Flags)
	}
	total := frame.HeaderSize + int(h.PayloadBytes)
	if total > int(r.Capacity()) {
		return false, fmt.Errorf("%w: payload %d bytes exceeds ring", errProtocol, h.PayloadBytes)
	}
	if r.ReadAvailable() < uint32(total) {
		return false, nil
	}

	if err := r.Skip(frame.HeaderSize); err != nil {
		return false, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	b := buf.B
	if cap(b) < int(h.PayloadBytes) {
		b = make([]byte, h.PayloadBytes)
	}
	b = b[:h.PayloadBytes]
	if err := r.Read(b); err != nil {
		return false, err
	}
	buf.B = b

	visit(h, b)
	return true, nil
}
