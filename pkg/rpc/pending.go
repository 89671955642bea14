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
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmrpc/api"
)

// pendingCall is one in-flight request. The caller parks on done; the
// receiver goroutine fills status and response before closing it, so the
// close ordering publishes both fields.
type pendingCall struct {
	once     sync.Once
	done     chan struct{}
	status   api.Status
	response []byte
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan struct{})}
}

// complete resolves the call exactly once. Later completions are ignored.
func (p *pendingCall) complete(status api.Status, response []byte) {
	p.once.Do(func() {
		p.status = status
		p.response = response
		close(p.done)
	})
}

// pendingTable maps sequence numbers to in-flight calls. Callers insert
// before sending and remove on timeout; the receiver removes on response.
type pendingTable struct {
	m cmap.ConcurrentMap[uint32, *pendingCall]
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		m: cmap.NewWithCustomShardingFunction[uint32, *pendingCall](func(seq uint32) uint32 {
			return seq
		}),
	}
}

func (t *pendingTable) insert(seq uint32, call *pendingCall) {
	t.m.Set(seq, call)
}

// take removes and returns the call registered under seq. The second result
// is false when another goroutine already took it.
func (t *pendingTable) take(seq uint32) (*pendingCall, bool) {
	return t.m.Pop(seq)
}

// failAll resolves every in-flight call with status and empties the table.
func (t *pendingTable) failAll(status api.Status) {
	for item := range t.m.IterBuffered() {
		if call, ok := t.m.Pop(item.Key); ok {
			call.complete(status, nil)
		}
	}
}

func (t *pendingTable) count() int {
	return t.m.Count()
}
