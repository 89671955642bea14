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

// Package eventloop provides a single-threaded dispatcher over epoll.
// Callers register readiness handlers for descriptors and post closures from
// any goroutine; both run on the goroutine that called Run.
//
// Each Run cycle first drains the post queue, then blocks in epoll. A wake
// pipe interrupts the block whenever a post or Stop arrives, so posted work
// never waits on descriptor traffic.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmrpc/internal/logging"
	"github.com/srediag/shmrpc/internal/platform"
)

// ErrClosed is returned by operations on a closed dispatcher.
var ErrClosed = errors.New("eventloop: dispatcher closed")

// Handler runs on the dispatch goroutine when its descriptor becomes
// readable.
type Handler func()

// Dispatcher multiplexes descriptor readiness and posted closures onto one
// goroutine. All methods except Run and Close may be called from any
// goroutine, including from inside a Handler.
type Dispatcher struct {
	logger *logging.Logger

	epollFd     int
	wakeReadFd  int
	wakeWriteFd int

	posts *queue.Queue

	mu       sync.Mutex
	handlers map[int]Handler

	running atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool
}

// NewDispatcher creates a dispatcher with its epoll instance and wake pipe
// already wired.
func NewDispatcher() (*Dispatcher, error) {
	epollFd, err := platform.EpollCreate()
	if err != nil {
		return nil, err
	}
	readFd, writeFd, err := platform.WakePipe()
	if err != nil {
		platform.CloseFd(epollFd)
		return nil, err
	}
	d := &Dispatcher{
		logger:      logging.New("eventloop", nil),
		epollFd:     epollFd,
		wakeReadFd:  readFd,
		wakeWriteFd: writeFd,
		posts:       queue.New(16),
		handlers:    make(map[int]Handler),
	}
	if err := platform.EpollAdd(epollFd, readFd, uint64(readFd)); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Init names the dispatcher for log lines. Optional; call before Run.
func (d *Dispatcher) Init(name string) {
	d.logger = logging.New("eventloop", nil).With("loop", name)
}

// AddFD registers fd for readability and binds handler to it. Replacing the
// handler of an already registered fd is not supported; RemoveFD first.
func (d *Dispatcher) AddFD(fd int, handler Handler) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := platform.EpollAdd(d.epollFd, fd, uint64(fd)); err != nil {
		return err
	}
	d.handlers[fd] = handler
	return nil
}

// RemoveFD drops the registration for fd. Unknown fds are ignored. Safe to
// call from inside the fd's own handler.
func (d *Dispatcher) RemoveFD(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[fd]; !ok {
		return nil
	}
	delete(d.handlers, fd)
	return platform.EpollDel(d.epollFd, fd)
}

// Post enqueues fn for execution on the dispatch goroutine and wakes it.
// Posts from one goroutine run in submission order.
func (d *Dispatcher) Post(fn func()) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.posts.Put(fn); err != nil {
		return ErrClosed
	}
	d.wake()
	return nil
}

func (d *Dispatcher) wake() {
	var b [1]byte
	unix.Write(d.wakeWriteFd, b[:])
}

// IsRunning reports whether a goroutine is currently inside Run.
func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

// Run executes the dispatch cycle on the calling goroutine until Stop. On
// exit the stop flag is cleared, so the dispatcher can be run again. A Stop
// issued before Run makes it return immediately.
func (d *Dispatcher) Run() error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.running.Store(true)
	defer d.running.Store(false)

	events := make([]unix.EpollEvent, 32)
	for {
		d.drainPosts()
		if d.stopped.Swap(false) {
			return nil
		}

		n, err := platform.EpollWait(d.epollFd, events, -1)
		if err != nil {
			if d.closed.Load() {
				return ErrClosed
			}
			d.logger.Errorf("epoll wait: %v", err)
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(platform.TagOf(&events[i]))
			if fd == d.wakeReadFd {
				platform.DrainPipe(d.wakeReadFd)
				continue
			}
			d.mu.Lock()
			handler := d.handlers[fd]
			d.mu.Unlock()
			if handler != nil {
				handler()
			}
		}
	}
}

func (d *Dispatcher) drainPosts() {
	for {
		n := d.posts.Len()
		if n == 0 {
			return
		}
		items, err := d.posts.Get(n)
		if err != nil {
			return
		}
		for _, item := range items {
			if fn, ok := item.(func()); ok {
				fn()
			}
		}
	}
}

// Stop makes Run return after the current cycle. Valid before, during and
// from inside Run; repeated calls are no-ops.
func (d *Dispatcher) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	d.wake()
}

// Close stops the dispatcher and releases its descriptors. The dispatcher is
// unusable afterwards.
func (d *Dispatcher) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.Stop()
	d.posts.Dispose()
	platform.CloseFd(d.wakeWriteFd)
	platform.CloseFd(d.wakeReadFd)
	return platform.CloseFd(d.epollFd)
}
