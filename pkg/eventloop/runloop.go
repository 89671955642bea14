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

package eventloop

import "sync"

// RunLoop is the restricted serialization-only variant of Dispatcher: it
// runs posted closures on a dedicated goroutine but watches no descriptors.
type RunLoop struct {
	d *Dispatcher

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewRunLoop creates a run loop around a fresh dispatcher.
func NewRunLoop() (*RunLoop, error) {
	d, err := NewDispatcher()
	if err != nil {
		return nil, err
	}
	return &RunLoop{d: d}, nil
}

// Init names the loop for log lines. Optional; call before Start.
func (l *RunLoop) Init(name string) {
	l.d.Init(name)
}

// IsRunning reports whether the loop goroutine is alive.
func (l *RunLoop) IsRunning() bool {
	return l.d.IsRunning()
}

// Start launches the dispatch goroutine. Starting a running loop is a no-op.
func (l *RunLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.done = make(chan struct{})
	// Publish the running state before the goroutine is scheduled so
	// IsRunning holds as soon as Start returns; Run clears it on exit.
	l.d.running.Store(true)
	go func(done chan struct{}) {
		defer close(done)
		l.d.Run()
	}(l.done)
}

// Post enqueues fn onto the loop goroutine.
func (l *RunLoop) Post(fn func()) error {
	return l.d.Post(fn)
}

// Stop halts the dispatch goroutine and waits for it to exit. The loop can
// be started again afterwards.
func (l *RunLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	done := l.done
	l.mu.Unlock()

	l.d.Stop()
	<-done
}

// Close stops the loop and releases the dispatcher.
func (l *RunLoop) Close() error {
	l.Stop()
	return l.d.Close()
}
