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

package platform

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func seqpacketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	assert.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEndpointOf(t *testing.T) {
	assert.Equal(t, "rpc_echo", EndpointOf("echo"))
}

func TestSharedMemoryRoundTrip(t *testing.T) {
	const size = 1 << 16
	fd, err := CreateSharedMemory(size)
	assert.NoError(t, err)
	defer CloseFd(fd)

	got, err := SizeOfFd(fd)
	assert.NoError(t, err)
	assert.Equal(t, size, got)

	memA, err := Map(fd, size)
	assert.NoError(t, err)
	defer Unmap(memA)
	memB, err := Map(fd, size)
	assert.NoError(t, err)
	defer Unmap(memB)

	copy(memA[128:], []byte("shared"))
	assert.Equal(t, []byte("shared"), memB[128:134])
}

func TestHandshakeCarriesVersionAndFd(t *testing.T) {
	a, b := seqpacketPair(t)

	const size = 4096
	regionFd, err := CreateSharedMemory(size)
	assert.NoError(t, err)
	defer CloseFd(regionFd)

	assert.NoError(t, SendFdWithVersion(a, regionFd, 7))

	version, receivedFd, err := RecvFdWithVersion(b)
	assert.NoError(t, err)
	defer CloseFd(receivedFd)
	assert.Equal(t, uint16(7), version)

	// The received descriptor refers to the same object.
	got, err := SizeOfFd(receivedFd)
	assert.NoError(t, err)
	assert.Equal(t, size, got)
}

func TestHandshakeWithoutDescriptor(t *testing.T) {
	a, b := seqpacketPair(t)

	var data [2]byte
	_, err := unix.Write(a, data[:])
	assert.NoError(t, err)

	_, fd, err := RecvFdWithVersion(b)
	assert.ErrorIs(t, err, ErrNoDescriptor)
	assert.Equal(t, -1, fd)
}

func TestAck(t *testing.T) {
	a, b := seqpacketPair(t)

	assert.NoError(t, SendAck(a, true))
	accepted, err := RecvAck(b)
	assert.NoError(t, err)
	assert.True(t, accepted)

	assert.NoError(t, SendAck(a, false))
	accepted, err = RecvAck(b)
	assert.NoError(t, err)
	assert.False(t, accepted)
}

func TestSignalAndPeerClose(t *testing.T) {
	a, b := seqpacketPair(t)

	assert.NoError(t, SendSignal(a))
	assert.NoError(t, RecvSignal(b))

	unix.Close(a)
	err := RecvSignal(b)
	assert.True(t, err == io.EOF || err != nil)
}

func TestShutdownUnblocksRecvSignal(t *testing.T) {
	_, b := seqpacketPair(t)

	done := make(chan error, 1)
	go func() {
		done <- RecvSignal(b)
	}()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, Shutdown(b))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("RecvSignal did not return after Shutdown")
	}
}

func TestListenConnectAccept(t *testing.T) {
	name := fmt.Sprintf("plat_test_%d", randomToken())

	listenFd, err := Listen(name)
	assert.NoError(t, err)
	defer CloseFd(listenFd)

	// Second listener on the same name collides.
	_, err = Listen(name)
	assert.Error(t, err)

	clientFd, err := Connect(name)
	assert.NoError(t, err)
	defer CloseFd(clientFd)

	serverFd, err := Accept(listenFd)
	assert.NoError(t, err)
	defer CloseFd(serverFd)

	assert.NoError(t, SendSignal(clientFd))
	assert.NoError(t, RecvSignal(serverFd))
}

func TestEpollWakePipe(t *testing.T) {
	epollFd, err := EpollCreate()
	assert.NoError(t, err)
	defer CloseFd(epollFd)

	readFd, writeFd, err := WakePipe()
	assert.NoError(t, err)
	defer CloseFd(readFd)
	defer CloseFd(writeFd)

	const tag = uint64(0xfeed_0000_0001)
	assert.NoError(t, EpollAdd(epollFd, readFd, tag))

	events := make([]unix.EpollEvent, 4)
	n, err := EpollWait(epollFd, events, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = unix.Write(writeFd, []byte{1})
	assert.NoError(t, err)

	n, err = EpollWait(epollFd, events, 1000)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, tag, TagOf(&events[0]))

	DrainPipe(readFd)
	n, err = EpollWait(epollFd, events, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.NoError(t, EpollDel(epollFd, readFd))
}
