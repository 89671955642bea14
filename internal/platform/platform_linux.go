/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const listenBacklog = 16

// Listen binds a seqpacket socket to the service's endpoint in the abstract
// namespace and puts it in listening state. A name collision surfaces as
// EADDRINUSE.
func Listen(serviceName string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("platform: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: "@" + EndpointOf(serviceName)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("platform: bind %s: %w", EndpointOf(serviceName), err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("platform: listen %s: %w", EndpointOf(serviceName), err)
	}
	return fd, nil
}

// Connect opens a seqpacket socket and connects it to the service's endpoint.
// A missing endpoint surfaces as ECONNREFUSED or ENOENT; callers retry.
func Connect(serviceName string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("platform: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: "@" + EndpointOf(serviceName)}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Accept takes the next pending connection off a listening socket. It retries
// on EINTR and reports other errors verbatim.
func Accept(listenFd int) (int, error) {
	for {
		fd, _, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return fd, nil
	}
}

// CreateSharedMemory allocates an anonymous memory object of the given size
// and returns its descriptor. It prefers memfd_create and falls back to an
// unlinked file under /dev/shm on kernels without it.
func CreateSharedMemory(size int) (int, error) {
	fd, err := unix.MemfdCreate("shmrpc_region", unix.MFD_CLOEXEC)
	if err == nil {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("platform: ftruncate: %w", err)
		}
		return fd, nil
	}
	return createDevShmBacked(size)
}

func createDevShmBacked(size int) (int, error) {
	if !canCreateOnDevShm(uint64(size)) {
		return -1, fmt.Errorf("platform: /dev/shm cannot hold %d bytes", size)
	}
	path := fmt.Sprintf("/dev/shm/shmrpc_%d_%d", os.Getpid(), randomToken())
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return -1, fmt.Errorf("platform: open %s: %w", path, err)
	}
	// Unlink immediately so the region disappears with its last descriptor.
	if err := unix.Unlink(path); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("platform: unlink %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("platform: ftruncate: %w", err)
	}
	return fd, nil
}

// SizeOfFd returns the byte size of the object behind fd. The accepting peer
// uses this to learn the region layout the connecting peer created.
func SizeOfFd(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("platform: fstat: %w", err)
	}
	return int(st.Size), nil
}

// Map maps size bytes of fd read-write and shared.
func Map(fd, size int) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap: %w", err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

// SendFdWithVersion sends the handshake message: a 2-byte little-endian
// protocol version in the data part and the region descriptor as SCM_RIGHTS
// ancillary data, in a single datagram.
func SendFdWithVersion(sockFd, regionFd int, version uint16) error {
	var data [2]byte
	binary.LittleEndian.PutUint16(data[:], version)
	rights := unix.UnixRights(regionFd)
	for {
		err := unix.Sendmsg(sockFd, data[:], rights, nil, 0)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// RecvFdWithVersion receives the handshake message and returns the peer's
// protocol version and the region descriptor. The descriptor is owned by the
// caller.
func RecvFdWithVersion(sockFd int) (uint16, int, error) {
	var data [2]byte
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(sockFd, data[:], oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, -1, err
		}
		if n == 0 {
			return 0, -1, io.EOF
		}
		if n < 2 {
			return 0, -1, fmt.Errorf("platform: short handshake message (%d bytes)", n)
		}
		version := binary.LittleEndian.Uint16(data[:])
		fds, err := parseRights(oob[:oobn])
		if err != nil {
			return 0, -1, err
		}
		if len(fds) == 0 {
			return version, -1, ErrNoDescriptor
		}
		// Only the first descriptor is meaningful; close any extras.
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return version, fds[0], nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("platform: parse control message: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// SendAck writes the one-byte handshake verdict: 1 accepted, 0 rejected.
func SendAck(sockFd int, accepted bool) error {
	b := [1]byte{0}
	if accepted {
		b[0] = 1
	}
	for {
		_, err := unix.Write(sockFd, b[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// RecvAck reads the one-byte handshake verdict.
func RecvAck(sockFd int) (bool, error) {
	var b [1]byte
	for {
		n, err := unix.Read(sockFd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.EOF
		}
		return b[0] == 1, nil
	}
}

// SendSignal writes the one-byte wake edge. The value is meaningless; the
// receiver drains its ring regardless.
func SendSignal(sockFd int) error {
	b := [1]byte{1}
	for {
		_, err := unix.Write(sockFd, b[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// RecvSignal blocks until a wake byte or peer close. A zero-length read means
// the peer disconnected and is reported as io.EOF.
func RecvSignal(sockFd int) error {
	var b [1]byte
	for {
		n, err := unix.Read(sockFd, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		return nil
	}
}

// Shutdown disables further sends and receives on the socket, unblocking any
// goroutine parked in RecvSignal or Accept on it.
func Shutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

// CloseFd closes any descriptor obtained from this package.
func CloseFd(fd int) error {
	return unix.Close(fd)
}

// EpollCreate returns a new epoll instance.
func EpollCreate() (int, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("platform: epoll_create1: %w", err)
	}
	return fd, nil
}

// EpollAdd registers fd for level-triggered readability with the given tag.
func EpollAdd(epollFd, fd int, tag uint64) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	ev.Fd = int32(tag)
	ev.Pad = int32(tag >> 32)
	return unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// EpollDel removes fd from the epoll set.
func EpollDel(epollFd, fd int) error {
	return unix.EpollCtl(epollFd, unix.EPOLL_CTL_DEL, fd, nil)
}

// EpollWait blocks until at least one registered descriptor is ready or the
// timeout elapses. It fills events and returns how many are ready; TagOf
// recovers each event's tag. timeoutMs < 0 blocks indefinitely.
func EpollWait(epollFd int, events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(epollFd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// TagOf reconstructs the 64-bit tag packed by EpollAdd.
func TagOf(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// WakePipe returns a non-blocking close-on-exec pipe pair used to interrupt
// EpollWait from another goroutine.
func WakePipe() (readFd, writeFd int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, fmt.Errorf("platform: pipe2: %w", err)
	}
	return p[0], p[1], nil
}

// DrainPipe reads and discards everything currently buffered in a
// non-blocking pipe read end.
func DrainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
