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

// Package frame implements the fixed 24-byte frame header carried in front
// of every payload on the shared ring. All multi-byte fields are
// little-endian on the wire. The codec performs no flag policy; callers
// decide what combinations mean.
package frame

import (
	"encoding/binary"
	"errors"
)

// ProtocolVersion is the handshake and frame version emitted by this build.
const ProtocolVersion uint16 = 1

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 24

// Frame kind bits carried in Header.Flags. Exactly one is set per frame.
const (
	FlagRequest  uint16 = 0x0001
	FlagResponse uint16 = 0x0002
	FlagNotify   uint16 = 0x0004
)

// ErrShortBuffer is returned by Decode when fewer than HeaderSize bytes are
// supplied.
var ErrShortBuffer = errors.New("frame: buffer shorter than header")

// Header is the fixed preamble of every frame. PayloadBytes bytes of opaque
// payload follow the header contiguously in the ring.
type Header struct {
	Version      uint16
	Flags        uint16
	ServiceID    uint32
	MessageID    uint32
	Seq          uint32
	PayloadBytes uint32
	Aux          uint32
}

// KindValid reports whether exactly one of the known frame kind bits is set.
func (h *Header) KindValid() bool {
	kind := h.Flags & (FlagRequest | FlagResponse | FlagNotify)
	return kind != 0 && kind&(kind-1) == 0
}

// Status returns Aux reinterpreted as the signed status a RESPONSE carries.
func (h *Header) Status() int32 {
	return int32(h.Aux)
}

// EncodeTo writes the header into dst, which must hold at least HeaderSize
// bytes.
func (h *Header) EncodeTo(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint16(dst[0:2], h.Version)
	binary.LittleEndian.PutUint16(dst[2:4], h.Flags)
	binary.LittleEndian.PutUint32(dst[4:8], h.ServiceID)
	binary.LittleEndian.PutUint32(dst[8:12], h.MessageID)
	binary.LittleEndian.PutUint32(dst[12:16], h.Seq)
	binary.LittleEndian.PutUint32(dst[16:20], h.PayloadBytes)
	binary.LittleEndian.PutUint32(dst[20:24], h.Aux)
}

// Encode returns the header as a freshly allocated HeaderSize byte slice.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeTo(buf)
	return buf
}

// Decode parses a header from src. src may be longer than HeaderSize; extra
// bytes are ignored.
func Decode(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Version:      binary.LittleEndian.Uint16(src[0:2]),
		Flags:        binary.LittleEndian.Uint16(src[2:4]),
		ServiceID:    binary.LittleEndian.Uint32(src[4:8]),
		MessageID:    binary.LittleEndian.Uint32(src[8:12]),
		Seq:          binary.LittleEndian.Uint32(src[12:16]),
		PayloadBytes: binary.LittleEndian.Uint32(src[16:20]),
		Aux:          binary.LittleEndian.Uint32(src[20:24]),
	}, nil
}
