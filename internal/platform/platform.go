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

// Package platform wraps the host primitives the transport is built on:
// seqpacket Unix sockets in the abstract namespace, anonymous shared memory,
// SCM_RIGHTS descriptor passing, one-byte wake signals and epoll readiness.
//
// Implementations live in platform-specific files (platform_linux.go).
package platform

import "errors"

// endpointPrefix is prepended to service names to form the socket endpoint.
const endpointPrefix = "rpc_"

// ErrNoDescriptor is returned by RecvFdWithVersion when the peer's handshake
// message carried no SCM_RIGHTS descriptor.
var ErrNoDescriptor = errors.New("platform: handshake message carried no descriptor")

// EndpointOf derives the endpoint identifier for a service name. The
// identifier lives in a host-private namespace and does not persist on the
// filesystem.
func EndpointOf(serviceName string) string {
	return endpointPrefix + serviceName
}
