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

package ring

import "errors"

// ErrBadRegionSize is returned by CapacityForRegion when a mapping's size
// cannot hold two equally sized power-of-two rings.
var ErrBadRegionSize = errors.New("ring: mapping size does not describe a ring pair")

// Region is the pair of rings one connection shares: client-to-server
// first, server-to-client second, in a single contiguous mapping.
type Region struct {
	ClientToServer *Ring
	ServerToClient *Ring

	mem []byte
}

// RegionSize returns the mapping size a region with the given per-direction
// capacity occupies.
func RegionSize(capacity uint32) int {
	return 2 * Size(capacity)
}

// CapacityForRegion derives the per-direction capacity from a mapping size,
// the inverse of RegionSize. The mapping peer uses this to agree on the
// creating peer's layout without a side channel.
func CapacityForRegion(regionSize int) (uint32, error) {
	if regionSize <= 2*ControlBlockSize || regionSize%2 != 0 {
		return 0, ErrBadRegionSize
	}
	capacity := uint32(regionSize/2 - ControlBlockSize)
	if capacity&(capacity-1) != 0 {
		return 0, ErrBadRegionSize
	}
	return capacity, nil
}

// NewRegion lays a ring pair over mem. mem must hold RegionSize(capacity)
// bytes. The control blocks are left untouched; the creating peer resets
// them via Reset before handing the mapping to its peer.
func NewRegion(mem []byte, capacity uint32) (*Region, error) {
	if len(mem) < RegionSize(capacity) {
		return nil, ErrShortMemory
	}
	half := Size(capacity)
	c2s, err := New(mem[:half], capacity)
	if err != nil {
		return nil, err
	}
	s2c, err := New(mem[half:2*half], capacity)
	if err != nil {
		return nil, err
	}
	return &Region{
		ClientToServer: c2s,
		ServerToClient: s2c,
		mem:            mem,
	}, nil
}

// Reset empties both rings. Initialization only.
func (r *Region) Reset() {
	r.ClientToServer.Reset()
	r.ServerToClient.Reset()
}
