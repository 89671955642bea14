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
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

var tokenSource = struct {
	sync.Mutex
	r *rand.Rand
}{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

func randomToken() uint32 {
	tokenSource.Lock()
	defer tokenSource.Unlock()
	return tokenSource.r.Uint32()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canCreateOnDevShm reports whether /dev/shm exists and has at least size
// bytes free. Best effort; a failed usage probe is treated as enough room.
func canCreateOnDevShm(size uint64) bool {
	if !pathExists("/dev/shm") {
		return false
	}
	usage, err := disk.Usage("/dev/shm")
	if err != nil {
		return true
	}
	return usage.Free >= size
}
