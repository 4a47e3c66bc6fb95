// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

//go:build windows

package system

import "os"

// GetBlockDeviceSize is not implemented on windows; callers fall back to
// os.Stat-reported size for regular files.
func GetBlockDeviceSize(file *os.File) (uint64, error) {
	return 0, ErrNotABlockDevice
}

// GetBlockDeviceSectorSize is not implemented on windows; callers fall
// back to a conservative 512-byte logical sector size.
func GetBlockDeviceSectorSize(file *os.File) (int, error) {
	return 0, ErrNotABlockDevice
}

// PunchHole is a no-op on windows; callers still perform the explicit
// zero-write fallback, so this only forgoes the sparseness optimization.
func PunchHole(file *os.File, offset, length int64) error {
	return ErrNotABlockDevice
}
