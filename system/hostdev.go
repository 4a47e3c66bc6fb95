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

//go:build !windows

// Package system wraps the handful of raw syscalls the host-file
// BlockDevice implementation needs: querying the size/sector size of an
// underlying block device node, and punching holes in a sparse regular
// file. Adapted from the teacher's installer/system ioctl helpers, trimmed
// of the flash/UBI-specific paths that have no equivalent here.
package system

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// GetBlockDeviceSize returns the size in bytes of the block device backing
// file, via the BLKGETSIZE64 ioctl.
func GetBlockDeviceSize(file *os.File) (uint64, error) {
	size, err := unix.IoctlGetUint64(int(file.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		if err == unix.ENOTTY {
			return 0, ErrNotABlockDevice
		}
		return 0, errors.Wrap(err, "BLKGETSIZE64")
	}
	return size, nil
}

// GetBlockDeviceSectorSize returns the logical sector size of the block
// device backing file, via the BLKSSZGET ioctl.
func GetBlockDeviceSectorSize(file *os.File) (int, error) {
	size, err := unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
	if err != nil {
		if err == unix.ENOTTY {
			return 0, ErrNotABlockDevice
		}
		return 0, errors.Wrap(err, "BLKSSZGET")
	}
	return size, nil
}

// PunchHole best-effort deallocates the byte range [offset, offset+length)
// of file without changing its apparent size, using fallocate's
// FALLOC_FL_PUNCH_HOLE|FALLOC_FL_KEEP_SIZE. It is used purely as a
// sparseness optimization underneath an explicit zero-write; callers must
// not rely on it succeeding, and must still perform the zero-write
// themselves per spec (trim has no authoritative hole-punch path, only an
// optimization one).
func PunchHole(file *os.File, offset, length int64) error {
	err := unix.Fallocate(int(file.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		offset, length)
	if err != nil {
		return errors.Wrap(err, "fallocate punch hole")
	}
	return nil
}
