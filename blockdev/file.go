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
package blockdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/uroni/urbackup-backend-sub004/system"
)

// File is a BlockDevice backed by an *os.File — either a regular file
// holding a container, or (if path names one) a raw block-device node.
// Writes go straight through WriteAt; there is no internal buffering here
// because containers already batch their own sector/block-sized I/O, unlike
// the teacher's BlockFrameWriter which existed to coalesce a flashing
// client's small writes before they hit an eMMC controller.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	readOnly bool
}

// CreateFile creates (or truncates) path for read-write use.
func CreateFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create block device file %q", path)
	}
	return &File{f: f, path: path}, nil
}

// OpenFile opens an existing path, read-write unless readOnly is set.
func OpenFile(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open block device file %q", path)
	}
	return &File{f: f, path: path, readOnly: readOnly}, nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "read %d bytes at %d from %q", len(p), off, d.path)
	}
	return n, nil
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, errors.Errorf("write to read-only device %q", d.path)
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "write %d bytes at %d to %q", len(p), off, d.path)
	}
	return n, nil
}

// Size returns the device size: the raw block-device size via ioctl when
// path names a device node, otherwise the regular file's length.
func (d *File) Size() (int64, error) {
	if sz, err := system.GetBlockDeviceSize(d.f); err == nil {
		return int64(sz), nil
	} else if err != system.ErrNotABlockDevice {
		log.Warnf("blockdev: BLKGETSIZE64 on %q failed, falling back to stat: %v", d.path, err)
	}
	fi, err := d.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %q", d.path)
	}
	return fi.Size(), nil
}

// SectorSize returns the host's logical sector size when path names a raw
// block device, or 512 as a conservative default for regular files.
func (d *File) SectorSize() int {
	if sz, err := system.GetBlockDeviceSectorSize(d.f); err == nil && sz > 0 {
		return sz
	}
	return 512
}

func (d *File) Resize(newSize int64, keepContents bool) error {
	if d.readOnly {
		return errors.Errorf("resize read-only device %q", d.path)
	}
	if !keepContents {
		// Truncating to 0 first lets the filesystem drop the old
		// allocation instead of merely marking tail bytes undefined one
		// by one; the subsequent truncate re-grows it sparse.
		if err := d.f.Truncate(0); err != nil {
			return errors.Wrapf(err, "truncate %q to 0", d.path)
		}
	}
	if err := d.f.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "resize %q to %d", d.path, newSize)
	}
	return nil
}

func (d *File) Sync() error {
	if err := d.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %q", d.path)
	}
	return nil
}

func (d *File) Close() error {
	return d.f.Close()
}

// PunchHole best-effort deallocates [offset, offset+length) without
// changing the file's apparent size. It never returns an error the caller
// must act on: it is a sparseness optimization underneath the explicit
// zero-write trim fallback, never a substitute for it.
func (d *File) PunchHole(offset, length int64) {
	if err := system.PunchHole(d.f, offset, length); err != nil {
		log.Debugf("blockdev: punch hole [%d,%d) on %q not supported: %v",
			offset, offset+length, d.path, err)
	}
}
