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

import "github.com/pkg/errors"

// CompressedMagic is the fixed signature identifying a CompressedFile (spec
// C2, §6).
const CompressedMagic = "URBACKUP COMPRESSED FILE"

// Compressed presents the BlockDevice interface transparently over an inner
// Device, recognised on disk by CompressedMagic at byte 0. The internal
// compression codec is out of core scope (spec §4.2): this implementation
// passes reads/writes straight through to the inner device once the magic
// has been accounted for, so callers above it — and the on-disk contract
// below it — never need to know whether compression is actually active.
type Compressed struct {
	inner    Device
	finished bool
}

// NewCompressed wraps inner, writing CompressedMagic at byte 0 if inner is
// currently empty (a fresh container).
func NewCompressed(inner Device) (*Compressed, error) {
	size, err := inner.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if _, err := inner.WriteAt([]byte(CompressedMagic), 0); err != nil {
			return nil, errors.Wrap(err, "write compressed-file magic")
		}
	}
	return &Compressed{inner: inner}, nil
}

// OpenCompressed wraps an existing inner device, verifying the magic.
func OpenCompressed(inner Device) (*Compressed, error) {
	magic := make([]byte, len(CompressedMagic))
	if _, err := inner.ReadAt(magic, 0); err != nil {
		return nil, errors.Wrap(err, "read compressed-file magic")
	}
	if string(magic) != CompressedMagic {
		return nil, errors.New("not a compressed file: bad magic")
	}
	return &Compressed{inner: inner}, nil
}

// dataOffset is where payload bytes begin, past the magic header.
const dataOffset = int64(len(CompressedMagic))

func (c *Compressed) ReadAt(p []byte, off int64) (int, error) {
	return c.inner.ReadAt(p, off+dataOffset)
}

func (c *Compressed) WriteAt(p []byte, off int64) (int, error) {
	if c.finished {
		return 0, errors.New("write to finished compressed file")
	}
	return c.inner.WriteAt(p, off+dataOffset)
}

func (c *Compressed) Size() (int64, error) {
	sz, err := c.inner.Size()
	if err != nil {
		return 0, err
	}
	if sz < dataOffset {
		return 0, nil
	}
	return sz - dataOffset, nil
}

func (c *Compressed) Resize(newSize int64, keepContents bool) error {
	return c.inner.Resize(newSize+dataOffset, keepContents)
}

func (c *Compressed) Sync() error {
	return c.inner.Sync()
}

// Finish flushes any compression buffers and commits metadata. Callers
// must invoke it before Close when writing; further writes after Finish
// fail.
func (c *Compressed) Finish() error {
	if err := c.inner.Sync(); err != nil {
		return errors.Wrap(err, "finish compressed file")
	}
	c.finished = true
	return nil
}

func (c *Compressed) Close() error {
	return c.inner.Close()
}
