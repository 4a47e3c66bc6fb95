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

package vhd

import (
	"github.com/uroni/urbackup-backend-sub004/bitmap"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// Trim marks [off, off+length) as free: with a parent, the sector bits are
// cleared so reads fall through to it; without one, the range is always
// explicitly zero-written. A PunchHole on the backing file is attempted as
// a best-effort space-reclamation optimisation underneath the explicit
// zero-write, never as a substitute for it — see DESIGN.md's resolution of
// the trim open question.
func (c *Container) Trim(off, length int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off < 0 || length < 0 || off+length > c.VirtualSize() {
		return imgerr.New(imgerr.KindOutOfRange, "vhd.Trim", nil)
	}

	pos := off
	for pos < off+length {
		block, within := c.blockAndOffset(pos)
		bs := int64(c.header.BlockSize)
		chunk := bs - within
		if remaining := off + length - pos; chunk > remaining {
			chunk = remaining
		}

		if err := c.trimBlockRange(block, within, chunk); err != nil {
			return err
		}
		pos += chunk
	}
	return nil
}

func (c *Container) trimBlockRange(block, within, length int64) error {
	sectorOff, allocated := c.table.get(block)
	if !allocated {
		// Nothing local is allocated here; already falls through to the
		// parent (or zeros) on read. Nothing to do.
		return nil
	}

	bitmapOff := int64(sectorOff) * 512
	bitmapBufLen := c.header.bitmapSectors() * 512
	payloadOff := bitmapOff + int64(bitmapBufLen)

	bm := make([]byte, bitmapBufLen)
	if _, err := c.dev.ReadAt(bm, bitmapOff); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: reading sector bitmap for trim of block %d", block)
	}
	sectorBitmap := bitmap.WrapMSBFirst(bm, c.header.sectorsPerBlock())

	firstSector := int(within / 512)
	lastSector := int((within + length - 1) / 512)

	if c.parent != nil {
		sectorBitmap.SetRange(firstSector, lastSector+1, false)
		if _, err := c.dev.WriteAt(sectorBitmap.Bytes(), bitmapOff); err != nil {
			return imgerr.Wrap(imgerr.KindIO, err, "vhd: writing sector bitmap for trim of block %d", block)
		}
	} else {
		zeros := make([]byte, length)
		if _, err := c.dev.WriteAt(zeros, payloadOff+within); err != nil {
			return imgerr.Wrap(imgerr.KindIO, err, "vhd: zero-writing trim of block %d", block)
		}
	}

	if f, ok := anyAsFile(c.dev); ok {
		f.PunchHole(payloadOff+within, length)
	}
	return nil
}

// filePuncher is satisfied by blockdev.File; Trim uses it only as a
// best-effort underlying optimisation, never in place of the explicit
// zero-write/bitmap-clear above.
type filePuncher interface {
	PunchHole(offset, length int64)
}

func anyAsFile(dev interface{}) (filePuncher, bool) {
	f, ok := dev.(filePuncher)
	return f, ok
}
