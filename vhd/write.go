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

// WriteAt writes len(p) bytes at off, allocating any touched block that is
// not yet present. Writes past VirtualSize fail with ErrOutOfRange; no
// partial growth of the virtual disk occurs.
func (c *Container) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off < 0 || off+int64(len(p)) > c.VirtualSize() {
		return 0, imgerr.New(imgerr.KindOutOfRange, "vhd.WriteAt", nil)
	}
	return c.writeAtLocked(p, off)
}

func (c *Container) writeBlockRange(block, within int64, src []byte) (int, error) {
	sectorOff, allocated := c.table.get(block)
	if !allocated {
		var err error
		sectorOff, err = c.allocateBlock(block)
		if err != nil {
			return 0, err
		}
	}

	bitmapOff := int64(sectorOff) * 512
	bitmapBufLen := c.header.bitmapSectors() * 512
	payloadOff := bitmapOff + int64(bitmapBufLen)

	bm := make([]byte, bitmapBufLen)
	if _, err := c.dev.ReadAt(bm, bitmapOff); err != nil {
		return 0, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading sector bitmap for block %d", block)
	}
	sectorBitmap := bitmap.WrapMSBFirst(bm, c.header.sectorsPerBlock())

	n := 0
	for n < len(src) {
		sector := (within + int64(n)) / 512
		sectorWithin := (within + int64(n)) % 512
		sectorLen := int64(512) - sectorWithin
		if remaining := int64(len(src) - n); sectorLen > remaining {
			sectorLen = remaining
		}

		if _, err := c.dev.WriteAt(src[n:n+int(sectorLen)], payloadOff+sector*512+sectorWithin); err != nil {
			return n, imgerr.Wrap(imgerr.KindIO, err, "vhd: writing block %d sector %d", block, sector)
		}
		sectorBitmap.Set(int(sector), true)
		n += int(sectorLen)
	}

	if _, err := c.dev.WriteAt(sectorBitmap.Bytes(), bitmapOff); err != nil {
		return n, imgerr.Wrap(imgerr.KindIO, err, "vhd: writing sector bitmap for block %d", block)
	}
	if !c.fastMode {
		if err := c.writeBAT(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// allocateBlock appends a fresh bitmap-plus-payload region at the end of
// the file, zeroing the bitmap, and records the new offset in the BAT.
func (c *Container) allocateBlock(block int64) (uint32, error) {
	size, err := c.dev.Size()
	if err != nil {
		return 0, imgerr.Wrap(imgerr.KindIO, err, "vhd: stat before block allocation")
	}
	// The footer's trailing copy always occupies the last 512 bytes;
	// new data is appended ahead of it, and the footer copy is rewritten
	// at the new end-of-file on Sync/Close.
	newBlockOffset := size - footerSize
	sectorOffset := uint32(newBlockOffset / 512)

	blockBytes := c.header.bitmapSectors()*512 + int64(c.header.BlockSize)
	grown := make([]byte, blockBytes+footerSize)
	footerBuf, err := c.footer.marshal()
	if err != nil {
		return 0, err
	}
	copy(grown[blockBytes:], footerBuf)

	if _, err := c.dev.WriteAt(grown, newBlockOffset); err != nil {
		return 0, imgerr.Wrap(imgerr.KindIO, err, "vhd: allocating block %d", block)
	}

	c.table.set(block, sectorOffset)
	return sectorOffset, nil
}
