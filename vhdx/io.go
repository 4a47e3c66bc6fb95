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

package vhdx

import (
	"github.com/uroni/urbackup-backend-sub004/bitmap"
	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

func (c *Container) sectorsPerBlock() int64 {
	return c.BlockSize() / int64(c.SectorSize())
}

// ReadAt reads len(p) bytes starting at off, branching per block on the
// BAT's tri-state entry per spec §4.6.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off+int64(len(p)) > c.VirtualSize() {
		return 0, imgerr.New(imgerr.KindOutOfRange, "vhdx.ReadAt", nil)
	}
	return c.readAtLocked(p, off)
}

func (c *Container) readAtLocked(p []byte, off int64) (int, error) {
	read := 0
	for read < len(p) {
		block := (off + int64(read)) / c.BlockSize()
		blockStart := block * c.BlockSize()
		within := off + int64(read) - blockStart
		n := c.BlockSize() - within
		if remain := int64(len(p) - read); n > remain {
			n = remain
		}
		if err := c.readBlockSpan(p[read:read+int(n)], block, within); err != nil {
			return read, err
		}
		read += int(n)
	}
	return read, nil
}

// readBlockSpan reads [within, within+len(dst)) of the given payload block
// into dst.
func (c *Container) readBlockSpan(dst []byte, block, within int64) error {
	entry := c.table.getBlock(block)
	switch payloadState(entry.state()) {
	case payloadFullyPresent:
		_, err := c.dev.ReadAt(dst, entry.fileOffset()+within)
		if err != nil {
			return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading data block")
		}
		return nil

	case payloadPartiallyPresent:
		return c.readPartialBlockSpan(dst, block, within, entry)

	case payloadZero, payloadUnmapped:
		zero(dst)
		return nil

	default: // payloadNotPresent, payloadUndefined: differencing disks defer to parent
		if c.parent != nil {
			blockStart := block * c.BlockSize()
			_, err := c.parent.ReadAt(dst, blockStart+within)
			return err
		}
		zero(dst)
		return nil
	}
}

func (c *Container) readPartialBlockSpan(dst []byte, block, within int64, entry batEntry) error {
	bitmapEntry := c.table.getBitmap(block)
	var bm *bitmap.LSBFirst
	if sectorBitmapState(bitmapEntry.state()) == sbPresent {
		raw := make([]byte, sectorBitmapBlockSize)
		if _, err := c.dev.ReadAt(raw, bitmapEntry.fileOffset()); err != nil {
			return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading sector bitmap")
		}
		bm = bitmap.WrapLSBFirst(raw, chunkBitmapSpan)
	}

	sectorSize := int64(c.SectorSize())
	blockWithinChunk := block % c.table.chunkRatio
	baseBit := blockWithinChunk * c.sectorsPerBlock()

	done := int64(0)
	for done < int64(len(dst)) {
		sectorOff := within + done
		sector := sectorOff / sectorSize
		sectorInner := sectorOff % sectorSize
		n := sectorSize - sectorInner
		if remain := int64(len(dst)) - done; n > remain {
			n = remain
		}

		present := bm != nil && bm.Get(int(baseBit+sector))
		if present {
			fileOff := entry.fileOffset() + sector*sectorSize + sectorInner
			if _, err := c.dev.ReadAt(dst[done:done+n], fileOff); err != nil {
				return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading partially present block")
			}
		} else if c.parent != nil {
			blockStart := block * c.BlockSize()
			if _, err := c.parent.ReadAt(dst[done:done+n], blockStart+sectorOff); err != nil {
				return err
			}
		} else {
			zero(dst[done : done+n])
		}
		done += n
	}
	return nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// WriteAt writes len(p) bytes at off, allocating blocks and sector bitmaps
// on demand.
func (c *Container) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off+int64(len(p)) > c.VirtualSize() {
		return 0, imgerr.New(imgerr.KindOutOfRange, "vhdx.WriteAt", nil)
	}
	if !c.fastMode {
		if err := c.ensureDataWriteGUID(); err != nil {
			return 0, err
		}
	}
	return c.writeAtLocked(p, off)
}

func (c *Container) writeAtLocked(p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		block := (off + int64(written)) / c.BlockSize()
		blockStart := block * c.BlockSize()
		within := off + int64(written) - blockStart
		n := c.BlockSize() - within
		if remain := int64(len(p) - written); n > remain {
			n = remain
		}
		if err := c.writeBlockSpan(p[written:written+int(n)], block, within); err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

func (c *Container) writeBlockSpan(src []byte, block, within int64) error {
	entry := c.table.getBlock(block)
	state := payloadState(entry.state())

	if state == payloadNotPresent || state == payloadUndefined || state == payloadZero || state == payloadUnmapped {
		var err error
		entry, err = c.allocateDataBlock(block)
		if err != nil {
			return err
		}
	}

	if _, err := c.dev.WriteAt(src, entry.fileOffset()+within); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing data block")
	}

	if payloadState(entry.state()) == payloadPartiallyPresent {
		if err := c.markSectorsPresent(block, within, int64(len(src))); err != nil {
			return err
		}
	}
	return nil
}

// allocateDataBlock appends a fresh 1-MiB-aligned data block region. A
// differencing disk marks it PartiallyPresent with no sectors set yet (every
// sector still defers to the parent until written); a root disk marks it
// FullyPresent immediately since there is no parent to defer to.
func (c *Container) allocateDataBlock(block int64) (batEntry, error) {
	offset := c.allocateRegion(c.BlockSize())
	state := payloadState(payloadFullyPresent)
	if c.meta.HasParent {
		state = payloadPartiallyPresent
		if err := c.ensureSectorBitmap(block); err != nil {
			return 0, err
		}
	}
	entry := makeBATEntry(uint8(state), uint64(offset/oneMiB))
	c.table.setBlock(block, entry)
	return entry, nil
}

func (c *Container) ensureSectorBitmap(block int64) error {
	bm := c.table.getBitmap(block)
	if sectorBitmapState(bm.state()) == sbPresent {
		return nil
	}
	offset := c.allocateRegion(sectorBitmapBlockSize)
	raw := make([]byte, sectorBitmapBlockSize)
	if _, err := c.dev.WriteAt(raw, offset); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: allocating sector bitmap")
	}
	c.table.setBitmap(block, makeBATEntry(uint8(sbPresent), uint64(offset/oneMiB)))
	return nil
}

func (c *Container) allocateRegion(size int64) int64 {
	offset := c.nextPayload
	if rem := offset % oneMiB; rem != 0 {
		offset += oneMiB - rem
	}
	c.nextPayload = offset + size
	return offset
}

func (c *Container) markSectorsPresent(block, within, length int64) error {
	bmEntry := c.table.getBitmap(block)
	raw := make([]byte, sectorBitmapBlockSize)
	if _, err := c.dev.ReadAt(raw, bmEntry.fileOffset()); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading sector bitmap for update")
	}
	bm := bitmap.WrapLSBFirst(raw, chunkBitmapSpan)

	sectorSize := int64(c.SectorSize())
	blockWithinChunk := block % c.table.chunkRatio
	baseBit := blockWithinChunk * c.sectorsPerBlock()

	firstSector := within / sectorSize
	lastSector := (within + length - 1) / sectorSize
	bm.SetRange(int(baseBit+firstSector), int(baseBit+lastSector+1), true)

	if _, err := c.dev.WriteAt(raw, bmEntry.fileOffset()); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing sector bitmap")
	}
	return nil
}

// Trim marks [off, off+length) as no longer holding meaningful data. A
// fully covered block is reduced to Unmapped (its file region is not
// reclaimed); a partially covered block keeps its PartiallyPresent state
// with the affected sector bits cleared, per spec §4.6.
func (c *Container) Trim(off, length int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off+length > c.VirtualSize() {
		return imgerr.New(imgerr.KindOutOfRange, "vhdx.Trim", nil)
	}

	end := off + length
	for cur := off; cur < end; {
		block := cur / c.BlockSize()
		blockStart := block * c.BlockSize()
		within := cur - blockStart
		n := c.BlockSize() - within
		if remain := end - cur; n > remain {
			n = remain
		}

		entry := c.table.getBlock(block)
		switch payloadState(entry.state()) {
		case payloadFullyPresent, payloadPartiallyPresent:
			if within == 0 && n == c.BlockSize() {
				c.table.setBlock(block, makeBATEntry(uint8(payloadUnmapped), 0))
			} else if payloadState(entry.state()) == payloadPartiallyPresent {
				if err := c.clearSectorsPresent(block, within, n); err != nil {
					return err
				}
			}
		}
		cur += n
	}
	return nil
}

func (c *Container) clearSectorsPresent(block, within, length int64) error {
	bmEntry := c.table.getBitmap(block)
	if sectorBitmapState(bmEntry.state()) != sbPresent {
		return nil
	}
	raw := make([]byte, sectorBitmapBlockSize)
	if _, err := c.dev.ReadAt(raw, bmEntry.fileOffset()); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading sector bitmap for trim")
	}
	bm := bitmap.WrapLSBFirst(raw, chunkBitmapSpan)

	sectorSize := int64(c.SectorSize())
	blockWithinChunk := block % c.table.chunkRatio
	baseBit := blockWithinChunk * c.sectorsPerBlock()

	firstSector := within / sectorSize
	lastSector := (within + length - 1) / sectorSize
	bm.SetRange(int(baseBit+firstSector), int(baseBit+lastSector+1), false)

	if _, err := c.dev.WriteAt(raw, bmEntry.fileOffset()); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing sector bitmap for trim")
	}
	return nil
}

// MakeFull rewrites every fs-used block through the parent chain so the
// container stands alone, then detaches its parent, mirroring ContainerV1's
// flattening contract.
func (c *Container) MakeFull(fs fsreader.Reader, cancel *imgengine.CancelToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent == nil {
		return nil
	}

	blockSize := c.BlockSize()
	buf := make([]byte, blockSize)
	for off := int64(0); off < c.VirtualSize(); off += blockSize {
		if cancel != nil && cancel.Cancelled() {
			return imgerr.New(imgerr.KindCancelled, "vhdx.MakeFull", nil)
		}
		n := blockSize
		if rem := c.VirtualSize() - off; n > rem {
			n = rem
		}
		if !fs.HasBlock(off / blockSize) {
			continue
		}
		chunk := buf[:n]
		if _, err := c.readAtLocked(chunk, off); err != nil {
			return err
		}
		if _, err := c.writeAtLocked(chunk, off); err != nil {
			return err
		}
	}

	if err := c.parent.Close(); err != nil {
		return err
	}
	c.parent = nil
	c.meta.HasParent = false
	c.meta.ParentPath = ""
	return c.writeMetadataLocked()
}

func (c *Container) writeMetadataLocked() error {
	buf := c.meta.marshal()
	if _, err := c.dev.WriteAt(buf, int64(c.region.Metadata.FileOffset)); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing metadata region")
	}
	return nil
}
