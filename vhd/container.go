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
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/uroni/urbackup-backend-sub004/bitmap"
	"github.com/uroni/urbackup-backend-sub004/blockdev"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// vhdEpoch is January 1, 2000 UTC, the reference point for VHD's 32-bit
// timestamp fields.
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Container is ContainerV1: a sparse, optionally differencing VHD. It
// satisfies imgengine.Container.
type Container struct {
	mu sync.Mutex

	dev  blockdev.Device
	path string

	footer *footer
	header *dynamicHeader
	table  *bat

	parent   imgengine.Container
	fastMode bool
	readOnly bool
	closed   bool
}

// Open parses an existing VHD at path. When the footer identifies a
// differencing disk, its parent is opened recursively (relative path first,
// then absolute, from the dynamic header's parent name field) and its UID is checked against
// ParentUID; a timestamp disagreement is logged but not fatal.
func Open(path string, readOnly bool) (*Container, error) {
	dev, err := blockdev.OpenFile(path, readOnly)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: opening %q", path)
	}

	size, err := dev.Size()
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: stat %q", path)
	}
	if size < footerSize*2 {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: %q too small to be a VHD", path)
	}

	ftr, err := readFooterWithFallback(dev, size)
	if err != nil {
		return nil, err
	}

	hdrRaw := make([]byte, dynamicHeaderSize)
	if _, err := dev.ReadAt(hdrRaw, int64(ftr.DataOffset)); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading dynamic header of %q", path)
	}
	hdr, err := unmarshalDynamicHeader(hdrRaw)
	if err != nil {
		return nil, err
	}

	table, err := readBAT(dev, int64(hdr.TableOffset), hdr.MaxTableEntries)
	if err != nil {
		return nil, err
	}

	c := &Container{
		dev:    dev,
		path:   path,
		footer: ftr,
		header: hdr,
		table:  table,

		readOnly: readOnly,
	}

	if ftr.DiskType == diskTypeDifferencing {
		parent, err := openParent(path, hdr, readOnly)
		if err != nil {
			return nil, err
		}
		c.parent = parent
	}

	return c, nil
}

// readFooterWithFallback reads the end-of-file footer copy; if its checksum
// is bad (e.g. a crash during a previous Sync), it falls back to the
// copy at byte 0 of the file, which is always written first.
func readFooterWithFallback(dev blockdev.Device, size int64) (*footer, error) {
	raw2 := make([]byte, footerSize)
	if _, err := dev.ReadAt(raw2, size-footerSize); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading footer copy 2")
	}
	if f, err := unmarshalFooter(raw2); err == nil {
		return f, nil
	}

	raw1 := make([]byte, footerSize)
	if _, err := dev.ReadAt(raw1, 0); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading footer copy 1")
	}
	f, err := unmarshalFooter(raw1)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: both footer copies corrupt")
	}
	log.Warn("vhd: end-of-file footer corrupt, recovered from leading copy")
	return f, nil
}

func openParent(childPath string, hdr *dynamicHeader, readOnly bool) (imgengine.Container, error) {
	name, err := parentPathFromLocators(hdr)
	if err != nil {
		return nil, err
	}

	// Relative first (relative to the child's own directory), then the
	// name as given (treated as absolute), per the spec's documented
	// resolution order.
	parent, openErr := Open(resolveRelativeToSibling(childPath, name), readOnly)
	if openErr != nil {
		parent, openErr = Open(name, readOnly)
	}
	if openErr != nil {
		return nil, imgerr.Wrap(imgerr.KindParentMissing, openErr, "vhd: opening parent %q", name)
	}

	if !bytes.Equal(parent.footer.UID[:], hdr.ParentUID[:]) {
		parent.Close()
		return nil, imgerr.Wrap(imgerr.KindParentMismatch, imgerr.ErrParentMismatch, "vhd: parent UID mismatch")
	}
	if parent.footer.Timestamp != hdr.ParentTimestamp {
		log.Warnf("vhd: parent %q timestamp differs from recorded value, continuing", name)
	}

	return parent, nil
}

func resolveRelativeToSibling(childPath, parentName string) string {
	dir := childPath[:max(0, lastSlash(childPath)+1)]
	return dir + parentName
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// VirtualSize returns the disk's nominal size in bytes.
func (c *Container) VirtualSize() int64 { return int64(c.footer.CurrentSize) }

// BlockSize returns the payload block size in bytes.
func (c *Container) BlockSize() int64 { return int64(c.header.BlockSize) }

// SectorSize is fixed at 512 for ContainerV1.
func (c *Container) SectorSize() int { return 512 }

// SetFastMode defers the per-write BAT rewrite until the next Sync or Close
// (sector bitmaps are still written on every write), trading crash-safety
// for throughput during bulk ingestion.
func (c *Container) SetFastMode(fast bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fastMode = fast
}

// HasParent reports whether this is a differencing disk.
func (c *Container) HasParent() bool { return c.parent != nil }

func (c *Container) blockAndOffset(off int64) (block int64, within int64) {
	bs := int64(c.header.BlockSize)
	return off / bs, off % bs
}

// ReadAt implements io.ReaderAt semantics over the full read path: for each
// block touched by [off, off+len(p)), consult the BAT; an unallocated block
// delegates to the parent (or reads as zero with no parent). Within an
// allocated block, each 512-byte sector is read from this container if its
// bitmap bit is set, else from the parent.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off < 0 || off+int64(len(p)) > c.VirtualSize() {
		return 0, imgerr.New(imgerr.KindOutOfRange, "vhd.ReadAt", nil)
	}
	return c.readAtLocked(p, off)
}

func (c *Container) readBlockRange(block, within int64, dst []byte) (int, error) {
	sectorOff, allocated := c.table.get(block)
	if !allocated {
		return c.readFromParentOrZero(block, within, dst)
	}

	bitmapOff := int64(sectorOff) * 512
	payloadOff := bitmapOff + c.header.bitmapSectors()*512

	bm := make([]byte, c.header.bitmapSectors()*512)
	if _, err := c.dev.ReadAt(bm, bitmapOff); err != nil {
		return 0, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading sector bitmap for block %d", block)
	}
	sectorBitmap := bitmap.WrapMSBFirst(bm, c.header.sectorsPerBlock())

	n := 0
	for n < len(dst) {
		sector := (within + int64(n)) / 512
		sectorWithin := (within + int64(n)) % 512
		sectorLen := int64(512) - sectorWithin
		if remaining := int64(len(dst) - n); sectorLen > remaining {
			sectorLen = remaining
		}

		if sectorBitmap.Get(int(sector)) {
			if _, err := c.dev.ReadAt(dst[n:n+int(sectorLen)], payloadOff+sector*512+sectorWithin); err != nil {
				return n, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading block %d sector %d", block, sector)
			}
		} else if c.parent != nil {
			absOff := block*int64(c.header.BlockSize) + sector*512 + sectorWithin
			if _, err := c.parent.ReadAt(dst[n:n+int(sectorLen)], absOff); err != nil {
				return n, err
			}
		} else {
			zero(dst[n : n+int(sectorLen)])
		}
		n += int(sectorLen)
	}
	return n, nil
}

func (c *Container) readFromParentOrZero(block, within int64, dst []byte) (int, error) {
	if c.parent != nil {
		absOff := block*int64(c.header.BlockSize) + within
		return c.parent.ReadAt(dst, absOff)
	}
	zero(dst)
	return len(dst), nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// Sync rewrites both footer copies, the dynamic header and the BAT, then
// flushes the underlying device.
func (c *Container) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked()
}

func (c *Container) syncLocked() error {
	if err := c.writeFooterCopies(); err != nil {
		return err
	}
	hdrBuf, err := c.header.marshal()
	if err != nil {
		return err
	}
	if _, err := c.dev.WriteAt(hdrBuf, int64(c.footer.DataOffset)); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: writing dynamic header")
	}
	if err := c.writeBAT(); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: sync")
	}
	return nil
}

func (c *Container) writeFooterCopies() error {
	size, err := c.dev.Size()
	if err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: stat during sync")
	}
	buf, err := c.footer.marshal()
	if err != nil {
		return err
	}
	if _, err := c.dev.WriteAt(buf, 0); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: writing leading footer copy")
	}
	if _, err := c.dev.WriteAt(buf, size-footerSize); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: writing trailing footer copy")
	}
	return nil
}

func (c *Container) writeBAT() error {
	if _, err := c.dev.WriteAt(c.table.marshal(), int64(c.header.TableOffset)); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: writing BAT")
	}
	return nil
}

// Close flushes (unless the underlying device is read-only) and releases
// resources, recursively closing the parent chain.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var syncErr error
	if !c.readOnly {
		syncErr = c.syncLocked()
	}
	closeErr := c.dev.Close()
	if c.parent != nil {
		if err := c.parent.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// newUID returns a random UID for a freshly created disk's footer/header.
func newUID() [16]byte {
	var out [16]byte
	copy(out[:], uuid.New()[:])
	return out
}
