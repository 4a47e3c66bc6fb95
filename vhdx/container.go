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
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/uroni/urbackup-backend-sub004/blockdev"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const sectorBitmapBlockSize = oneMiB

// Container is ContainerV2: a log-journalled, optionally differencing
// VHDX. It satisfies imgengine.Container.
type Container struct {
	mu sync.Mutex

	dev  blockdev.Device
	path string

	hdr        *header
	activeIsA  bool
	region     *regionTable
	meta       *metadata
	table      *bat
	nextSeq    uint64
	nextPayload int64

	parent   imgengine.Container
	fastMode bool
	closed   bool

	dataWriteGUIDBumped bool
}

// Open parses an existing VHDX at path, replaying its log if one is
// present, per spec §4.6.
func Open(path string, readOnly bool) (*Container, error) {
	dev, err := blockdev.OpenFile(path, readOnly)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: opening %q", path)
	}
	if err := verifyIdentifier(dev); err != nil {
		return nil, err
	}

	hdr, activeIsA, err := readActiveHeader(dev)
	if err != nil {
		return nil, err
	}

	rt, err := readRegionTable(dev)
	if err != nil {
		return nil, err
	}

	meta, err := readMetadata(dev, int64(rt.Metadata.FileOffset))
	if err != nil {
		return nil, err
	}

	chunkRatio := chunkRatioFor(int(meta.LogicalSectorSize), int64(meta.BlockSize))
	blockCount := (int64(meta.VirtualDiskSize) + int64(meta.BlockSize) - 1) / int64(meta.BlockSize)
	entryCount := entryCountForBlocks(blockCount, chunkRatio)

	table, err := readBAT(dev, int64(rt.BAT.FileOffset), entryCount, chunkRatio)
	if err != nil {
		return nil, err
	}

	c := &Container{
		dev:       dev,
		path:      path,
		hdr:       hdr,
		activeIsA: activeIsA,
		region:    rt,
		meta:      meta,
		table:     table,
		nextSeq:   hdr.SequenceNumber + 1,
	}
	c.computeNextPayload()

	var zeroGUID [16]byte
	if hdr.LogGUID != zeroGUID {
		if err := c.replayAndClearLog(); err != nil {
			return nil, err
		}
	}

	if meta.HasParent {
		parent, err := openParentVHDX(path, meta, readOnly)
		if err != nil {
			return nil, err
		}
		c.parent = parent
	}

	return c, nil
}

func (c *Container) computeNextPayload() {
	next := int64(c.hdr.LogOffset) + int64(c.hdr.LogLength)
	metaEnd := int64(c.region.Metadata.FileOffset) + int64(c.region.Metadata.Length)
	if metaEnd > next {
		next = metaEnd
	}
	batEnd := int64(c.region.BAT.FileOffset) + int64(len(c.table.entries))*8
	if batEnd > next {
		next = batEnd
	}
	for i, e := range c.table.entries {
		if e.state() == uint8(payloadFullyPresent) || e.state() == uint8(payloadPartiallyPresent) || e.state() == uint8(sbPresent) {
			size := c.BlockSize()
			if int64(i)%(c.table.chunkRatio+1) == c.table.chunkRatio {
				size = sectorBitmapBlockSize
			}
			end := e.fileOffset() + size
			if end > next {
				next = end
			}
		}
	}
	c.nextPayload = next
}

func (c *Container) replayAndClearLog() error {
	rec, err := replayLog(c.dev, int64(c.hdr.LogOffset), c.hdr.LogLength, c.hdr.LogGUID)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := rec.apply(c.dev); err != nil {
			return err
		}
		c.nextSeq = rec.sequence + 1
		log.Infof("vhdx: replayed log record sequence %d", rec.sequence)
	}
	if err := c.dev.Sync(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: sync after log replay")
	}
	return c.rotateHeader(func(h *header) {
		h.LogGUID = [16]byte{}
	})
}

func openParentVHDX(childPath string, meta *metadata, readOnly bool) (imgengine.Container, error) {
	if meta.ParentPath == "" {
		return nil, imgerr.New(imgerr.KindParentMissing, "vhdx: differencing disk has no parent path", nil)
	}
	parent, err := Open(resolveRelativeToSiblingVHDX(childPath, meta.ParentPath), readOnly)
	if err != nil {
		parent, err = Open(meta.ParentPath, readOnly)
	}
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindParentMissing, err, "vhdx: opening parent %q", meta.ParentPath)
	}
	return parent, nil
}

func resolveRelativeToSiblingVHDX(childPath, parentName string) string {
	idx := -1
	for i := len(childPath) - 1; i >= 0; i-- {
		if childPath[i] == '/' {
			idx = i
			break
		}
	}
	return childPath[:idx+1] + parentName
}

// rotateHeader writes the currently-inactive slot with mutate applied atop
// a copy of the active header, bumps sequence_number, syncs, then makes
// that slot active — the spec's documented header update protocol.
func (c *Container) rotateHeader(mutate func(*header)) error {
	next := *c.hdr
	mutate(&next)
	next.SequenceNumber = c.nextSeq
	c.nextSeq++

	offset := int64(headerBOffset)
	if !c.activeIsA {
		offset = headerAOffset
	}
	buf := next.marshal()
	if _, err := c.dev.WriteAt(buf, offset); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing header")
	}
	if err := c.dev.Sync(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: sync after header write")
	}
	c.hdr = &next
	c.activeIsA = !c.activeIsA
	return nil
}

// VirtualSize returns the disk's nominal size in bytes.
func (c *Container) VirtualSize() int64 { return int64(c.meta.VirtualDiskSize) }

// BlockSize returns the payload block size in bytes.
func (c *Container) BlockSize() int64 { return int64(c.meta.BlockSize) }

// SectorSize returns the logical sector size in bytes.
func (c *Container) SectorSize() int { return int(c.meta.LogicalSectorSize) }

// SetFastMode toggles fast mode. While it is on, Sync does nothing (the BAT
// is committed through the log only at Close) and writes skip the
// data_write_guid header update, trading crash-safety for throughput.
func (c *Container) SetFastMode(fast bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fastMode = fast
}

// HasParent reports whether this container currently differences.
func (c *Container) HasParent() bool { return c.parent != nil }

func (c *Container) blockAndOffset(off int64) (block int64, within int64) {
	bs := c.BlockSize()
	return off / bs, off % bs
}

func newLogGUID() uuid.UUID { return uuid.New() }

// ensureDataWriteGUID randomises data_write_guid and rotates the header, the
// once-per-session step spec §4.6's Write algorithm describes; callers
// invoke it lazily on the first write of a session.
func (c *Container) ensureDataWriteGUID() error {
	if c.dataWriteGUIDBumped {
		return nil
	}
	if err := c.rotateHeader(func(h *header) {
		h.DataWriteGUID = [16]byte(uuid.New())
	}); err != nil {
		return err
	}
	c.dataWriteGUIDBumped = true
	return nil
}

// Close commits the BAT through the log (in fast mode too) and releases
// resources, recursively closing any parent.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	syncErr := c.syncLocked(true)
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
