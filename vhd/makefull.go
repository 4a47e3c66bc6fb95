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
	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// MakeFull walks every block the filesystem reports as used, pulls it
// through the parent chain if needed, and writes it locally so it becomes
// authoritative; once done, the container is rewritten as non-differencing
// and its parent is detached. cancel is polled between blocks, not
// mid-block: per the engine's cooperative-cancellation contract, no
// in-flight I/O is interrupted.
func (c *Container) MakeFull(fs fsreader.Reader, cancel *imgengine.CancelToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.parent == nil {
		return nil
	}

	fsBlockSize := fs.BlockSize()
	virtualSize := c.VirtualSize()
	buf := make([]byte, fsBlockSize)

	for blockOff := int64(0); blockOff < virtualSize; blockOff += fsBlockSize {
		if cancel != nil && cancel.Cancelled() {
			return imgerr.New(imgerr.KindCancelled, "vhd.MakeFull", nil)
		}

		idx := blockOff / fsBlockSize
		if !fs.HasBlock(idx) {
			continue
		}

		length := fsBlockSize
		if remaining := virtualSize - blockOff; length > remaining {
			length = remaining
		}

		if _, err := c.readAtLocked(buf[:length], blockOff); err != nil {
			return err
		}
		if _, err := c.writeAtLocked(buf[:length], blockOff); err != nil {
			return err
		}
	}

	return c.detachParentLocked()
}

// readAtLocked/writeAtLocked let MakeFull reuse the ReadAt/WriteAt logic
// while already holding c.mu, since ReadAt/WriteAt themselves lock it.
func (c *Container) readAtLocked(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		off64 := off + int64(total)
		block, within := c.blockAndOffset(off64)
		bs := int64(c.header.BlockSize)
		chunk := bs - within
		if remaining := int64(len(p) - total); chunk > remaining {
			chunk = remaining
		}
		n, err := c.readBlockRange(block, within, p[total:total+int(chunk)])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Container) writeAtLocked(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		off64 := off + int64(total)
		block, within := c.blockAndOffset(off64)
		bs := int64(c.header.BlockSize)
		chunk := bs - within
		if remaining := int64(len(p) - total); chunk > remaining {
			chunk = remaining
		}
		n, err := c.writeBlockRange(block, within, p[total:total+int(chunk)])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Container) detachParentLocked() error {
	if err := c.parent.Close(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhd: closing parent after make_full")
	}
	c.parent = nil
	c.footer.DiskType = diskTypeDynamic
	c.header.ParentUID = [16]byte{}
	c.header.ParentTimestamp = 0
	c.header.ParentUnicodeName = [parentNameFieldLen]byte{}
	return c.syncLocked()
}
