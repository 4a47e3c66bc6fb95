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
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// Sync commits the in-memory BAT through the write-ahead log, then flushes
// the device and rotates the header with a cleared log_guid, per spec
// §4.6's four-phase commit (log dirty pages, flush, write authoritative
// BAT, rotate header).
func (c *Container) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(false)
}

func (c *Container) syncLocked(final bool) error {
	if c.fastMode && !final {
		return nil
	}

	batBuf := c.table.marshal()
	if rem := len(batBuf) % logSectorSize; rem != 0 {
		batBuf = append(batBuf, make([]byte, logSectorSize-rem)...)
	}
	var zeroGUID [16]byte
	if c.hdr.LogGUID == zeroGUID {
		if err := c.rotateHeader(func(h *header) {
			h.LogGUID = [16]byte(newLogGUID())
		}); err != nil {
			return err
		}
	}

	rec := &logRecord{
		sequence: c.nextSeq,
		logGUID:  c.hdr.LogGUID,
		datas:    []dataDescriptor{},
	}
	for off := 0; off+logSectorSize <= len(batBuf); off += logSectorSize {
		var page [logSectorSize]byte
		copy(page[:], batBuf[off:off+logSectorSize])
		var leading [8]byte
		var trailing [4]byte
		copy(leading[:], page[0:8])
		copy(trailing[:], page[logSectorSize-4:])
		rec.datas = append(rec.datas, dataDescriptor{
			LeadingBytes:   leading,
			TrailingBytes:  trailing,
			FileOffset:     uint64(int64(c.region.BAT.FileOffset) + int64(off)),
			SequenceNumber: c.nextSeq,
			Page:           page,
		})
	}
	c.nextSeq++

	if err := writeLogRecord(c.dev, int64(c.hdr.LogOffset), rec); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: sync before BAT commit")
	}

	if err := rec.apply(c.dev); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: sync after BAT commit")
	}

	return c.rotateHeader(func(h *header) {
		h.LogGUID = [16]byte{}
	})
}
