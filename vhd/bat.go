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
	"encoding/binary"
	"io"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// batUnused marks a BAT entry with no allocated block.
const batUnused = 0xFFFFFFFF

// bat is the Block Allocation Table: one 32-bit big-endian sector offset
// per payload block, batUnused when the block has not been allocated.
type bat struct {
	entries []uint32
}

func readBAT(r io.ReaderAt, offset int64, count uint32) (*bat, error) {
	raw := make([]byte, int64(count)*4)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: reading BAT")
	}
	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	return &bat{entries: entries}, nil
}

func (b *bat) marshal() []byte {
	buf := make([]byte, len(b.entries)*4)
	for i, e := range b.entries {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], e)
	}
	return buf
}

func (b *bat) get(block int64) (sectorOffset uint32, allocated bool) {
	e := b.entries[block]
	return e, e != batUnused
}

func (b *bat) set(block int64, sectorOffset uint32) {
	b.entries[block] = sectorOffset
}
