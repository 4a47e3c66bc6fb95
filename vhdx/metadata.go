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
	"encoding/binary"
	"io"
	"unicode/utf16"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const (
	metadataTableMagic = "metadata"
	metadataRegionSize = 1024 * 1024
	parentPathMaxBytes = 1024
)

// metadata is this engine's rendition of the metadata region: a fixed set
// of well-known values rather than the fully general GUID-keyed entry table
// the format allows, since this engine never needs to carry metadata this
// implementation doesn't itself define. See DESIGN.md.
type metadata struct {
	BlockSize            uint32
	LeaveBlocksAllocated bool
	HasParent            bool
	VirtualDiskSize      uint64
	LogicalSectorSize    uint32
	PhysicalSectorSize   uint32
	ParentPath           string
}

func (m *metadata) marshal() []byte {
	buf := make([]byte, metadataRegionSize)
	copy(buf[0:8], metadataTableMagic)
	binary.LittleEndian.PutUint32(buf[8:12], m.BlockSize)
	if m.LeaveBlocksAllocated {
		buf[12] = 1
	}
	if m.HasParent {
		buf[13] = 1
	}
	binary.LittleEndian.PutUint64(buf[16:24], m.VirtualDiskSize)
	binary.LittleEndian.PutUint32(buf[24:28], m.LogicalSectorSize)
	binary.LittleEndian.PutUint32(buf[28:32], m.PhysicalSectorSize)

	units := utf16.Encode([]rune(m.ParentPath))
	for i, u := range units {
		if 2*i+1 >= parentPathMaxBytes {
			break
		}
		binary.LittleEndian.PutUint16(buf[32+2*i:32+2*i+2], u)
	}
	return buf
}

func unmarshalMetadata(buf []byte) (*metadata, error) {
	if len(buf) < 32+parentPathMaxBytes || string(buf[0:8]) != metadataTableMagic {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: bad metadata region signature")
	}
	m := &metadata{
		BlockSize:            binary.LittleEndian.Uint32(buf[8:12]),
		LeaveBlocksAllocated: buf[12] != 0,
		HasParent:            buf[13] != 0,
		VirtualDiskSize:      binary.LittleEndian.Uint64(buf[16:24]),
		LogicalSectorSize:    binary.LittleEndian.Uint32(buf[24:28]),
		PhysicalSectorSize:   binary.LittleEndian.Uint32(buf[28:32]),
	}

	n := parentPathMaxBytes / 2
	units := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		u := binary.LittleEndian.Uint16(buf[32+2*i : 32+2*i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	m.ParentPath = string(utf16.Decode(units))
	return m, nil
}

func readMetadata(r io.ReaderAt, offset int64) (*metadata, error) {
	buf := make([]byte, metadataRegionSize)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading metadata region")
	}
	return unmarshalMetadata(buf)
}
