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
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const regionTableMagic = "regi"

var (
	metadataRegionGUID = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")
	batRegionGUID      = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
)

type regionEntry struct {
	GUID       uuid.UUID
	FileOffset uint64
	Length     uint32
	Required   bool
}

type regionTable struct {
	Metadata regionEntry
	BAT      regionEntry
}

func (rt *regionTable) marshal() []byte {
	buf := make([]byte, regionSize)
	copy(buf[0:4], regionTableMagic)
	binary.LittleEndian.PutUint32(buf[8:12], 2) // entry count
	entries := []regionEntry{rt.Metadata, rt.BAT}
	off := 16
	for _, e := range entries {
		guidBytes, _ := e.GUID.MarshalBinary()
		copy(buf[off:off+16], guidBytes)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], e.FileOffset)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], e.Length)
		if e.Required {
			buf[off+28] = 1
		}
		off += 32
	}
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	crc := crc32.Checksum(buf, crc32cTable)
	binary.LittleEndian.PutUint32(buf[4:8], crc)
	return buf
}

func unmarshalRegionTable(buf []byte) (*regionTable, error) {
	if len(buf) < 16 || string(buf[0:4]) != regionTableMagic {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: bad region table signature")
	}
	want := binary.LittleEndian.Uint32(buf[4:8])
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.LittleEndian.PutUint32(cp[4:8], 0)
	if crc32.Checksum(cp, crc32cTable) != want {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: region table checksum mismatch")
	}

	count := binary.LittleEndian.Uint32(buf[8:12])
	rt := &regionTable{}
	off := 16
	for i := uint32(0); i < count; i++ {
		if off+32 > len(buf) {
			return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: region table truncated")
		}
		g, err := uuid.FromBytes(buf[off : off+16])
		if err != nil {
			return nil, imgerr.Wrap(imgerr.KindCorrupt, err, "vhdx: region entry GUID")
		}
		e := regionEntry{
			GUID:       g,
			FileOffset: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
			Length:     binary.LittleEndian.Uint32(buf[off+24 : off+28]),
			Required:   buf[off+28] != 0,
		}
		switch g {
		case metadataRegionGUID:
			rt.Metadata = e
		case batRegionGUID:
			rt.BAT = e
		}
		off += 32
	}
	return rt, nil
}

// readRegionTable reads copy A, falling back to copy B on corruption.
func readRegionTable(r io.ReaderAt) (*regionTable, error) {
	bufA := make([]byte, regionSize)
	if _, err := r.ReadAt(bufA, regionTableAOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading region table A")
	}
	if rt, err := unmarshalRegionTable(bufA); err == nil {
		return rt, nil
	}

	bufB := make([]byte, regionSize)
	if _, err := r.ReadAt(bufB, regionTableBOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading region table B")
	}
	rt, err := unmarshalRegionTable(bufB)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: both region table copies invalid")
	}
	return rt, nil
}
