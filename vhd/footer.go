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

// Package vhd implements ContainerV1 (spec C5): the Microsoft VHD sparse
// differencing container — footer, dynamic header, BAT, and per-block
// sector bitmaps, all big-endian.
package vhd

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const (
	footerSize  = 512
	footerCookie = "conectix"

	formatVersion = 0x00010000

	diskTypeDynamic      = 3
	diskTypeDifferencing = 4
)

// footer is the 512-byte structure present at both the start-of-file
// (copy #1) and end-of-file (copy #2) positions, packed big-endian exactly
// as on disk.
type footer struct {
	Cookie          [8]byte
	Features        uint32
	FormatVersion   uint32
	DataOffset      uint64
	Timestamp       uint32
	CreatorApp      [4]byte
	CreatorVersion  uint32
	CreatorOS       uint32
	OriginalSize    uint64
	CurrentSize     uint64
	DiskGeometry    uint32
	DiskType        uint32
	Checksum        uint32
	UID             [16]byte
	SavedState      uint8
	Reserved        [427]byte
}

func (f *footer) marshal() ([]byte, error) {
	f.Checksum = 0
	buf, err := restruct.Pack(binary.BigEndian, f)
	if err != nil {
		return nil, errors.Wrap(err, "packing VHD footer")
	}
	f.Checksum = footerChecksum(buf)
	binary.BigEndian.PutUint32(buf[64:68], f.Checksum)
	return buf, nil
}

func unmarshalFooter(raw []byte) (*footer, error) {
	if len(raw) != footerSize {
		return nil, errors.Errorf("vhd: footer must be %d bytes, got %d", footerSize, len(raw))
	}
	var f footer
	if err := restruct.Unpack(raw, binary.BigEndian, &f); err != nil {
		return nil, errors.Wrap(err, "unpacking VHD footer")
	}
	if string(f.Cookie[:]) != footerCookie {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: bad footer cookie")
	}

	want := footerChecksum(zeroedChecksum(raw, 64))
	if want != f.Checksum {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: footer checksum mismatch")
	}
	return &f, nil
}

// footerChecksum sums every byte of buf (with the checksum field already
// zeroed by the caller) into a uint32, then bitwise-complements it. The
// byte-swap the spec mentions falls out naturally here because the field
// is stored big-endian and the sum itself is endianness-agnostic.
func footerChecksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return ^sum
}

func zeroedChecksum(raw []byte, checksumOffset int) []byte {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	for i := 0; i < 4; i++ {
		cp[checksumOffset+i] = 0
	}
	return cp
}

// chsGeometry computes a CHS (cylinder/head/sector) encoding from a size in
// sectors, saturating at 65535×16×255 rather than failing, matching the
// real VHD tooling's silent-truncation behaviour (spec.md Open Questions).
func chsGeometry(totalSectors uint64) uint32 {
	const (
		maxCylinders  = 65535
		headsPerCyl   = 16
		sectorsPerTrk = 255
	)

	if totalSectors > maxCylinders*headsPerCyl*sectorsPerTrk {
		totalSectors = maxCylinders * headsPerCyl * sectorsPerTrk
	}

	var cylinders, heads, sectorsPerTrack uint64
	if totalSectors >= maxCylinders*headsPerCyl*sectorsPerTrk {
		cylinders, heads, sectorsPerTrack = maxCylinders, headsPerCyl, sectorsPerTrk
	} else {
		var cylTimesHeads uint64
		if totalSectors > 65535*16*63 {
			sectorsPerTrack = 255
			heads = 16
			cylTimesHeads = totalSectors / sectorsPerTrack
		} else {
			sectorsPerTrack = 17
			cylTimesHeads = totalSectors / sectorsPerTrack
			heads = (cylTimesHeads + 1023) / 1024
			if heads < 4 {
				heads = 4
			}
			if cylTimesHeads >= heads*1024 || heads > 16 {
				sectorsPerTrack = 31
				heads = 16
				cylTimesHeads = totalSectors / sectorsPerTrack
			}
			if cylTimesHeads >= heads*1024 {
				sectorsPerTrack = 63
				heads = 16
				cylTimesHeads = totalSectors / sectorsPerTrack
			}
		}
		cylinders = cylTimesHeads / heads
	}

	return uint32(cylinders)<<16 | uint32(heads)<<8 | uint32(sectorsPerTrack)
}
