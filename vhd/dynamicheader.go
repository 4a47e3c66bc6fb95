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

	"github.com/go-restruct/restruct"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const (
	dynamicHeaderSize   = 1024
	dynamicHeaderCookie = "cxsparse"
	dynamicDataOffsetSentinel = 0xFFFFFFFFFFFFFFFF

	parentLocatorCount = 8
	parentNameFieldLen = 512

	defaultBlockSize = 2 * 1024 * 1024
)

// parentLocator is one of the 8 platform-specific parent-path records
// carried in the dynamic header, sized in 512-byte sectors on disk.
type parentLocator struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// dynamicHeader describes the BAT and, for differencing disks, the parent
// link. Packed big-endian, 1024 bytes, immediately following the first
// footer copy.
type dynamicHeader struct {
	Cookie           [8]byte
	DataOffset       uint64 // always 0xFFFFFFFFFFFFFFFF
	TableOffset      uint64
	HeaderVersion    uint32
	MaxTableEntries  uint32
	BlockSize        uint32
	Checksum         uint32
	ParentUID        [16]byte
	ParentTimestamp  uint32
	Reserved1        uint32
	ParentUnicodeName [parentNameFieldLen]byte
	ParentLocators   [parentLocatorCount]parentLocator
	Reserved2        [256]byte
}

func (h *dynamicHeader) marshal() ([]byte, error) {
	h.Checksum = 0
	buf, err := restruct.Pack(binary.BigEndian, h)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "packing VHD dynamic header")
	}
	h.Checksum = footerChecksum(buf)
	binary.BigEndian.PutUint32(buf[36:40], h.Checksum)
	return buf, nil
}

func unmarshalDynamicHeader(raw []byte) (*dynamicHeader, error) {
	if len(raw) != dynamicHeaderSize {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: dynamic header must be %d bytes, got %d", dynamicHeaderSize, len(raw))
	}
	var h dynamicHeader
	if err := restruct.Unpack(raw, binary.BigEndian, &h); err != nil {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, err, "vhd: unpacking dynamic header")
	}
	if string(h.Cookie[:]) != dynamicHeaderCookie {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: bad dynamic header cookie")
	}

	want := footerChecksum(zeroedChecksum(raw, 36))
	if want != h.Checksum {
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhd: dynamic header checksum mismatch")
	}
	return &h, nil
}

// sectorsPerBlock reports how many 512-byte sectors one payload block
// covers, used both for the BAT and for each block's own sector bitmap.
func (h *dynamicHeader) sectorsPerBlock() int {
	return int(h.BlockSize) / 512
}

// bitmapSectors is the number of 512-byte sectors the per-block sector
// bitmap occupies, rounded up to a whole sector as the format requires.
func (h *dynamicHeader) bitmapSectors() int64 {
	bits := h.sectorsPerBlock()
	bytes := (bits + 7) / 8
	return int64((bytes + 511) / 512)
}
