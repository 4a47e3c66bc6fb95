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

// Package vhdx implements ContainerV2 (spec C6): the log-journalled,
// little-endian sparse differencing container — dual rotating headers,
// region table, metadata region, tri-state BAT, and a write-ahead log
// replayed on open. The log holds one record at a time; it is not used as
// a circular multi-record buffer (see logRecord).
package vhdx

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const (
	regionSize      = 64 * 1024
	identifierOffset = 0
	headerAOffset   = 64 * 1024
	headerBOffset   = 128 * 1024
	regionTableAOffset = 192 * 1024
	regionTableBOffset = 256 * 1024
	firstFreeOffset = 1024 * 1024 // metadata region starts at the first 1 MiB boundary

	headerSize = 4096
	headerMagic = "head"

	identifierMagic = "vhdxfile"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// header is one of the two 4096-byte rotating header copies.
type header struct {
	Magic          [4]byte
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGUID  [16]byte
	DataWriteGUID  [16]byte
	LogGUID        [16]byte
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint64(buf[8:16], h.SequenceNumber)
	copy(buf[16:32], h.FileWriteGUID[:])
	copy(buf[32:48], h.DataWriteGUID[:])
	copy(buf[48:64], h.LogGUID[:])
	binary.LittleEndian.PutUint16(buf[64:66], h.LogVersion)
	binary.LittleEndian.PutUint16(buf[66:68], h.Version)
	binary.LittleEndian.PutUint32(buf[68:72], h.LogLength)
	binary.LittleEndian.PutUint64(buf[72:80], h.LogOffset)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	h.Checksum = crc32.Checksum(buf, crc32cTable)
	binary.LittleEndian.PutUint32(buf[4:8], h.Checksum)
	return buf
}

func unmarshalHeader(buf []byte) (*header, bool) {
	if len(buf) != headerSize {
		return nil, false
	}
	if string(buf[0:4]) != headerMagic {
		return nil, false
	}
	want := binary.LittleEndian.Uint32(buf[4:8])
	cp := make([]byte, len(buf))
	copy(cp, buf)
	binary.LittleEndian.PutUint32(cp[4:8], 0)
	if crc32.Checksum(cp, crc32cTable) != want {
		return nil, false
	}

	var h header
	copy(h.Magic[:], buf[0:4])
	h.Checksum = want
	h.SequenceNumber = binary.LittleEndian.Uint64(buf[8:16])
	copy(h.FileWriteGUID[:], buf[16:32])
	copy(h.DataWriteGUID[:], buf[32:48])
	copy(h.LogGUID[:], buf[48:64])
	h.LogVersion = binary.LittleEndian.Uint16(buf[64:66])
	h.Version = binary.LittleEndian.Uint16(buf[66:68])
	h.LogLength = binary.LittleEndian.Uint32(buf[68:72])
	h.LogOffset = binary.LittleEndian.Uint64(buf[72:80])
	return &h, true
}

// readActiveHeader reads both header copies and returns whichever validates
// with the greatest sequence_number; slotIsA reports which physical slot it
// came from, so the caller can write the other slot on the next update.
func readActiveHeader(r io.ReaderAt) (h *header, slotIsA bool, err error) {
	bufA := make([]byte, headerSize)
	bufB := make([]byte, headerSize)
	if _, readErr := r.ReadAt(bufA, headerAOffset); readErr != nil {
		return nil, false, imgerr.Wrap(imgerr.KindIO, readErr, "vhdx: reading header A")
	}
	if _, readErr := r.ReadAt(bufB, headerBOffset); readErr != nil {
		return nil, false, imgerr.Wrap(imgerr.KindIO, readErr, "vhdx: reading header B")
	}

	hA, okA := unmarshalHeader(bufA)
	hB, okB := unmarshalHeader(bufB)

	switch {
	case okA && okB:
		if hA.SequenceNumber >= hB.SequenceNumber {
			return hA, true, nil
		}
		return hB, false, nil
	case okA:
		return hA, true, nil
	case okB:
		return hB, false, nil
	default:
		return nil, false, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: both header copies invalid")
	}
}

func verifyIdentifier(r io.ReaderAt) error {
	buf := make([]byte, 8)
	if _, err := r.ReadAt(buf, identifierOffset); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading file identifier")
	}
	if string(buf) != identifierMagic {
		return imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "vhdx: bad file identifier signature")
	}
	return nil
}

func marshalIdentifier() []byte {
	buf := make([]byte, regionSize)
	copy(buf, identifierMagic)
	return buf
}
