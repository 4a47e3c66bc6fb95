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

package fsreader

import (
	"bytes"
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	"github.com/uroni/urbackup-backend-sub004/bitmap"
)

var (
	ErrNotNTFS       = errors.New("ntfs: boot record magic not present")
	ErrNTFSCorrupt   = errors.New("ntfs: corrupt MFT record")
	ErrNTFSSectorSize = errors.New("ntfs: unsupported bytes-per-sector")
)

// bootRecord is the subset of an NTFS boot sector this reader needs,
// packed exactly as on disk (little-endian), parsed the way
// dsoprea-go-exfat parses its exFAT boot sector: a fixed-length struct
// unpacked with restruct, fields validated on entry rather than trusted.
type bootRecord struct {
	JumpBoot           [3]byte
	OEMID              [8]byte // "NTFS    "
	BytesPerSector     uint16
	SectorsPerCluster  uint8
	Reserved1          [26]byte
	TotalSectors       uint64
	MFTClusterNumber   uint64
	MFTMirrClusterNum  uint64
	ClustersPerMFTRec  int8
	Reserved2          [3]byte
	ClustersPerIdxRec  int8
	Reserved3          [3]byte
	VolumeSerialNumber uint64
}

const (
	bootRecordSize  = 512
	mftRecordMagic  = "FILE"
	mftRecordHeader = 48
)

// mftRecordHeaderFields is the fixed part of an MFT file record, up to and
// including the update-sequence array, packed little-endian.
type mftRecordHeaderFields struct {
	Magic             [4]byte
	UpdateSeqOffset   uint16
	UpdateSeqSize     uint16
	LogFileSeqNumber  uint64
	SequenceNumber    uint16
	LinkCount         uint16
	AttrsOffset       uint16
	Flags             uint16
	UsedSize          uint32
	AllocatedSize     uint32
	BaseRecordRef     uint64
	NextAttrID        uint16
	Reserved          uint16
	MFTRecordNumber   uint32
}

// NTFS implements Reader by walking the volume's $MFT bitmap (spec §4.4).
type NTFS struct {
	dev          BlockSource
	volumeOffset int64
	sectorSize   int
	clusterSize  int64
	bitmap       *bitmap.LSBFirst
	clusterCount int64
}

// OpenNTFS parses the boot record at volumeOffset within dev. Returns
// ErrNotNTFS (wrapped, checkable via errors.Is) if the magic does not
// match, so Detect can fall through to the next variant.
func OpenNTFS(dev BlockSource, volumeOffset int64) (*NTFS, error) {
	raw := make([]byte, bootRecordSize)
	if _, err := dev.ReadAt(raw, volumeOffset); err != nil {
		return nil, errors.Wrap(err, "ntfs: reading boot record")
	}

	if !bytes.Equal(raw[3:7], []byte("NTFS")) {
		return nil, ErrNotNTFS
	}

	var br bootRecord
	if err := restruct.Unpack(raw, binary.LittleEndian, &br); err != nil {
		return nil, errors.Wrap(err, "ntfs: unpacking boot record")
	}

	switch br.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, ErrNTFSSectorSize
	}

	clusterSize := int64(br.BytesPerSector) * int64(br.SectorsPerCluster)
	mftRecordSize := mftRecordSizeFromHeader(br.ClustersPerMFTRec, clusterSize, int64(br.BytesPerSector))

	mftOffset := volumeOffset + int64(br.MFTClusterNumber)*clusterSize

	record0, err := readMFTRecord(dev, mftOffset, mftRecordSize, int64(br.BytesPerSector))
	if err != nil {
		return nil, err
	}
	runs, err := mftRunList(record0, mftRecordSize)
	if err != nil {
		return nil, err
	}

	record6Offset, err := resolveMFTRecordOffset(runs, 6, mftRecordSize, clusterSize, volumeOffset)
	if err != nil {
		return nil, err
	}
	record6, err := readMFTRecord(dev, record6Offset, mftRecordSize, int64(br.BytesPerSector))
	if err != nil {
		return nil, err
	}
	dataRuns, err := mftRunList(record6, mftRecordSize)
	if err != nil {
		return nil, err
	}

	bitmapBytes, err := readRuns(dev, dataRuns, clusterSize, volumeOffset)
	if err != nil {
		return nil, err
	}

	clusterCount := br.TotalSectors * uint64(br.BytesPerSector) / uint64(clusterSize)

	return &NTFS{
		dev:          dev,
		volumeOffset: volumeOffset,
		sectorSize:   int(br.BytesPerSector),
		clusterSize:  clusterSize,
		bitmap:       bitmap.WrapLSBFirst(bitmapBytes, len(bitmapBytes)*8),
		clusterCount: int64(clusterCount),
	}, nil
}

func mftRecordSizeFromHeader(clustersPerMFTRec int8, clusterSize, sectorSize int64) int64 {
	if clustersPerMFTRec >= 0 {
		return int64(clustersPerMFTRec) * clusterSize
	}
	// Negative value encodes a power-of-two byte size: size = 2^(-n).
	shift := uint(-clustersPerMFTRec)
	return int64(1) << shift
}

func (n *NTFS) BlockSize() int64 { return n.clusterSize }

func (n *NTFS) HasBlock(index int64) bool {
	if index < 0 || index >= n.clusterCount {
		return false
	}
	if index >= int64(n.bitmap.Len()) {
		return false
	}
	return n.bitmap.Get(int(index))
}

func (n *NTFS) Close() error { return nil }

// run is one (offset-in-clusters-from-volume-start, length-in-clusters)
// pair decoded from an MFT attribute's run-list.
type run struct {
	startCluster int64
	length       int64
}

// readMFTRecord reads one fixed-size MFT record and validates its update
// sequence fix-up: each sectorSize-byte sub-sector must end in the two
// sentinel bytes recorded at UpdateSeqOffset, which are then patched back
// to the original on-disk bytes before the caller parses attributes.
func readMFTRecord(dev BlockSource, offset, recordSize, sectorSize int64) ([]byte, error) {
	raw := make([]byte, recordSize)
	if _, err := dev.ReadAt(raw, offset); err != nil {
		return nil, errors.Wrap(err, "ntfs: reading MFT record")
	}
	if !bytes.Equal(raw[:4], []byte(mftRecordMagic)) {
		return nil, errors.Wrap(ErrNTFSCorrupt, "bad MFT record magic")
	}

	var hdr mftRecordHeaderFields
	if err := restruct.Unpack(raw[:mftRecordHeader], binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "ntfs: unpacking MFT record header")
	}

	usaOffset := int(hdr.UpdateSeqOffset)
	usaSize := int(hdr.UpdateSeqSize)
	if usaSize == 0 || usaOffset+usaSize*2 > len(raw) {
		return nil, errors.Wrap(ErrNTFSCorrupt, "update sequence array out of range")
	}
	sentinel := raw[usaOffset : usaOffset+2]

	subSectors := int(recordSize / sectorSize)
	if subSectors != usaSize-1 {
		return nil, errors.Wrap(ErrNTFSCorrupt, "update sequence size mismatch")
	}

	for i := 0; i < subSectors; i++ {
		end := int64(i+1)*sectorSize - 2
		if !bytes.Equal(raw[end:end+2], sentinel) {
			return nil, errors.Wrap(ErrNTFSCorrupt, "update sequence fix-up mismatch")
		}
		orig := raw[usaOffset+2+i*2 : usaOffset+2+i*2+2]
		copy(raw[end:end+2], orig)
	}

	return raw, nil
}

// mftRunList locates the record's $DATA attribute (type 0x80) and decodes
// its non-resident run-list into absolute cluster runs.
func mftRunList(record []byte, recordSize int64) ([]run, error) {
	var hdr mftRecordHeaderFields
	if err := restruct.Unpack(record[:mftRecordHeader], binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "ntfs: re-reading record header")
	}

	off := int64(hdr.AttrsOffset)
	for off >= 0 && off+8 <= recordSize {
		attrType := binary.LittleEndian.Uint32(record[off : off+4])
		if attrType == 0xFFFFFFFF {
			break
		}
		attrLen := binary.LittleEndian.Uint32(record[off+4 : off+8])
		if attrLen == 0 || off+int64(attrLen) > recordSize {
			return nil, errors.Wrap(ErrNTFSCorrupt, "attribute length out of range")
		}
		const dataAttrType = 0x80
		nonResident := record[off+8]
		if attrType == dataAttrType && nonResident != 0 {
			runListOffset := binary.LittleEndian.Uint16(record[off+32 : off+34])
			return decodeRunList(record[off+int64(runListOffset) : off+int64(attrLen)])
		}
		off += int64(attrLen)
	}
	return nil, errors.Wrap(ErrNTFSCorrupt, "$DATA attribute not found")
}

// decodeRunList decodes NTFS's variable-length-integer run list format:
// each entry starts with a length byte splitting nibble counts for the
// (length, offset) varints that follow, offsets being signed and relative
// to the previous run's start.
func decodeRunList(buf []byte) ([]run, error) {
	var runs []run
	var pos int
	var lastOffset int64

	for pos < len(buf) && buf[pos] != 0 {
		header := buf[pos]
		lengthBytes := int(header & 0x0F)
		offsetBytes := int(header >> 4)
		pos++
		if pos+lengthBytes+offsetBytes > len(buf) {
			return nil, errors.Wrap(ErrNTFSCorrupt, "run list truncated")
		}

		length := decodeUintLE(buf[pos : pos+lengthBytes])
		pos += lengthBytes

		offsetDelta := decodeIntLE(buf[pos : pos+offsetBytes])
		pos += offsetBytes

		lastOffset += offsetDelta
		runs = append(runs, run{startCluster: lastOffset, length: length})
	}
	return runs, nil
}

func decodeUintLE(b []byte) int64 {
	var v int64
	for i, c := range b {
		v |= int64(c) << uint(8*i)
	}
	return v
}

func decodeIntLE(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v := decodeUintLE(b)
	if b[len(b)-1]&0x80 != 0 {
		v -= int64(1) << uint(8*len(b))
	}
	return v
}

func resolveMFTRecordOffset(runs []run, recordIndex, recordSize, clusterSize, volumeOffset int64) (int64, error) {
	recordByteOffset := recordIndex * recordSize
	clusterOfRecord := recordByteOffset / clusterSize
	withinCluster := recordByteOffset % clusterSize

	var seen int64
	for _, r := range runs {
		if clusterOfRecord >= seen && clusterOfRecord < seen+r.length {
			clusterInRun := clusterOfRecord - seen
			return volumeOffset + (r.startCluster+clusterInRun)*clusterSize + withinCluster, nil
		}
		seen += r.length
	}
	return 0, errors.Wrap(ErrNTFSCorrupt, "MFT record not covered by run-list")
}

func readRuns(dev BlockSource, runs []run, clusterSize, volumeOffset int64) ([]byte, error) {
	var out []byte
	for _, r := range runs {
		buf := make([]byte, r.length*clusterSize)
		if _, err := dev.ReadAt(buf, volumeOffset+r.startCluster*clusterSize); err != nil {
			return nil, errors.Wrap(err, "ntfs: reading $DATA run")
		}
		out = append(out, buf...)
	}
	return out, nil
}
