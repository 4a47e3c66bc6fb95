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

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// payloadState is a data-block BAT entry's 3-bit state.
type payloadState uint8

const (
	payloadNotPresent      payloadState = 0
	payloadUndefined       payloadState = 1
	payloadZero            payloadState = 2
	payloadUnmapped        payloadState = 3
	payloadFullyPresent    payloadState = 6
	payloadPartiallyPresent payloadState = 7
)

// sectorBitmapState is a sector-bitmap BAT entry's 3-bit state.
type sectorBitmapState uint8

const (
	sbNotPresent sectorBitmapState = 0
	sbPresent    sectorBitmapState = 6
)

const (
	oneMiB       = 1024 * 1024
	chunkBitmapSpan = 8388608 // sectors (bits) one 1 MiB sector-bitmap block covers
)

// batEntry packs a 3-bit state and 44-bit MiB-granular file offset into one
// 64-bit little-endian word, per spec §3/§4.6.
type batEntry uint64

func makeBATEntry(state uint8, fileOffsetMB uint64) batEntry {
	return batEntry(uint64(state&0x7) | (fileOffsetMB&0xFFFFFFFFFFF)<<20)
}

func (e batEntry) state() uint8          { return uint8(e & 0x7) }
func (e batEntry) fileOffsetMB() uint64  { return uint64(e) >> 20 }
func (e batEntry) fileOffset() int64     { return int64(e.fileOffsetMB()) * oneMiB }

// bat is the full Block Allocation Table: chunkRatio data-block entries
// followed by one sector-bitmap entry, repeating, per spec §4.6.
type bat struct {
	entries    []batEntry
	chunkRatio int64 // data blocks per chunk, i.e. per trailing sector-bitmap entry
}

// chunkRatioFor computes spec §4.6's chunk_ratio = 8388608 × sector_size / block_size.
func chunkRatioFor(sectorSize int, blockSize int64) int64 {
	return int64(chunkBitmapSpan) * int64(sectorSize) / blockSize
}

// blockEntryIndex maps a payload block index to its slot in entries,
// skipping over the interleaved sector-bitmap entries.
func (b *bat) blockEntryIndex(block int64) int64 {
	chunk := block / b.chunkRatio
	withinChunk := block % b.chunkRatio
	return chunk*(b.chunkRatio+1) + withinChunk
}

func (b *bat) bitmapEntryIndex(block int64) int64 {
	chunk := block / b.chunkRatio
	return chunk*(b.chunkRatio+1) + b.chunkRatio
}

func (b *bat) getBlock(block int64) batEntry { return b.entries[b.blockEntryIndex(block)] }
func (b *bat) setBlock(block int64, e batEntry) { b.entries[b.blockEntryIndex(block)] = e }

func (b *bat) getBitmap(block int64) batEntry { return b.entries[b.bitmapEntryIndex(block)] }
func (b *bat) setBitmap(block int64, e batEntry) { b.entries[b.bitmapEntryIndex(block)] = e }

func entryCountForBlocks(blockCount, chunkRatio int64) int64 {
	chunks := (blockCount + chunkRatio - 1) / chunkRatio
	if chunks == 0 {
		chunks = 1
	}
	return chunks * (chunkRatio + 1)
}

func (b *bat) marshal() []byte {
	buf := make([]byte, len(b.entries)*8)
	for i, e := range b.entries {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(e))
	}
	return buf
}

func readBAT(r io.ReaderAt, offset int64, entryCount, chunkRatio int64) (*bat, error) {
	raw := make([]byte, entryCount*8)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: reading BAT")
	}
	entries := make([]batEntry, entryCount)
	for i := range entries {
		entries[i] = batEntry(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return &bat{entries: entries, chunkRatio: chunkRatio}, nil
}
