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
	"github.com/uroni/urbackup-backend-sub004/blockdev"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

const (
	defaultVHDXBlockSize      = 32 * 1024 * 1024
	defaultLogicalSectorSize  = 512
	defaultPhysicalSectorSize = 4096
	logRegionSize             = oneMiB
)

// Create lays out a fresh, non-differencing VHDX of virtualSize bytes.
func Create(path string, virtualSize int64, blockSize int64) (*Container, error) {
	return create(path, virtualSize, blockSize, nil)
}

// CreateDifferencing lays out a new VHDX whose blocks default to deferring
// to parent until written, mirroring the ContainerV1 differencing contract.
func CreateDifferencing(path string, parent *Container) (*Container, error) {
	return create(path, parent.VirtualSize(), parent.BlockSize(), parent)
}

func create(path string, virtualSize, blockSize int64, parent *Container) (*Container, error) {
	if blockSize == 0 {
		blockSize = defaultVHDXBlockSize
	}

	dev, err := blockdev.CreateFile(path)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: creating %q", path)
	}

	chunkRatio := chunkRatioFor(defaultLogicalSectorSize, blockSize)
	blockCount := (virtualSize + blockSize - 1) / blockSize
	entryCount := entryCountForBlocks(blockCount, chunkRatio)
	batBytes := entryCount * 8
	batRegionLen := alignUp(batBytes, oneMiB)

	metaOffset := int64(firstFreeOffset)
	batOffset := metaOffset + metadataRegionSize
	logOffset := batOffset + batRegionLen
	payloadStart := logOffset + logRegionSize

	if err := dev.Resize(payloadStart, false); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: sizing %q", path)
	}

	if _, err := dev.WriteAt(marshalIdentifier(), identifierOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing identifier")
	}

	rt := &regionTable{
		Metadata: regionEntry{GUID: metadataRegionGUID, FileOffset: uint64(metaOffset), Length: uint32(metadataRegionSize), Required: true},
		BAT:      regionEntry{GUID: batRegionGUID, FileOffset: uint64(batOffset), Length: uint32(batRegionLen), Required: true},
	}
	rtBuf := rt.marshal()
	if _, err := dev.WriteAt(rtBuf, regionTableAOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing region table A")
	}
	if _, err := dev.WriteAt(rtBuf, regionTableBOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing region table B")
	}

	meta := &metadata{
		BlockSize:          uint32(blockSize),
		HasParent:          parent != nil,
		VirtualDiskSize:    uint64(virtualSize),
		LogicalSectorSize:  defaultLogicalSectorSize,
		PhysicalSectorSize: defaultPhysicalSectorSize,
	}
	if parent != nil {
		meta.ParentPath = parent.path
	}
	if _, err := dev.WriteAt(meta.marshal(), metaOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing metadata region")
	}

	table := &bat{entries: make([]batEntry, entryCount), chunkRatio: chunkRatio}
	if _, err := dev.WriteAt(table.marshal(), batOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing initial BAT")
	}

	hdr := &header{
		Magic:      [4]byte{'h', 'e', 'a', 'd'},
		Version:    1,
		LogVersion: 0,
		LogOffset:  uint64(logOffset),
		LogLength:  uint32(logRegionSize),
	}
	if _, err := dev.WriteAt(hdr.marshal(), headerAOffset); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: writing header A")
	}

	c := &Container{
		dev:         dev,
		path:        path,
		hdr:         hdr,
		activeIsA:   true,
		region:      rt,
		meta:        meta,
		table:       table,
		nextSeq:     1,
		nextPayload: payloadStart,
	}
	if parent != nil {
		c.parent = parent
	}

	if err := dev.Sync(); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhdx: sync after create")
	}
	return c, nil
}

func alignUp(v, align int64) int64 {
	if rem := v % align; rem != 0 {
		return v + (align - rem)
	}
	return v
}
