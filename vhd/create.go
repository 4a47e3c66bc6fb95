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
	"time"

	"github.com/uroni/urbackup-backend-sub004/blockdev"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// Create makes a fresh, non-differencing ContainerV1 of virtualSize bytes
// at path, with a zeroed BAT and a freshly generated UID.
func Create(path string, virtualSize int64, blockSize uint32) (*Container, error) {
	return create(path, virtualSize, blockSize, nil)
}

// CreateDifferencing makes a fresh ContainerV1 differencing from parent:
// virtualSize and blockSize are inherited from it, and its UID is recorded
// for verification on future opens.
func CreateDifferencing(path string, parent *Container) (*Container, error) {
	return create(path, parent.VirtualSize(), uint32(parent.header.BlockSize), parent)
}

func create(path string, virtualSize int64, blockSize uint32, parent *Container) (*Container, error) {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}

	dev, err := blockdev.CreateFile(path)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: creating %q", path)
	}

	tableEntries := uint32((virtualSize + int64(blockSize) - 1) / int64(blockSize))

	diskType := uint32(diskTypeDynamic)
	var parentUID [16]byte
	var parentTimestamp uint32
	var parentName [parentNameFieldLen]byte
	var locators [parentLocatorCount]parentLocator
	if parent != nil {
		diskType = diskTypeDifferencing
		parentUID = parent.footer.UID
		parentTimestamp = parent.footer.Timestamp
		parentName = encodeUTF16BE(parent.path, parentNameFieldLen)
		// Locator 0 carries the same name as a Linux-absolute-path record;
		// the other seven stay zeroed (unused), as real tooling leaves
		// platform locators it has no value for.
		locators[0] = parentLocator{
			PlatformCode:       [4]byte{'L', 'i', 'n', 'x'},
			PlatformDataSpace:  parentLocatorLength(parent.path) / 512,
			PlatformDataLength: uint32(len(parent.path)),
		}
	}

	ftr := &footer{
		Cookie:        [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'},
		Features:      0x00000002,
		FormatVersion: formatVersion,
		DataOffset:    footerSize,
		Timestamp:     uint32(nowSinceVHDEpoch()),
		CreatorApp:    [4]byte{'u', 'r', 'b', 'k'},
		CreatorVersion: formatVersion,
		CreatorOS:     0x5769326B, // "Wi2k", matching the format's documented convention
		OriginalSize:  uint64(virtualSize),
		CurrentSize:   uint64(virtualSize),
		DiskGeometry:  chsGeometry(uint64(virtualSize) / 512),
		DiskType:      diskType,
		UID:           newUID(),
	}

	hdr := &dynamicHeader{
		Cookie:            [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'},
		DataOffset:        dynamicDataOffsetSentinel,
		TableOffset:       uint64(footerSize + dynamicHeaderSize),
		HeaderVersion:     formatVersion,
		MaxTableEntries:   tableEntries,
		BlockSize:         blockSize,
		ParentUID:         parentUID,
		ParentTimestamp:   parentTimestamp,
		ParentUnicodeName: parentName,
		ParentLocators:    locators,
	}

	table := &bat{entries: make([]uint32, tableEntries)}
	for i := range table.entries {
		table.entries[i] = batUnused
	}

	c := &Container{
		dev:    dev,
		path:   path,
		footer: ftr,
		header: hdr,
		table:  table,
		parent: parentAsInterface(parent),
	}

	payloadStart := footerSize + dynamicHeaderSize + (int64(tableEntries)*4+511)/512*512
	if err := dev.Resize(payloadStart+footerSize, false); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "vhd: sizing %q", path)
	}

	if err := c.syncLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func parentAsInterface(p *Container) imgengine.Container {
	if p == nil {
		return nil
	}
	return p
}

// nowSinceVHDEpoch is overridable in tests; production code calls it once
// at creation time only, never on the hot read/write path.
var nowSinceVHDEpoch = func() int64 {
	return int64(time.Since(vhdEpoch).Seconds())
}
