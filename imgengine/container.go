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

// Package imgengine ties the sparse differencing container formats
// (vhd.Container, vhdx.Container) together behind one Container interface.
// Opening a file by its magic is done by package imgopen.
package imgengine

import (
	"github.com/uroni/urbackup-backend-sub004/fsreader"
)

// CancelToken lets a long-running loop (MakeFull, Trim) poll for a caller
// requested stop between blocks, rather than being interrupted mid-I/O.
type CancelToken struct {
	ch chan struct{}
}

// NewCancelToken returns a token that is not yet cancelled.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (c *CancelToken) Cancel() {
	select {
	case <-c.ch:
	default:
		close(c.ch)
	}
}

// Cancelled reports whether Cancel has been called.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Container is the common contract ContainerV1 (vhd) and ContainerV2 (vhdx)
// both satisfy (spec §4.5/§4.6).
type Container interface {
	// ReadAt reads len(p) bytes of virtual disk content starting at off,
	// resolving through the parent chain as needed.
	ReadAt(p []byte, off int64) (n int, err error)
	// WriteAt writes len(p) bytes at off, marking the touched sectors
	// authoritative in this container.
	WriteAt(p []byte, off int64) (n int, err error)

	VirtualSize() int64
	BlockSize() int64
	SectorSize() int

	// SetFastMode toggles deferred bitmap/BAT writeback, used by the
	// orchestrator around bulk-copy phases (spec.md §9 "fast mode").
	SetFastMode(fast bool)

	// Sync commits all pending writes durably: sector bitmaps, BAT,
	// headers/footers, and (ContainerV2) the write-ahead log.
	Sync() error

	// Trim marks [off, off+length) as free per the filesystem, falling
	// through to the parent (or zero) on subsequent reads.
	Trim(off, length int64) error

	// MakeFull reads every used sector (per fs) through the parent chain
	// and writes it locally, then detaches the parent link.
	MakeFull(fs fsreader.Reader, cancel *CancelToken) error

	// HasParent reports whether this container currently differences
	// against a parent.
	HasParent() bool

	Close() error
}
