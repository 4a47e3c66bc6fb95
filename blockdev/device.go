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

// Package blockdev implements the BlockDevice abstraction (spec C1) and its
// two concrete backings: a host file/block-device node (File) and a
// transparent compressed wrapper (Compressed, spec C2).
package blockdev

// Device is the random-access byte store every container format is built
// on. Writes past Size() are permitted and grow the device. Resize with
// keepContents=false may leave trailing bytes undefined. Implementations
// report the platform error string for diagnostics on I/O failure, wrapped
// in imgerr.ErrIO by callers.
type Device interface {
	// ReadAt reads len(p) bytes starting at off. It returns the number of
	// bytes read and an error if fewer than len(p) bytes were read, in the
	// manner of io.ReaderAt.
	ReadAt(p []byte, off int64) (n int, err error)
	// WriteAt writes len(p) bytes starting at off, growing the device if
	// necessary, in the manner of io.WriterAt.
	WriteAt(p []byte, off int64) (n int, err error)
	// Size returns the current size of the device in bytes.
	Size() (int64, error)
	// Resize changes the device's size. When growing, new bytes read as
	// zero. When shrinking with keepContents=false, trailing bytes may be
	// left undefined by the implementation for speed.
	Resize(newSize int64, keepContents bool) error
	// Sync commits any buffered data to stable storage.
	Sync() error
	// Close releases the underlying resource. Implementations that buffer
	// writes must flush before returning.
	Close() error
}
