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

// Package fsreader identifies the payload volume's filesystem and reports
// its used-cluster bitmap, for the engine's MakeFull and Trim operations
// (spec C4). Three variants share one Reader interface: NTFS, a
// client-supplied bitmap file, and a conservative "unknown" fallback.
package fsreader

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Reader reports which fixed-size blocks of a volume are in use.
// has_block returning true may be conservative (over-approximate);
// returning false is authoritative — false must never be wrong.
type Reader interface {
	BlockSize() int64
	HasBlock(index int64) bool
	Close() error
}

// BlockSource is the random-access byte source a Reader parses from,
// satisfied by blockdev.Device without importing it here (avoids a
// fsreader → blockdev → fsreader import cycle candidate).
type BlockSource interface {
	io.ReaderAt
}

// Detect mirrors the original backup-source's bitmap-selection order: try
// NTFS's boot-sector magic first, fall back to a client-supplied bitmap
// file when bitmapFile is non-empty, otherwise fall back to Unknown.
func Detect(dev BlockSource, volumeOffset int64, bitmapFile string) (Reader, error) {
	ntfs, err := OpenNTFS(dev, volumeOffset)
	if err == nil {
		log.Debug("fsreader: detected NTFS volume")
		return ntfs, nil
	}
	if !errors.Is(err, ErrNotNTFS) {
		return nil, err
	}

	if bitmapFile != "" {
		cb, err := OpenClientBitmap(bitmapFile)
		if err != nil {
			return nil, err
		}
		log.Debug("fsreader: using client-supplied bitmap")
		return cb, nil
	}

	log.Debug("fsreader: no filesystem recognised, falling back to all-ones bitmap")
	return NewUnknown(512), nil
}
