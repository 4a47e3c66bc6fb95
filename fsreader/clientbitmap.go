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
	"crypto/sha256"
	"encoding/binary"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/uroni/urbackup-backend-sub004/bitmap"
)

// ClientBitmapMagic identifies a client-supplied bitmap file (spec §6).
const ClientBitmapMagic = "UrBBMM8C"

const clientBitmapShaLen = 32

var ErrClientBitmapChecksum = errors.New("client bitmap: SHA-256 mismatch")

// ClientBitmap is a Reader backed by a file of the form magic ‖
// block_size:u32 (LE) ‖ bitmap bytes ‖ SHA-256(block_size‖bitmap).
type ClientBitmap struct {
	blockSize int64
	bm        *bitmap.LSBFirst
	blocks    int64
}

// OpenClientBitmap reads and verifies a client bitmap file in full; these
// files are small (one bit per backed-up block) and are not memory-mapped.
func OpenClientBitmap(path string) (*ClientBitmap, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading client bitmap %q", path)
	}

	minLen := len(ClientBitmapMagic) + 4 + clientBitmapShaLen
	if len(raw) < minLen {
		return nil, errors.Errorf("client bitmap %q: truncated file", path)
	}

	if !bytes.Equal(raw[:len(ClientBitmapMagic)], []byte(ClientBitmapMagic)) {
		return nil, errors.Errorf("client bitmap %q: bad magic", path)
	}
	rest := raw[len(ClientBitmapMagic):]

	blockSize := binary.LittleEndian.Uint32(rest[:4])
	payload := rest[4 : len(rest)-clientBitmapShaLen]
	trailer := rest[len(rest)-clientBitmapShaLen:]

	h := sha256.New()
	h.Write(rest[:4])
	h.Write(payload)
	sum := h.Sum(nil)
	if !bytes.Equal(sum, trailer) {
		return nil, ErrClientBitmapChecksum
	}

	bm := bitmap.WrapLSBFirst(append([]byte(nil), payload...), len(payload)*8)

	return &ClientBitmap{
		blockSize: int64(blockSize),
		bm:        bm,
		blocks:    int64(len(payload) * 8),
	}, nil
}

func (c *ClientBitmap) BlockSize() int64 { return c.blockSize }

func (c *ClientBitmap) HasBlock(index int64) bool {
	if index < 0 || index >= c.blocks {
		return false
	}
	return c.bm.Get(int(index))
}

func (c *ClientBitmap) Close() error { return nil }
