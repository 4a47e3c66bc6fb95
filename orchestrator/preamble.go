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

package orchestrator

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/uroni/urbackup-backend-sub004/fsreader"
)

const (
	// FlagPersistent marks a stream resumable across a dropped connection.
	FlagPersistent uint8 = 1 << 0
	// FlagBitmapFollows marks a client bitmap file following the preamble.
	FlagBitmapFollows uint8 = 1 << 1

	preambleFixedLen = 4 + 8 + 8 + 1 // block_size, virtual_size, expected_blocks, flags
	preambleShaLen   = 32
)

var ErrPreambleChecksum = errors.New("orchestrator: preamble SHA-256 mismatch")

// Preamble is the fixed header every ingress stream opens with (spec §4.7).
type Preamble struct {
	BlockSize      uint32
	VirtualSize    uint64
	ExpectedBlocks uint64
	Flags          uint8
	// ShadowCopy carries an opaque shadow-copy descriptor the upstream
	// collaborator may attach; this engine does not interpret it.
	ShadowCopy []byte
}

// Persistent reports whether the stream should be resumed after a dropped
// connection rather than failed outright.
func (p *Preamble) Persistent() bool { return p.Flags&FlagPersistent != 0 }

// HasBitmap reports whether a client bitmap file follows the preamble.
func (p *Preamble) HasBitmap() bool { return p.Flags&FlagBitmapFollows != 0 }

// ReadPreamble reads and SHA-256-verifies the fixed preamble plus any
// trailing shadow-copy descriptor. shadowCopyLen is the descriptor's
// length in bytes, known out of band (the wire format carries no explicit
// length field for it; see DESIGN.md).
func ReadPreamble(r io.Reader, shadowCopyLen int) (*Preamble, error) {
	fixed := make([]byte, preambleFixedLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, errors.Wrap(err, "orchestrator: reading preamble")
	}

	shadow := make([]byte, shadowCopyLen)
	if shadowCopyLen > 0 {
		if _, err := io.ReadFull(r, shadow); err != nil {
			return nil, errors.Wrap(err, "orchestrator: reading shadow-copy descriptor")
		}
	}

	sum := make([]byte, preambleShaLen)
	if _, err := io.ReadFull(r, sum); err != nil {
		return nil, errors.Wrap(err, "orchestrator: reading preamble checksum")
	}

	h := sha256.New()
	h.Write(fixed)
	h.Write(shadow)
	if !bytes.Equal(h.Sum(nil), sum) {
		return nil, ErrPreambleChecksum
	}

	return &Preamble{
		BlockSize:      binary.LittleEndian.Uint32(fixed[0:4]),
		VirtualSize:    binary.LittleEndian.Uint64(fixed[4:12]),
		ExpectedBlocks: binary.LittleEndian.Uint64(fixed[12:20]),
		Flags:          fixed[20],
		ShadowCopy:     shadow,
	}, nil
}

// ReadClientBitmap reads a wire-format client bitmap file (magic,
// block_size, bitmap bytes, SHA-256 trailer — spec §6) of exactly
// bitmapLen raw bitmap bytes, and returns the verified raw file bytes
// ready to be persisted as the backup's .cbitmap artefact.
func ReadClientBitmap(r io.Reader, bitmapLen int) ([]byte, error) {
	magic := make([]byte, len(fsreader.ClientBitmapMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "orchestrator: reading client bitmap magic")
	}
	if string(magic) != fsreader.ClientBitmapMagic {
		return nil, errors.New("orchestrator: bad client bitmap magic")
	}

	rest := make([]byte, 4+bitmapLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "orchestrator: reading client bitmap body")
	}

	sum := make([]byte, preambleShaLen)
	if _, err := io.ReadFull(r, sum); err != nil {
		return nil, errors.Wrap(err, "orchestrator: reading client bitmap checksum")
	}

	h := sha256.New()
	h.Write(rest)
	if !bytes.Equal(h.Sum(nil), sum) {
		return nil, ErrPreambleChecksum
	}

	out := make([]byte, 0, len(magic)+len(rest)+len(sum))
	out = append(out, magic...)
	out = append(out, rest...)
	out = append(out, sum...)
	return out, nil
}
