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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/uroni/urbackup-backend-sub004/envctx"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
	"github.com/uroni/urbackup-backend-sub004/store"
)

// Block-number markers, spec §4.7.
const (
	blockEnd          int64 = -123
	blockClientError1 int64 = -124
	blockClientError2 int64 = -1
	blockPing         int64 = -125
	blockChecksum     int64 = -126
	blockEmpty        int64 = -127
)

const maxHashRetries = 10

// State is a stream's position in the ingress state machine (spec §4.7):
// Expecting-preamble -> Expecting-bitmap? -> Streaming -> Finalising ->
// Done | Error.
type State int

const (
	StateExpectingPreamble State = iota
	StateExpectingBitmap
	StateStreaming
	StateFinalising
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateExpectingPreamble:
		return "expecting-preamble"
	case StateExpectingBitmap:
		return "expecting-bitmap"
	case StateStreaming:
		return "streaming"
	case StateFinalising:
		return "finalising"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// checkpoint is the durable resume record persisted through store.Store
// between reconnects, and across process restarts.
type checkpoint struct {
	LastVerifiedBlock int64
	RetryCount        int
}

func (c checkpoint) marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.LastVerifiedBlock))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.RetryCount))
	return buf
}

func unmarshalCheckpoint(buf []byte) checkpoint {
	if len(buf) < 16 {
		return checkpoint{LastVerifiedBlock: -1}
	}
	return checkpoint{
		LastVerifiedBlock: int64(binary.LittleEndian.Uint64(buf[0:8])),
		RetryCount:        int(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// Stream drives one ingress image-backup transfer into a Container.
type Stream struct {
	ID        string
	Container imgengine.Container
	MBROffset int64
	ChunkFactor int64 // blocks per verification chunk; the container's sector-bitmap quantum

	// Env supplies the clock used for progress-tick throttling. Zero
	// value resolves to the real wall clock (envctx.Default).
	Env envctx.Env

	checkpoints store.Store
	hash        io.WriteCloser
	progress    Progress

	state      State
	lastVerified int64
	retries      int
	blockSize    int64

	chunkHash   hashWriter
	chunkBlocks int64
	transferred int64
	total       int64

	lastProgressAt time.Time
}

type hashWriter struct{ h interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} }

func newHashWriter() hashWriter { return hashWriter{h: sha256.New()} }

// NewStream constructs a Stream ready to run. hashFile receives one record
// per verified chunk boundary (the block number as "% 20d" ASCII decimal,
// then the raw 32-byte SHA-256), the
// adjacent .hash artefact spec §6 names. progress may be nil.
func NewStream(id string, container imgengine.Container, mbrOffset int64, chunkFactor int64, hashFile io.WriteCloser, checkpoints store.Store, progress Progress) *Stream {
	if progress == nil {
		progress = noopProgress{}
	}
	if chunkFactor < 1 {
		chunkFactor = 1
	}
	return &Stream{
		ID:           id,
		Container:    container,
		MBROffset:    mbrOffset,
		ChunkFactor:  chunkFactor,
		Env:          envctx.Default(),
		hash:         hashFile,
		checkpoints:  checkpoints,
		progress:     progress,
		state:        StateExpectingPreamble,
		lastVerified: -1,
		chunkHash:    newHashWriter(),
	}
}

// State returns the stream's current position in the state machine.
func (s *Stream) State() State { return s.state }

// LastVerifiedBlock returns the highest block number confirmed durable,
// the block number a reconnect should resume from.
func (s *Stream) LastVerifiedBlock() int64 { return s.lastVerified }

// loadCheckpoint restores resume state from a prior session, if any.
func (s *Stream) loadCheckpoint() error {
	if s.checkpoints == nil {
		return nil
	}
	raw, err := s.checkpoints.ReadAll(s.ID)
	if err != nil {
		return nil // no prior checkpoint; start fresh
	}
	cp := unmarshalCheckpoint(raw)
	s.lastVerified = cp.LastVerifiedBlock
	s.retries = cp.RetryCount
	return nil
}

func (s *Stream) saveCheckpoint() error {
	if s.checkpoints == nil {
		return nil
	}
	cp := checkpoint{LastVerifiedBlock: s.lastVerified, RetryCount: s.retries}
	return s.checkpoints.WriteAll(s.ID, cp.marshal())
}

// Begin parses the preamble (and client bitmap, if flagged) from r,
// advancing Expecting-preamble -> Expecting-bitmap? -> Streaming.
// cbitmapOut, if non-nil, receives the verified wire-format client bitmap
// bytes for persistence as the backup's .cbitmap artefact.
func (s *Stream) Begin(r io.Reader, shadowCopyLen int, bitmapLen int, cbitmapOut io.Writer) (*Preamble, error) {
	if s.state != StateExpectingPreamble {
		return nil, imgerr.New(imgerr.KindIO, "orchestrator: Begin called out of state", nil)
	}
	pre, err := ReadPreamble(r, shadowCopyLen)
	if err != nil {
		s.state = StateError
		return nil, imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading preamble")
	}
	s.blockSize = int64(pre.BlockSize)
	s.total = int64(pre.ExpectedBlocks) * s.blockSize
	s.progress.SetTotal(s.total)

	if pre.HasBitmap() {
		s.state = StateExpectingBitmap
		raw, err := ReadClientBitmap(r, bitmapLen)
		if err != nil {
			s.state = StateError
			return nil, imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading client bitmap")
		}
		if cbitmapOut != nil {
			if _, err := cbitmapOut.Write(raw); err != nil {
				return nil, imgerr.Wrap(imgerr.KindIO, err, "orchestrator: persisting client bitmap")
			}
		}
	}

	if err := s.loadCheckpoint(); err != nil {
		return nil, err
	}
	s.state = StateStreaming
	return pre, nil
}

// resumeSignal is returned by Run when a checksum mismatch should cause the
// caller to reconnect and resend from LastVerifiedBlock+1, within budget.
type resumeSignal struct {
	fromBlock int64
}

func (r *resumeSignal) Error() string {
	return fmt.Sprintf("orchestrator: resume from block %d after checksum mismatch", r.fromBlock)
}

// AsResume reports whether err is a resumable checksum-retry signal, and if
// so the block number to resend from.
func AsResume(err error) (int64, bool) {
	rs, ok := err.(*resumeSignal)
	if !ok {
		return 0, false
	}
	return rs.fromBlock, true
}

// Run consumes block records from r until -123 (end), a client error
// record, or a permanent error. On a resumable checksum mismatch it
// returns a *resumeSignal (see AsResume) instead of erroring the stream.
func (s *Stream) Run(r io.Reader) error {
	if s.state != StateStreaming {
		return imgerr.New(imgerr.KindIO, "orchestrator: Run called out of state", nil)
	}

	for {
		blockNo, err := readInt64(r)
		if err != nil {
			s.state = StateError
			return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading block marker")
		}

		switch {
		case blockNo == blockEnd:
			return s.finalise()

		case blockNo == blockClientError1 || blockNo == blockClientError2:
			msg, err := readMessage(r)
			if err != nil {
				msg = "<unreadable client error message>"
			}
			s.state = StateError
			return imgerr.Wrap(imgerr.KindIO, fmt.Errorf("client error: %s", msg), "orchestrator: client reported error")

		case blockNo == blockPing:
			continue

		case blockNo == blockChecksum:
			chunkEnd, err := readInt64(r)
			if err != nil {
				return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading checksum record block number")
			}
			var want [32]byte
			if _, err := io.ReadFull(r, want[:]); err != nil {
				return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading checksum record hash")
			}
			if resume, err := s.verifyChunk(chunkEnd, want[:]); err != nil {
				return err
			} else if resume != nil {
				return resume
			}

		case blockNo == blockEmpty:
			n, err := readInt64(r)
			if err != nil {
				return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading empty-block record")
			}
			if err := s.writeBlock(n, nil); err != nil {
				return err
			}

		case blockNo >= 0:
			buf := make([]byte, s.blockSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: reading block payload")
			}
			if err := s.writeBlock(blockNo, buf); err != nil {
				return err
			}

		default:
			return imgerr.New(imgerr.KindCorrupt, fmt.Sprintf("orchestrator: unrecognised block marker %d", blockNo), nil)
		}
	}
}

func (s *Stream) writeBlock(blockNo int64, data []byte) error {
	off := s.MBROffset + blockNo*s.blockSize
	if data == nil {
		data = make([]byte, s.blockSize)
	}
	if _, err := s.Container.WriteAt(data, off); err != nil {
		return imgerr.Wrap(imgerr.KindIO, err, "orchestrator: writing block %d", blockNo)
	}
	s.chunkHash.h.Write(data)
	s.chunkBlocks++
	s.transferred += int64(len(data))
	s.tick()
	return nil
}

// verifyChunk finalises the rolling hash for the chunk ending at chunkEnd
// and compares it with want. On mismatch, consumes one retry (up to
// maxHashRetries) and returns a *resumeSignal instructing the caller to
// resend from the last verified block; past the budget it returns a
// permanent KindStreamChecksum error.
func (s *Stream) verifyChunk(chunkEnd int64, want []byte) (error, error) {
	if s.chunkBlocks != s.ChunkFactor {
		log.Warnf("orchestrator: chunk ending at block %d covered %d blocks, expected %d (container's sector-bitmap quantum)", chunkEnd, s.chunkBlocks, s.ChunkFactor)
	}
	got := s.chunkHash.h.Sum(nil)
	s.chunkHash = newHashWriter()
	s.chunkBlocks = 0

	if !hashesEqual(got, want) {
		s.retries++
		if err := s.saveCheckpoint(); err != nil {
			return nil, err
		}
		if s.retries > maxHashRetries {
			s.state = StateError
			return nil, imgerr.New(imgerr.KindStreamChecksum, fmt.Sprintf("orchestrator: chunk ending at block %d failed verification %d times", chunkEnd, s.retries), nil)
		}
		log.Warnf("orchestrator: chunk ending at block %d failed verification (retry %d/%d)", chunkEnd, s.retries, maxHashRetries)
		return &resumeSignal{fromBlock: s.lastVerified + 1}, nil
	}

	if _, err := fmt.Fprintf(s.hash, "% 20d", chunkEnd); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "orchestrator: writing hash record")
	}
	if _, err := s.hash.Write(got); err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "orchestrator: writing hash record")
	}

	s.lastVerified = chunkEnd
	s.retries = 0
	return nil, s.saveCheckpoint()
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Stream) tick() {
	now := s.Env.Now()
	if !s.lastProgressAt.IsZero() && now.Sub(s.lastProgressAt) < time.Second {
		return
	}
	s.lastProgressAt = now
	s.progress.SetDone(s.transferred)
	if s.total > 0 {
		s.progress.SetPercentDone(100 * float64(s.transferred) / float64(s.total))
	}
}

// finalise truncates nothing further (the container already rejects
// out-of-range writes), invokes no implicit make_full/trim (callers opt in
// explicitly after Run returns), and marks the stream Done.
func (s *Stream) finalise() error {
	s.state = StateFinalising
	if err := s.Container.Sync(); err != nil {
		s.state = StateError
		return err
	}
	s.progress.SetDone(s.transferred)
	s.progress.SetPercentDone(100)
	s.state = StateDone
	return nil
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func readMessage(r io.Reader) (string, error) {
	n, err := readInt64(r)
	if err != nil {
		return "", err
	}
	if n <= 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
