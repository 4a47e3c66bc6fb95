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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/store"
)

// fakeContainer is a minimal in-memory imgengine.Container for exercising
// Stream without a real VHD/VHDX file.
type fakeContainer struct {
	data      []byte
	synced    int
	trimmed   [][2]int64
	parentless bool
}

func newFakeContainer(size int64) *fakeContainer {
	return &fakeContainer{data: make([]byte, size)}
}

func (f *fakeContainer) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.data[off:off+int64(len(p))]), nil
}
func (f *fakeContainer) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.data[off:off+int64(len(p))], p), nil
}
func (f *fakeContainer) VirtualSize() int64 { return int64(len(f.data)) }
func (f *fakeContainer) BlockSize() int64   { return 4096 }
func (f *fakeContainer) SectorSize() int    { return 512 }
func (f *fakeContainer) SetFastMode(bool)   {}
func (f *fakeContainer) Sync() error        { f.synced++; return nil }
func (f *fakeContainer) Trim(off, length int64) error {
	f.trimmed = append(f.trimmed, [2]int64{off, length})
	return nil
}
func (f *fakeContainer) MakeFull(fsreader.Reader, *imgengine.CancelToken) error {
	f.parentless = true
	return nil
}
func (f *fakeContainer) HasParent() bool { return !f.parentless }
func (f *fakeContainer) Close() error    { return nil }

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func TestStreamHappyPathWritesBlocksAndFinishes(t *testing.T) {
	c := newFakeContainer(16 * 1024)
	checkpoints := store.NewMemStore()
	var hash bytes.Buffer

	s := NewStream("test-stream", c, 0, 1, nopWriteCloser{&hash}, checkpoints, nil)
	s.blockSize = 4096
	s.state = StateStreaming

	var wire bytes.Buffer
	block0 := bytes.Repeat([]byte{0x11}, 4096)
	writeInt64(&wire, 0)
	wire.Write(block0)

	h := sha256.Sum256(block0)
	writeInt64(&wire, blockChecksum)
	writeInt64(&wire, 0)
	wire.Write(h[:])

	writeInt64(&wire, blockEnd)

	err := s.Run(&wire)
	require.NoError(t, err)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, int64(0), s.LastVerifiedBlock())
	assert.Equal(t, 1, c.synced)
	assert.Equal(t, block0, c.data[:4096])
}

func TestStreamChecksumMismatchReturnsResumeSignal(t *testing.T) {
	c := newFakeContainer(16 * 1024)
	checkpoints := store.NewMemStore()
	var hash bytes.Buffer

	s := NewStream("mismatch-stream", c, 0, 1, nopWriteCloser{&hash}, checkpoints, nil)
	s.blockSize = 4096
	s.state = StateStreaming

	var wire bytes.Buffer
	block0 := bytes.Repeat([]byte{0x22}, 4096)
	writeInt64(&wire, 0)
	wire.Write(block0)

	var wrongHash [32]byte
	writeInt64(&wire, blockChecksum)
	writeInt64(&wire, 0)
	wire.Write(wrongHash[:])

	err := s.Run(&wire)
	require.Error(t, err)
	from, ok := AsResume(err)
	require.True(t, ok)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, 1, s.retries)
}

func TestStreamPingIsIgnored(t *testing.T) {
	c := newFakeContainer(4096)
	s := NewStream("ping-stream", c, 0, 1, nopWriteCloser{&bytes.Buffer{}}, store.NewMemStore(), nil)
	s.blockSize = 4096
	s.state = StateStreaming

	var wire bytes.Buffer
	writeInt64(&wire, blockPing)
	writeInt64(&wire, blockEnd)

	require.NoError(t, s.Run(&wire))
	assert.Equal(t, StateDone, s.State())
}

func TestPostProcessTrimsUnusedBlocks(t *testing.T) {
	c := newFakeContainer(3 * 4096)
	s := NewStream("trim-stream", c, 0, 1, nopWriteCloser{&bytes.Buffer{}}, store.NewMemStore(), nil)
	s.state = StateDone

	fs := fakeFSReader{blockSize: 4096, used: map[int64]bool{1: true}}
	require.NoError(t, s.PostProcess(fs, false, true, nil))

	require.Len(t, c.trimmed, 2)
	assert.Equal(t, [2]int64{0, 4096}, c.trimmed[0])
	assert.Equal(t, [2]int64{8192, 4096}, c.trimmed[1])
}

type fakeFSReader struct {
	blockSize int64
	used      map[int64]bool
}

func (f fakeFSReader) BlockSize() int64      { return f.blockSize }
func (f fakeFSReader) HasBlock(i int64) bool { return f.used[i] }
func (f fakeFSReader) Close() error          { return nil }

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }
