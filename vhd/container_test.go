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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroni/urbackup-backend-sub004/imgengine"
)

func tempVHDPath(t *testing.T, name string) string {
	dir, err := ioutil.TempDir("", "vhdtest-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func TestCreateAndReopenRoundTrips(t *testing.T) {
	path := tempVHDPath(t, "plain.vhd")

	c, err := Create(path, 8*1024*1024, 2*1024*1024)
	require.NoError(t, err)

	data := []byte("hello sparse world")
	_, err = c.WriteAt(data, 1024)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	buf := make([]byte, len(data))
	_, err = reopened.ReadAt(buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestSparseReadAsZero(t *testing.T) {
	path := tempVHDPath(t, "sparse.vhd")
	c, err := Create(path, 4*1024*1024, 1024*1024)
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xAA
	}
	_, err = c.ReadAt(buf, 0)
	require.NoError(t, err)

	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestParentFallThrough(t *testing.T) {
	parentPath := tempVHDPath(t, "parent.vhd")
	parent, err := Create(parentPath, 4*1024*1024, 1024*1024)
	require.NoError(t, err)

	_, err = parent.WriteAt([]byte("parent"), 0)
	require.NoError(t, err)
	require.NoError(t, parent.Sync())

	childPath := tempVHDPath(t, "child.vhd")
	child, err := CreateDifferencing(childPath, parent)
	require.NoError(t, err)

	_, err = child.WriteAt([]byte("child"), parent.BlockSize())
	require.NoError(t, err)
	require.NoError(t, child.Close())
	require.NoError(t, parent.Close())

	reopenedChild, err := Open(childPath, false)
	require.NoError(t, err)
	defer reopenedChild.Close()

	buf := make([]byte, 6)
	_, err = reopenedChild.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "parent", string(buf))

	buf2 := make([]byte, 5)
	_, err = reopenedChild.ReadAt(buf2, reopenedChild.BlockSize())
	require.NoError(t, err)
	assert.Equal(t, "child", string(buf2))

	assert.True(t, reopenedChild.HasParent())
}

func TestWriteAtOutOfRangeFails(t *testing.T) {
	path := tempVHDPath(t, "range.vhd")
	c, err := Create(path, 1024*1024, 256*1024)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.WriteAt([]byte("x"), c.VirtualSize())
	assert.Error(t, err)
}

func TestTrimWithoutParentZeroFills(t *testing.T) {
	path := tempVHDPath(t, "trim.vhd")
	c, err := Create(path, 2*1024*1024, 1024*1024)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.WriteAt([]byte("data-to-trim"), 0)
	require.NoError(t, err)

	require.NoError(t, c.Trim(0, 512))

	buf := make([]byte, 12)
	_, err = c.ReadAt(buf, 0)
	require.NoError(t, err)
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestMakeFullDetachesParent(t *testing.T) {
	parentPath := tempVHDPath(t, "mf-parent.vhd")
	parent, err := Create(parentPath, 2*1024*1024, 1024*1024)
	require.NoError(t, err)
	_, err = parent.WriteAt([]byte("base"), 0)
	require.NoError(t, err)
	require.NoError(t, parent.Sync())

	childPath := tempVHDPath(t, "mf-child.vhd")
	child, err := CreateDifferencing(childPath, parent)
	require.NoError(t, err)
	require.True(t, child.HasParent())

	cancel := imgengine.NewCancelToken()
	err = child.MakeFull(allUsedReader{blockSize: child.BlockSize()}, cancel)
	require.NoError(t, err)
	assert.False(t, child.HasParent())

	buf := make([]byte, 4)
	_, err = child.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "base", string(buf))

	require.NoError(t, child.Close())
}

// allUsedReader is a minimal fsreader.Reader reporting every block used.
type allUsedReader struct {
	blockSize int64
}

func (a allUsedReader) BlockSize() int64      { return a.blockSize }
func (a allUsedReader) HasBlock(int64) bool   { return true }
func (a allUsedReader) Close() error          { return nil }
