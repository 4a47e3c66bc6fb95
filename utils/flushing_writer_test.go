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

package utils

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T) *os.File {
	dir, err := ioutil.TempDir("", "flushing-writer-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f, err := os.Create(filepath.Join(dir, "out"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFlushingWriterFlushesAfterInterval(t *testing.T) {
	f := tempFile(t)
	fw := NewFlushingWriter(f, 4)

	n, err := fw.Write([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 2, fw.unflushedBytesWritten)

	n, err = fw.Write([]byte("cd"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 0, fw.unflushedBytesWritten)
}

func TestFlushingWriterZeroIntervalFlushesEveryWrite(t *testing.T) {
	f := tempFile(t)
	fw := NewFlushingWriter(f, 0)

	_, err := fw.Write([]byte("x"))
	require.NoError(t, err)
	require.EqualValues(t, 0, fw.unflushedBytesWritten)
}

func TestFlushingWriterCloseClosesFile(t *testing.T) {
	f := tempFile(t)
	fw := NewFlushingWriter(f, 1024)

	require.NoError(t, fw.Close())
	_, err := f.Write([]byte("x"))
	require.Error(t, err)
}
