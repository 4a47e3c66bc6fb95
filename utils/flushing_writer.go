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

import "os"

// FlushingWriter forces a Sync every FlushIntervalBytes written, so a
// long-running sequential writer (the .hash artefact growing one chunk
// record at a time) doesn't depend on a final Close to make its earlier
// records durable.
type FlushingWriter struct {
	f                     *os.File
	FlushIntervalBytes    uint64
	unflushedBytesWritten uint64
}

// NewFlushingWriter wraps f, flushing every flushIntervalBytes written.
// flushIntervalBytes == 0 flushes after every Write.
func NewFlushingWriter(f *os.File, flushIntervalBytes uint64) *FlushingWriter {
	return &FlushingWriter{f: f, FlushIntervalBytes: flushIntervalBytes}
}

func (fw *FlushingWriter) Write(p []byte) (int, error) {
	n, err := fw.f.Write(p)
	fw.unflushedBytesWritten += uint64(n)
	if err != nil {
		return n, err
	}
	if fw.unflushedBytesWritten >= fw.FlushIntervalBytes {
		err = fw.Sync()
	}
	return n, err
}

func (fw *FlushingWriter) Sync() error {
	err := fw.f.Sync()
	fw.unflushedBytesWritten = 0
	return err
}

func (fw *FlushingWriter) Close() error {
	return fw.f.Close()
}
