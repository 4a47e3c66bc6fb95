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

// Unknown is the conservative fallback Reader: every block is reported
// used, so MakeFull/Trim never discard data on an unrecognised filesystem.
type Unknown struct {
	blockSize int64
}

// NewUnknown returns an Unknown reader reporting blockSize-byte blocks, all
// used. blockSize is typically the host's logical sector size.
func NewUnknown(blockSize int64) *Unknown {
	return &Unknown{blockSize: blockSize}
}

func (u *Unknown) BlockSize() int64 { return u.blockSize }

func (u *Unknown) HasBlock(index int64) bool { return true }

func (u *Unknown) Close() error { return nil }
