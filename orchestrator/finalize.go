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
	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// PostProcess runs the optional step 4 finishing work spec §4.7 describes:
// either materialise the container to a full image (for a configured
// synthesise-full-from-differencing policy) or trim every block the
// filesystem reader reports unused. Exactly one of makeFull or trim should
// be requested; calling with both set runs make_full first, since a fully
// materialised container no longer has a parent chain for trim to defer
// to. Must only be called after Run has returned with State() == Done.
func (s *Stream) PostProcess(fs fsreader.Reader, makeFull, trim bool, cancel *imgengine.CancelToken) error {
	if s.state != StateDone {
		return imgerr.New(imgerr.KindIO, "orchestrator: PostProcess called before stream finished", nil)
	}

	if makeFull {
		if err := s.Container.MakeFull(fs, cancel); err != nil {
			return err
		}
	}

	if trim && fs != nil {
		return TrimUnused(s.Container, fs, s.MBROffset)
	}
	return nil
}

// TrimUnused walks fs's used-block bitmap and trims every maximal run of
// unused blocks on container, coalescing adjacent ones into a single Trim
// call rather than one call per block. mbrOffset shifts fs's block indices
// to the container's own byte offsets, for the common case of a volume
// starting partway into the virtual disk.
func TrimUnused(container imgengine.Container, fs fsreader.Reader, mbrOffset int64) error {
	blockSize := fs.BlockSize()
	if blockSize <= 0 {
		return nil
	}

	runStart := int64(-1)
	flush := func(endExclusive int64) error {
		if runStart < 0 {
			return nil
		}
		off := mbrOffset + runStart*blockSize
		length := (endExclusive - runStart) * blockSize
		runStart = -1
		return container.Trim(off, length)
	}

	blocks := container.VirtualSize() / blockSize
	for i := int64(0); i < blocks; i++ {
		if fs.HasBlock(i) {
			if err := flush(i); err != nil {
				return err
			}
			continue
		}
		if runStart < 0 {
			runStart = i
		}
	}
	return flush(blocks)
}
