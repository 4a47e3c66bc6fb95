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

// Package imgopen sniffs a container file's magic and constructs the right
// concrete imgengine.Container. It lives outside both vhd and vhdx because
// each of those packages already imports imgengine for the Container
// interface and CancelToken type, so imgengine itself cannot import them
// back without a cycle.
package imgopen

import (
	"os"

	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgerr"
	"github.com/uroni/urbackup-backend-sub004/vhd"
	"github.com/uroni/urbackup-backend-sub004/vhdx"
)

const sniffLen = 8

// Open inspects the magic at the start of path and opens it through the
// matching container package.
func Open(path string, readOnly bool) (imgengine.Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "imgopen: opening %q", path)
	}
	magic := make([]byte, sniffLen)
	_, err = f.ReadAt(magic, 0)
	f.Close()
	if err != nil {
		return nil, imgerr.Wrap(imgerr.KindIO, err, "imgopen: reading magic from %q", path)
	}

	switch string(magic) {
	case "conectix":
		return vhd.Open(path, readOnly)
	case "vhdxfile":
		return vhdx.Open(path, readOnly)
	default:
		return nil, imgerr.Wrap(imgerr.KindCorrupt, imgerr.ErrCorrupt, "imgopen: %q has no recognised container magic", path)
	}
}
