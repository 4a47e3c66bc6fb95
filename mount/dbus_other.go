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

//go:build !linux

package mount

import (
	"os"

	"github.com/pkg/errors"
)

// ErrNoLoopMount is returned by LoopMount on platforms with no udisks2-style
// broker to register against.
var ErrNoLoopMount = errors.New("mount: no host mount service on this platform")

// LoopMount is unsupported outside Linux; the host image-mount service this
// package integrates with (udisks2) has no equivalent here.
func LoopMount(backing *os.File) (string, error) {
	return "", ErrNoLoopMount
}
