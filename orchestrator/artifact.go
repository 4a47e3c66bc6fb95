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
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/uroni/urbackup-backend-sub004/utils"
)

// hashFlushInterval bounds how much of the .hash artefact can be lost to a
// crash before the next periodic Sync: one verified chunk record is 52
// bytes, so this covers several thousand chunks between flushes.
const hashFlushInterval = 256 * 1024

// OpenHashFile opens (creating if necessary) the .hash artefact a Stream
// appends verified-chunk records to, wrapped so it is fsynced periodically
// rather than only at Close, per spec §6's "image.hash" artefact and the
// durability expectations the orchestrator's own Sync coupling implies.
func OpenHashFile(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "orchestrator: opening %q", path)
	}
	return utils.NewFlushingWriter(f, hashFlushInterval), nil
}
