// Copyright 2017 Northern.tech AS
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

package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStoreCheckpointRoundTrip(t *testing.T) {
	streamID := "stream-42"
	checkpoint := []byte("last_verified_block:7")

	ms := NewMemStore()
	err := ms.WriteAll(streamID, checkpoint)
	assert.NoError(t, err)

	read, err := ms.ReadAll(streamID)
	assert.NoError(t, err)
	assert.Equal(t, checkpoint, read)

	err = ms.Remove(streamID)
	assert.NoError(t, err)

	read, err = ms.ReadAll(streamID)
	assert.Empty(t, read)
	assert.EqualError(t, err, os.ErrNotExist.Error())

	err = ms.WriteAll(streamID, checkpoint)
	assert.NoError(t, err)

	ms.Disable(true)

	err = ms.WriteAll("other-stream", checkpoint)
	assert.EqualError(t, err, errDisabled.Error())

	ms.Disable(false)

	err = ms.WriteAll("other-stream", checkpoint)
	assert.NoError(t, err)

	err = ms.Close()
	assert.NoError(t, err)
}
