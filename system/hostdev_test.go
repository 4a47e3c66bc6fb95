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

//go:build !windows

package system

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBlockDeviceSizeOnRegularFileFails(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "regular")
	require.NoError(t, err)
	defer f.Close()

	_, err = GetBlockDeviceSize(f)
	assert.ErrorIs(t, err, ErrNotABlockDevice)
}

func TestPunchHoleOnRegularFileIsBestEffort(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sparse")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(1<<20))
	// Punching a hole may or may not be supported by the test filesystem;
	// it must never panic and the file must remain the same apparent size.
	_ = PunchHole(f, 0, 4096)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), fi.Size())
}
