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
package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMSBFirstOrientation(t *testing.T) {
	b := NewMSBFirst(8)
	b.Set(0, true)
	assert.Equal(t, byte(0x80), b.Bytes()[0])
	b.Set(7, true)
	assert.Equal(t, byte(0x81), b.Bytes()[0])
}

func TestLSBFirstOrientation(t *testing.T) {
	b := NewLSBFirst(8)
	b.Set(0, true)
	assert.Equal(t, byte(0x01), b.Bytes()[0])
	b.Set(7, true)
	assert.Equal(t, byte(0x81), b.Bytes()[0])
}

func TestSetRangeAndAnyInRange(t *testing.T) {
	b := NewLSBFirst(64)
	assert.False(t, b.AnyInRange(0, 64))
	b.SetRange(10, 20, true)
	assert.True(t, b.AnyInRange(0, 64))
	assert.True(t, b.AnyInRange(15, 1))
	assert.False(t, b.AnyInRange(20, 10))
	b.SetRange(10, 20, false)
	assert.False(t, b.AnyInRange(0, 64))
}

func TestAllOnes(t *testing.T) {
	b := AllOnes(10)
	for i := 0; i < 10; i++ {
		assert.True(t, b.Get(i), "bit %d", i)
	}
}

func TestWrapPreservesBacking(t *testing.T) {
	buf := make([]byte, 2)
	b := WrapLSBFirst(buf, 16)
	b.Set(0, true)
	assert.Equal(t, byte(1), buf[0])
}
