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

package vhd

import (
	"unicode/utf16"

	"github.com/uroni/urbackup-backend-sub004/imgerr"
)

// parentPathFromLocators decodes the dynamic header's global UTF-16BE
// parent name field. The eight platform-specific locator records exist for
// Windows/Mac tooling interop; this implementation, like the rest of the
// Linux-hosted engine, relies solely on the portable name field and resolves
// it relative-then-absolute, per the spec's documented convention.
func parentPathFromLocators(hdr *dynamicHeader) (string, error) {
	name := decodeUTF16BE(hdr.ParentUnicodeName[:])
	if name == "" {
		return "", imgerr.New(imgerr.KindParentMissing, "vhd: differencing disk has no parent name", nil)
	}
	return name, nil
}

func decodeUTF16BE(raw []byte) string {
	n := len(raw) / 2
	units := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		u := uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func encodeUTF16BE(s string, fieldLen int) [parentNameFieldLen]byte {
	var out [parentNameFieldLen]byte
	units := utf16.Encode([]rune(s))
	for i, u := range units {
		if 2*i+1 >= fieldLen {
			break
		}
		out[2*i] = byte(u >> 8)
		out[2*i+1] = byte(u)
	}
	return out
}

// parentLocatorLength reports the byte length a parent-path string
// occupies in the locator record (UTF-16), rounded up to the next whole
// 512-byte sector with no upper clamp. The original tooling clamps this to a
// 128-sector constant regardless of actual length, which the spec calls
// out as unclear-if-deliberate; this implementation deliberately does not
// reproduce that clamp; see DESIGN.md.
func parentLocatorLength(name string) uint32 {
	byteLen := len(utf16.Encode([]rune(name))) * 2
	sectors := (byteLen + 511) / 512
	if sectors == 0 {
		sectors = 1
	}
	return uint32(sectors) * 512
}
