// Copyright 2016 Mender Software AS
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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressWriterWrite(t *testing.T) {
	pw := NewProgressWriter(100)
	n, err := pw.Write(make([]byte, 40))
	assert.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestProgressWriterTickAfterReportStoppedIsNoop(t *testing.T) {
	pw := NewProgressWriter(100)
	pw.ReportStopped()
	assert.NotPanics(t, func() {
		pw.Tick(10)
		pw.ReportStopped()
	})
}

func TestProgressWriterSetTotal(t *testing.T) {
	pw := NewProgressWriter(0)
	pw.SetTotal(200)
	assert.NotPanics(t, func() {
		pw.Tick(50)
	})
}
