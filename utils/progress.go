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
	"time"

	"github.com/mendersoftware/progressbar"
)

// ProgressWriter counts bytes written through it and drives a console
// progress bar, satisfying orchestrator.Progress for the ingress stream
// (spec C7, §6).
type ProgressWriter struct {
	bar      *progressbar.Bar
	finished bool

	done    int64
	pct     float64
	speed   float64
	etaMS   int64
	etaSet  time.Time
}

// NewProgressWriter creates a bar tracking size total bytes.
func NewProgressWriter(size int64) *ProgressWriter {
	return &ProgressWriter{bar: progressbar.New(size)}
}

func (p *ProgressWriter) Write(data []byte) (int, error) {
	n := len(data)
	p.Tick(uint64(n))
	return n, nil
}

// Tick advances the bar by n bytes without requiring a Write call, for
// callers that verify/checksum a block instead of streaming it through an
// io.Writer.
func (p *ProgressWriter) Tick(n uint64) {
	if p.finished {
		return
	}
	p.bar.Tick(int64(n))
	p.done += int64(n)
}

// SetTotal resets the bar's total, used when the orchestrator learns
// expected_blocks only after the ingress preamble has been read.
func (p *ProgressWriter) SetTotal(total int64) {
	p.bar.Size = total
}

// SetDone overrides the bytes-transferred counter directly, for callers
// that recompute it rather than accumulate via Tick (e.g. after a resume).
func (p *ProgressWriter) SetDone(bytes int64) {
	if p.finished {
		return
	}
	delta := bytes - p.done
	if delta > 0 {
		p.bar.Tick(delta)
	}
	p.done = bytes
}

// SetPercentDone records the orchestrator's own percent-complete figure,
// which may account for chunk verification retries the raw byte count
// does not reflect.
func (p *ProgressWriter) SetPercentDone(pct float64) { p.pct = pct }

// SetSpeed records the current transfer rate in bytes per second.
func (p *ProgressWriter) SetSpeed(bps float64) { p.speed = bps }

// SetETA records an exponentially-smoothed time-remaining estimate and the
// instant it was computed, per spec §6's `set_eta(ms, set_time)`.
func (p *ProgressWriter) SetETA(ms int64, setTime time.Time) {
	p.etaMS = ms
	p.etaSet = setTime
}

// ReportStopped finalizes the bar, e.g. on cancellation or a terminal
// error, and reports whether the console session asked to stop. This
// console implementation never originates a stop request of its own, so it
// always returns false.
func (p *ProgressWriter) ReportStopped() bool {
	if p.finished {
		return false
	}
	p.finished = true
	p.bar.Finish()
	return false
}
