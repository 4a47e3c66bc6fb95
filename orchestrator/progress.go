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

// Package orchestrator drives one ingress image-backup stream end to end:
// preamble parsing, writing data blocks through a Container, per-chunk
// SHA-256 verification with a retry budget, reconnect/resume via a
// checkpoint store, and finalisation (spec C7, §4.7).
package orchestrator

import "time"

// Progress is the observable-progress collaborator the engine drives at
// most once per second (spec §6). Satisfied by utils.ProgressWriter.
type Progress interface {
	SetTotal(bytes int64)
	SetDone(bytes int64)
	SetPercentDone(pct float64)
	SetSpeed(bps float64)
	SetETA(ms int64, setTime time.Time)
	// ReportStopped reports whether the collaborator is asking the stream
	// to stop (e.g. a user-cancelled console session).
	ReportStopped() bool
}

// noopProgress discards every update; used when a caller has no progress
// collaborator to drive.
type noopProgress struct{}

func (noopProgress) SetTotal(int64)             {}
func (noopProgress) SetDone(int64)               {}
func (noopProgress) SetPercentDone(float64)      {}
func (noopProgress) SetSpeed(float64)            {}
func (noopProgress) SetETA(int64, time.Time)     {}
func (noopProgress) ReportStopped() bool         { return false }
