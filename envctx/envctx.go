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

// Package envctx carries the small set of process-wide collaborators the
// engine needs (clock, randomness) as an explicit value instead of globals,
// per the teacher's "Globals" design note. Logging stays a package-level
// logrus call, as in the rest of the teacher's codebase; it is not part of
// Env.
package envctx

import (
	"crypto/rand"
	"io"
	"time"
)

// Env bundles the engine's process-wide collaborators. The zero value is
// usable and resolves to real time and crypto/rand.
type Env struct {
	// Clock returns the current time. The orchestrator's Stream uses it to
	// throttle progress reports; overridden in tests for deterministic time.
	Clock func() time.Time
	// Rand is a source of randomness. The container packages do not read
	// it; they generate GUIDs with github.com/google/uuid directly.
	Rand io.Reader
}

// Default returns an Env backed by the real wall clock and crypto/rand.
func Default() Env {
	return Env{Clock: time.Now, Rand: rand.Reader}
}

// Now returns e.Clock() if set, else time.Now().
func (e Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Random returns e.Rand if set, else crypto/rand.Reader.
func (e Env) Random() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}
