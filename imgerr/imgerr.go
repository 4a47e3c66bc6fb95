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

// Package imgerr defines the error taxonomy surfaced by the virtual-disk
// image engine (containers, filesystem readers, orchestrator).
package imgerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an engine error. Callers should compare with errors.Is
// against the sentinel of the same name, not by inspecting Kind directly.
type Kind int

const (
	// KindIO marks an underlying read/write/resize/sync failure.
	KindIO Kind = iota
	// KindCorrupt marks a signature or CRC mismatch that cannot be repaired.
	KindCorrupt
	// KindLogReplayFailed marks a log that exists but cannot be applied.
	KindLogReplayFailed
	// KindParentMismatch marks a parent link GUID disagreement.
	KindParentMismatch
	// KindParentMissing marks a parent file that cannot be located.
	KindParentMissing
	// KindOutOfRange marks a request crossing virtual_size.
	KindOutOfRange
	// KindReadOnly marks a write attempted on a read-only container.
	KindReadOnly
	// KindStreamChecksum marks an ingress SHA-256 verification failure.
	KindStreamChecksum
	// KindCancelled marks a collaborator-requested stop.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindLogReplayFailed:
		return "log replay failed"
	case KindParentMismatch:
		return "parent mismatch"
	case KindParentMissing:
		return "parent missing"
	case KindOutOfRange:
		return "out of range"
	case KindReadOnly:
		return "read only"
	case KindStreamChecksum:
		return "stream checksum"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is comparisons. Wrap one of these with New to attach
// call-site context without losing the Kind.
var (
	ErrIO             = errors.New("io error")
	ErrCorrupt        = errors.New("corrupt container")
	ErrLogReplayFailed = errors.New("log replay failed")
	ErrParentMismatch = errors.New("parent mismatch")
	ErrParentMissing  = errors.New("parent missing")
	ErrOutOfRange     = errors.New("out of range")
	ErrReadOnly       = errors.New("container is read only")
	ErrStreamChecksum = errors.New("stream checksum mismatch")
	ErrCancelled      = errors.New("cancelled")
)

var sentinelForKind = map[Kind]error{
	KindIO:             ErrIO,
	KindCorrupt:        ErrCorrupt,
	KindLogReplayFailed: ErrLogReplayFailed,
	KindParentMismatch: ErrParentMismatch,
	KindParentMissing:  ErrParentMissing,
	KindOutOfRange:     ErrOutOfRange,
	KindReadOnly:       ErrReadOnly,
	KindStreamChecksum: ErrStreamChecksum,
	KindCancelled:      ErrCancelled,
}

// Error is an engine error carrying its taxonomy Kind alongside the
// underlying cause, so callers can branch on Kind while errors.Is/As still
// sees through to the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the taxonomy sentinel for e's Kind, so
// errors.Is(err, imgerr.ErrCorrupt) works without the caller knowing about
// the *Error wrapper.
func (e *Error) Is(target error) bool {
	return target == sentinelForKind[e.Kind]
}

// New wraps err with op context under kind. If err is nil, the sentinel for
// kind is used as the cause.
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = sentinelForKind[kind]
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is New with a pkg/errors-style formatted operation string.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...), Err: err}
}
