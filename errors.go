/*
// Copyright contributors to the Virtual Machine Manager for Go project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
*/

package launcher

import (
	"fmt"
	"strings"
)

// Kind classifies a launcher error at the boundary so a caller (the CLI,
// a test) can decide on an exit code without string-matching messages.
type Kind int

const (
	// ConfigInvalid covers missing/ill-typed fields and incompatible
	// combinations in the YAML surface.
	ConfigInvalid Kind = iota
	// SpawnFailed covers fork/exec and pre-exec setup failures.
	SpawnFailed
	// QmpFailed covers malformed frames, EOF, error replies and
	// topology/pinning mismatches.
	QmpFailed
	// CgroupFailed covers mount, directory or pseudo-file failures
	// during cpuset setup.
	CgroupFailed
	// SchedulerFailed covers policy/priority application failures.
	SchedulerFailed
	// ChildFailed marks a non-zero child exit status.
	ChildFailed
	// RollbackDegraded marks that one or more rollback steps failed.
	// It never replaces a primary error; it is attached alongside it.
	RollbackDegraded
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case SpawnFailed:
		return "SpawnFailed"
	case QmpFailed:
		return "QmpFailed"
	case CgroupFailed:
		return "CgroupFailed"
	case SchedulerFailed:
		return "SchedulerFailed"
	case ChildFailed:
		return "ChildFailed"
	case RollbackDegraded:
		return "RollbackDegraded"
	default:
		return "Unknown"
	}
}

// Error is the boundary error type: a Kind plus the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// wrap produces a *Error of the given kind, or nil if cause is nil.
func wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

func wrapf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// RollbackReport aggregates the errors produced by best-effort teardown.
// It never masks the primary error that triggered the unwind; the
// orchestrator logs it and, in debug mode, prints it to the caller.
type RollbackReport struct {
	Failures []error
}

func (r *RollbackReport) Add(err error) {
	if err != nil {
		r.Failures = append(r.Failures, err)
	}
}

func (r *RollbackReport) HasFailures() bool {
	return len(r.Failures) > 0
}

func (r *RollbackReport) Error() string {
	msgs := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d rollback step(s) failed: %s", len(r.Failures), strings.Join(msgs, "; "))
}

func (r *RollbackReport) AsError() error {
	if !r.HasFailures() {
		return nil
	}
	return &Error{Kind: RollbackDegraded, Cause: r}
}
