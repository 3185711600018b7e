// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package neowiseerr defines the error taxonomy shared by the ingest
// and query paths. Each kind is a sentinel that call sites compare
// against with errors.Is, rather than a string code.
package neowiseerr

import "github.com/pkg/errors"

// The error kinds of spec.md §7. Callers classify failures by wrapping
// one of these sentinels; the Store's own methods return unclassified
// errors, which callers wrap with store.Classify.
var (
	// ErrNotFound covers an empty remote result, zero rows surviving
	// the MJD cutoff, or a source / nearest-neighbour lookup that
	// matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousTarget names the case of a remote result holding
	// more than one distinct allwise_cntr. The Worker Pool resolves
	// that case by keeping the rows of the most frequent value and
	// does not return this error.
	ErrAmbiguousTarget = errors.New("ambiguous target")

	// ErrTransientRemote covers HTTP 5xx, 429, connection reset,
	// proxy error, or timeout — conditions that are retried.
	ErrTransientRemote = errors.New("transient remote error")

	// ErrPermanentRemote covers 4xx other than 429, malformed
	// response, or schema mismatch — not retried.
	ErrPermanentRemote = errors.New("permanent remote error")

	// ErrParseError covers an unparseable tabular response from an
	// otherwise successful HTTP call.
	ErrParseError = errors.New("parse error")

	// ErrLocalIO covers database open, transaction, or filesystem
	// failures. Fatal for the affected worker only.
	ErrLocalIO = errors.New("local I/O error")

	// ErrSetupError covers configuration or input-file errors before
	// workers start. Fatal for the whole run.
	ErrSetupError = errors.New("setup error")

	// ErrAborted is returned by the Retry Controller when a call is
	// cancelled between attempts or during a backoff sleep.
	ErrAborted = errors.New("aborted")

	// ErrBadArgument is returned by the Query Service when neither a
	// source_id nor coordinates were supplied.
	ErrBadArgument = errors.New("bad argument")
)

// AmbiguousTargetError carries the distinct allwise_cntr values seen
// for a cone search, mirroring types.LeaseBusyError's pattern of
// attaching structured detail to a sentinel-wrapped error.
type AmbiguousTargetError struct {
	Candidates map[int64]int // allwise_cntr -> row count
}

func (e *AmbiguousTargetError) Error() string {
	return "multiple allwise_cntr values present in remote result"
}

// Unwrap lets errors.Is(err, ErrAmbiguousTarget) succeed.
func (e *AmbiguousTargetError) Unwrap() error {
	return ErrAmbiguousTarget
}

// AsAmbiguousTarget extracts an *AmbiguousTargetError, mirroring
// types.IsLeaseBusy.
func AsAmbiguousTarget(err error) (target *AmbiguousTargetError, ok bool) {
	ok = errors.As(err, &target)
	return target, ok
}
