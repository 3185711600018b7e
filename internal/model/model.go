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

// Package model contains the data types shared across the ingestion
// and query paths: sources, per-exposure observations, and per-epoch
// summaries.
package model

import "time"

// Band identifies one of the two NEOWISE photometric bands.
type Band string

// The two bands this pipeline ingests.
const (
	W1 Band = "W1"
	W2 Band = "W2"
)

// Index returns the per-character flag position for this band: 0 for
// W1, 1 for W2.
func (b Band) Index() int {
	if b == W1 {
		return 0
	}
	return 1
}

// Source is one astronomical target.
type Source struct {
	SourceID    string
	RA          float64
	Dec         float64
	AllwiseCntr *int64
	CreatedAt   time.Time
}

// RawObservation is one single-exposure, single-band measurement.
type RawObservation struct {
	SourceID      string
	MJD           float64
	Band          Band
	Mpro          *float64
	Sigmpro       *float64
	CCFlags       string
	PhQual        string
	MoonMasked    string
	SsoFlg        int
	QiFact        float64
	SaaSep        float64
	Sat           float64
	Rchi2         float64
	QualFrame     float64
	Sky           *float64
	ScanID        string
	MproCorrected *float64
}

// EpochSummary is one (source, band, epoch) aggregate row.
type EpochSummary struct {
	SourceID       string
	Band           Band
	EpochID        int
	MJDMean        int64
	MagMean        float64
	MagSE          float64
	MagLim         *float64
	NPoints        int
	SNR            *float64
	FilterApplied  string
}

// DefaultFilterTag is the filter_applied value stamped on ingest-time
// epoch summaries.
const DefaultFilterTag = "default"

// FilterToggles enumerate the boolean knobs of the quality filter and
// correction pipeline. All default true, matching spec.md §6's
// "Query-time filter toggles" table.
type FilterToggles struct {
	CCFlags       bool
	SsoFlg        bool
	QiFact        bool
	SaaSep        bool
	PhQual        bool
	MoonMasked    bool
	Sat           bool
	Rchi2         bool
	QualFrame     bool
	Sky           bool
	ZPCorrection  bool
	SigmaClipping bool
}

// DefaultToggles returns every toggle enabled, the configuration used
// at ingest time.
func DefaultToggles() FilterToggles {
	return FilterToggles{
		CCFlags:       true,
		SsoFlg:        true,
		QiFact:        true,
		SaaSep:        true,
		PhQual:        true,
		MoonMasked:    true,
		Sat:           true,
		Rchi2:         true,
		QualFrame:     true,
		Sky:           true,
		ZPCorrection:  true,
		SigmaClipping: true,
	}
}

// FetchMode is a tagged variant selecting how the Remote Fetcher
// queries the catalog for one work item: a plain cone search, or an
// identifier (TAP/ADQL) search keyed on an AllWISE designation. This
// models spec.md §9's "dynamic method selection" redesign flag as a
// value rather than a per-run boolean.
type FetchMode struct {
	// Identifier, if non-empty, requests a TAP designation search.
	// Callers must fall back to a cone search when it is empty.
	Identifier string
}

// IsCone reports whether this mode resolves to a cone search.
func (m FetchMode) IsCone() bool {
	return m.Identifier == ""
}

// WorkItem is one unit of ingest work handed to the Worker Pool.
type WorkItem struct {
	SourceID   string
	RA         float64
	Dec        float64
	AllwiseID  string // optional, from the source list's AllWISE_ID column
}
