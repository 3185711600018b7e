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

// Package zptable loads the NEOWISE zero-point correction table: a
// read-only, in-memory lookup from scan identifier to per-band
// magnitude offsets, plus the minimum MJD present in the table.
package zptable

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/koji0215/neowise-lightcurve/internal/model"
)

// preambleLines is the fixed number of header lines to skip before the
// CSV column header row, per spec.md §6.
const preambleLines = 12

type entry struct {
	w1dmag float64
	w2dmag float64
}

// Table is a read-only lookup from scan_id to per-band zero-point
// offsets. The zero value is an empty table: zero-point correction and
// the MJD cutoff become no-ops, matching spec.md §4.2's "missing file
// is permitted" contract.
type Table struct {
	entries map[string]entry
	minMJD  float64
	hasMin  bool
}

// Load reads the zero-point table from path. A missing file is not an
// error: the returned Table is empty. Grounded on load_zp_stb in
// neowise_to_sqlite.py.
func Load(path string) (*Table, error) {
	if path == "" {
		log.Info("no zero-point table configured; correction and MJD cutoff disabled")
		return &Table{entries: map[string]entry{}}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Warn("zero-point table not found; correction and MJD cutoff disabled")
			return &Table{entries: map[string]entry{}}, nil
		}
		return nil, errors.Wrap(err, "opening zero-point table")
	}
	defer f.Close()

	return parse(f, path)
}

func parse(r io.Reader, path string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	for i := 0; i < preambleLines; i++ {
		if _, err := reader.Read(); err != nil {
			if err == io.EOF {
				return nil, errors.Errorf("zero-point table %s has fewer than %d preamble lines", path, preambleLines)
			}
			return nil, errors.Wrap(err, "skipping zero-point preamble")
		}
	}

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading zero-point header")
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"scan", "mjd", "w1dmag", "w2dmag"} {
		if _, ok := col[required]; !ok {
			return nil, errors.Errorf("zero-point table %s missing required column %q", path, required)
		}
	}

	t := &Table{entries: make(map[string]entry)}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading zero-point row")
		}

		scanID := row[col["scan"]]
		mjd, err := strconv.ParseFloat(row[col["mjd"]], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing mjd for scan %q", scanID)
		}
		w1dmag, err := strconv.ParseFloat(row[col["w1dmag"]], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing w1dmag for scan %q", scanID)
		}
		w2dmag, err := strconv.ParseFloat(row[col["w2dmag"]], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing w2dmag for scan %q", scanID)
		}

		t.entries[scanID] = entry{w1dmag: w1dmag, w2dmag: w2dmag}
		if !t.hasMin || mjd < t.minMJD {
			t.minMJD = mjd
			t.hasMin = true
		}
	}

	log.WithField("entries", len(t.entries)).Info("loaded zero-point table")
	return t, nil
}

// Dmag returns the zero-point offset for the given scan and band, or 0
// when the scan is not present.
func (t *Table) Dmag(scanID string, band model.Band) float64 {
	if t == nil {
		return 0
	}
	e, ok := t.entries[scanID]
	if !ok {
		return 0
	}
	if band == model.W1 {
		return e.w1dmag
	}
	return e.w2dmag
}

// MinMJD returns the minimum MJD present in the table and true, or
// (0, false) when the table is empty — the "no cutoff" case.
func (t *Table) MinMJD() (float64, bool) {
	if t == nil || len(t.entries) == 0 {
		return 0, false
	}
	return t.minMJD, true
}

// Empty reports whether the table has no entries.
func (t *Table) Empty() bool {
	return t == nil || len(t.entries) == 0
}
