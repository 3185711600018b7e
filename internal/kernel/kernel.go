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

// Package kernel implements the deterministic quality-filter and
// epoch-aggregation recipe shared by ingest and the Query Service.
//
// The recipe operates on typed per-row records with straightforward
// loops rather than a DataFrame, per spec.md §9: grouping by epoch_id
// is a single linear pass over an already-sorted sequence, and
// rounding is applied explicitly so that results are reproducible.
package kernel

import (
	"math"
	"sort"

	"github.com/koji0215/neowise-lightcurve/internal/model"
)

// ZeroPointSource supplies the zero-point lookup the Kernel needs; it
// is satisfied by *zptable.Table. Declared as an interface here so the
// Kernel package does not import zptable (avoids an import cycle and
// keeps the Kernel a pure, independently testable unit).
type ZeroPointSource interface {
	Dmag(scanID string, band model.Band) float64
	MinMJD() (float64, bool)
	Empty() bool
}

// epochGapDays is the minimum gap, in days, that marks a new epoch
// boundary (spec.md §4.3 step 7).
const epochGapDays = 100.0

// snrPrimaryThreshold and snrFallbackThreshold are the two SNR cuts
// tried in order when selecting epochs (spec.md §4.3 step 8).
const (
	snrPrimaryThreshold  = 300.0
	snrFallbackThreshold = 10.0
)

// Run applies the filter and aggregation recipe to one source's raw
// rows for a single band. It returns two independent things: the
// corrected-raw rows (every row that survives the null check and MJD
// cutoff, zero-point corrected, regardless of whether the quality
// filter, sigma clipping, or the per-epoch SNR cut would keep it) for
// persistence as RawObservations, and the retained epoch summaries
// from the full quality-filter/sigma-clip/SNR pipeline. Keeping the
// corrected-raw set independent of the epoch-selection pipeline lets a
// query-time re-run with loosened toggles recover rows the ingest-time
// defaults discarded from aggregation, per spec.md §8 scenario 6 and
// the original _save_raw_observations, which corrects every
// MJD-cutoff-surviving row regardless of the filter used for epochs.
//
// rows must all belong to the same band; callers invoke Run once per
// band.
func Run(rows []model.RawObservation, band model.Band, zp ZeroPointSource, toggles model.FilterToggles) ([]model.RawObservation, []model.EpochSummary) {
	idx := band.Index()

	// Step 1: drop non-measurements.
	kept := make([]model.RawObservation, 0, len(rows))
	for _, r := range rows {
		if r.Mpro == nil || math.IsNaN(*r.Mpro) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	// Step 2: MJD cutoff.
	if zp != nil && !zp.Empty() {
		if minMJD, ok := zp.MinMJD(); ok {
			filtered := kept[:0:0]
			for _, r := range kept {
				if r.MJD > minMJD {
					filtered = append(filtered, r)
				}
			}
			kept = filtered
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	// Step 4: zero-point correction, applied to every surviving row
	// independent of the quality filter below — this is the set that
	// gets persisted as RawObservations.
	allCorrected := make([]model.RawObservation, len(kept))
	for i, r := range kept {
		mag := *r.Mpro
		if toggles.ZPCorrection && zp != nil {
			mag -= zp.Dmag(r.ScanID, band)
		}
		mag = round4(mag)
		r.MproCorrected = &mag
		allCorrected[i] = r
	}
	if len(allCorrected) == 0 {
		return nil, nil
	}

	// Step 3: quality filter, all enabled predicates conjunctively —
	// only the epoch-aggregation pipeline from here on is restricted
	// to quality-passing rows.
	kept = allCorrected[:0:0]
	for _, r := range allCorrected {
		if passesQualityFilter(r, idx, toggles) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return allCorrected, nil
	}

	// Step 5: sigma clipping.
	if toggles.SigmaClipping {
		kept = sigmaClip(kept)
	}
	if len(kept) == 0 {
		return allCorrected, nil
	}

	// Step 7: epoch grouping (sort ascending by mjd, assign epoch_id).
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].MJD < kept[j].MJD })
	epochOf := make([]int, len(kept))
	epoch := 0
	for i := range kept {
		if i > 0 && kept[i].MJD-kept[i-1].MJD >= epochGapDays {
			epoch++
		}
		epochOf[i] = epoch
	}

	// Step 6 + 8: flux transform, per-epoch SNR, epoch selection.
	type epochAccum struct {
		rows         []int // indices into kept
		fluxSum      float64
		fluxErrSqSum float64
	}
	accum := make(map[int]*epochAccum)
	order := make([]int, 0)
	for i, r := range kept {
		mag := *r.MproCorrected
		var sigmpro float64
		if r.Sigmpro != nil {
			sigmpro = *r.Sigmpro
		}
		flux := math.Pow(10, -0.4*mag)
		fluxErr := flux * (math.Pow(10, 0.4*sigmpro) - 1)

		e, ok := accum[epochOf[i]]
		if !ok {
			e = &epochAccum{}
			accum[epochOf[i]] = e
			order = append(order, epochOf[i])
		}
		e.rows = append(e.rows, i)
		e.fluxSum += flux
		e.fluxErrSqSum += fluxErr * fluxErr
	}

	snrOf := make(map[int]float64, len(accum))
	for id, e := range accum {
		denom := math.Sqrt(e.fluxErrSqSum)
		var snr float64
		if denom == 0 {
			snr = math.Inf(1)
		} else {
			snr = e.fluxSum / denom
		}
		snrOf[id] = snr
	}

	selected := selectEpochIDs(order, snrOf, snrPrimaryThreshold)
	if len(selected) == 0 {
		selected = selectEpochIDs(order, snrOf, snrFallbackThreshold)
	}
	if len(selected) == 0 {
		return allCorrected, nil
	}
	selectedSet := make(map[int]bool, len(selected))
	for _, id := range selected {
		selectedSet[id] = true
	}

	// Step 9: aggregate each retained epoch. Renumber epoch_id to a
	// contiguous range over the retained epochs, in ascending mjd
	// order, per spec.md §8's contiguity invariant.
	var summaries []model.EpochSummary
	newID := 0
	for _, id := range order {
		if !selectedSet[id] {
			continue
		}
		e := accum[id]
		n := len(e.rows)

		var mjdSum, magSum float64
		fluxMean := e.fluxSum / float64(n)
		for _, i := range e.rows {
			mjdSum += kept[i].MJD
			magSum += *kept[i].MproCorrected
		}
		mjdMean := mjdSum / float64(n)
		magMean := magSum / float64(n)

		var magSE float64
		if n > 1 {
			var ss float64
			for _, i := range e.rows {
				d := *kept[i].MproCorrected - magMean
				ss += d * d
			}
			sampleStd := math.Sqrt(ss / float64(n-1))
			magSE = sampleStd / math.Sqrt(float64(n))
		}

		ratio := (fluxMean - math.Sqrt(e.fluxErrSqSum)/float64(n)) / fluxMean
		magLimVal := -2.5 * math.Log10(ratio)
		var magLim *float64
		if !math.IsNaN(magLimVal) && !math.IsInf(magLimVal, 0) {
			v := round4(magLimVal)
			magLim = &v
		}

		snr := round2(snrOf[id])

		summaries = append(summaries, model.EpochSummary{
			Band:          band,
			EpochID:       newID,
			MJDMean:       int64(math.Round(mjdMean)),
			MagMean:       round4(magMean),
			MagSE:         round4(magSE),
			MagLim:        magLim,
			NPoints:       n,
			SNR:           &snr,
			FilterApplied: model.DefaultFilterTag,
		})
		newID++
	}

	return allCorrected, summaries
}

// FilterRows applies the quality filter and, if enabled, sigma clipping
// to an already zero-point-corrected row set — without epoch grouping
// or SNR selection — for callers that need toggle-sensitive per-
// exposure rows rather than epoch aggregates. This is how the Query
// Service's raw-mode re-run recovers the toggle sensitivity Run's first
// return value deliberately gives up: app_custom.py's raw=true branch
// applies its own inline apply_cc_flags/apply_sso_flg/.../
// apply_sigma_clipping mask directly to neowise_raw_observations rows
// before returning them (spec.md §8 scenario 6), separately from the
// epoch-aggregation pipeline in neowise_to_sqlite.py that Run's second
// return value is grounded on.
func FilterRows(rows []model.RawObservation, band model.Band, toggles model.FilterToggles) []model.RawObservation {
	idx := band.Index()
	kept := rows[:0:0]
	for _, r := range rows {
		if passesQualityFilter(r, idx, toggles) {
			kept = append(kept, r)
		}
	}
	if toggles.SigmaClipping {
		kept = sigmaClip(kept)
	}
	return kept
}

func passesQualityFilter(r model.RawObservation, idx int, t model.FilterToggles) bool {
	if t.CCFlags && !flagAt(r.CCFlags, idx, '0') {
		return false
	}
	if t.SsoFlg && r.SsoFlg != 0 {
		return false
	}
	if t.QiFact && r.QiFact != 1.0 {
		return false
	}
	if t.SaaSep && r.SaaSep < 5.0 {
		return false
	}
	if t.PhQual && !flagAt(r.PhQual, idx, 'A') {
		return false
	}
	if t.MoonMasked && !flagAt(r.MoonMasked, idx, '0') {
		return false
	}
	if t.Sat && r.Sat > 0.05 {
		return false
	}
	if t.Rchi2 && r.Rchi2 > 50 {
		return false
	}
	if t.QualFrame && r.QualFrame <= 0.0 {
		return false
	}
	if t.Sky && r.Sky == nil {
		return false
	}
	return true
}

func flagAt(flags string, idx int, want byte) bool {
	if idx < 0 || idx >= len(flags) {
		return false
	}
	return flags[idx] == want
}

// sigmaClip retains rows within 3 sample standard deviations of the
// mean of their (already zero-point corrected) magnitudes. If sigma is
// zero or non-finite, every row is kept.
func sigmaClip(rows []model.RawObservation) []model.RawObservation {
	n := len(rows)
	if n == 0 {
		return rows
	}
	var sum float64
	for _, r := range rows {
		sum += *r.MproCorrected
	}
	mean := sum / float64(n)

	if n == 1 {
		return rows
	}
	var ss float64
	for _, r := range rows {
		d := *r.MproCorrected - mean
		ss += d * d
	}
	sigma := math.Sqrt(ss / float64(n-1))
	if sigma == 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return rows
	}

	out := rows[:0:0]
	for _, r := range rows {
		if math.Abs(*r.MproCorrected-mean) <= 3*sigma {
			out = append(out, r)
		}
	}
	return out
}

// selectEpochIDs returns, in the original insertion order, the epoch
// IDs whose SNR meets or exceeds threshold.
func selectEpochIDs(order []int, snrOf map[int]float64, threshold float64) []int {
	var out []int
	for _, id := range order {
		if snrOf[id] >= threshold {
			out = append(out, id)
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func round2(v float64) float64 {
	return math.Round(v*1e2) / 1e2
}
