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

// Package query serves raw and epoch-aggregated light curves from
// persisted data, re-running the Kernel on demand under a caller-
// supplied filter toggle set. There is no HTTP layer here — callers
// map the returned taxonomy errors to whatever transport they use,
// grounded on get_neowise_lightcurve / get_neowise_filtered_data in
// original_source's app_custom.py.
package query

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/koji0215/neowise-lightcurve/internal/kernel"
	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
	"github.com/koji0215/neowise-lightcurve/internal/store"
)

// nearestNeighborCutoffDeg is the small-angle match radius: 3
// arcseconds, per spec.md §4.8.
const nearestNeighborCutoffDeg = 3.0 / 3600.0

// ZeroPointSource mirrors kernel.ZeroPointSource so this package need
// not import zptable directly.
type ZeroPointSource = kernel.ZeroPointSource

// Request describes one light-curve lookup.
type Request struct {
	SourceID string // if empty, RA/Dec locate the nearest source
	RA       float64
	Dec      float64
	Raw      bool // true: per-exposure rows; false: epoch summaries (default)
	Toggles  model.FilterToggles
}

// Observation is one point on the merged (W1, W2) light curve.
type Observation struct {
	MJD    float64
	W1Mag  *float64
	W1Err  *float64
	W2Mag  *float64
	W2Err  *float64
}

// LightCurve is one source's merged light curve.
type LightCurve struct {
	Source       model.Source
	Observations []Observation
}

// Service answers light-curve queries against a Store.
type Service struct {
	store *store.Store
}

// New builds a Service over an already-open Store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// GetLightCurve resolves req to a source (by ID or nearest-neighbour),
// reads the persisted rows, re-runs the Kernel with req.Toggles when
// req.Raw requests per-exposure data, and returns the merged light
// curve.
func (s *Service) GetLightCurve(req Request) (*LightCurve, error) {
	if req.SourceID == "" && (req.RA == 0 && req.Dec == 0) {
		return nil, errors.Wrap(neowiseerr.ErrBadArgument, "either source_id or (ra, dec) must be provided")
	}

	src, err := s.resolveSource(req)
	if err != nil {
		return nil, err
	}

	if req.Raw {
		return s.rawLightCurve(src, req.Toggles)
	}
	return s.epochLightCurve(src)
}

// ListSources returns every ingested source, mirroring the /api/list
// read path in app_custom.py.
func (s *Service) ListSources() ([]model.Source, error) {
	sources, err := s.store.ListSources()
	if err != nil {
		return nil, store.Classify(err)
	}
	return sources, nil
}

func (s *Service) resolveSource(req Request) (model.Source, error) {
	if req.SourceID != "" {
		sources, err := s.store.ListSources()
		if err != nil {
			return model.Source{}, store.Classify(err)
		}
		for _, src := range sources {
			if src.SourceID == req.SourceID {
				return src, nil
			}
		}
		return model.Source{}, errors.Wrapf(neowiseerr.ErrNotFound, "source_id %q", req.SourceID)
	}

	sources, err := s.store.ListSources()
	if err != nil {
		return model.Source{}, store.Classify(err)
	}
	if len(sources) == 0 {
		return model.Source{}, errors.Wrap(neowiseerr.ErrNotFound, "store contains no sources")
	}

	best := sources[0]
	bestDist := math.Hypot(best.RA-req.RA, best.Dec-req.Dec)
	for _, src := range sources[1:] {
		d := math.Hypot(src.RA-req.RA, src.Dec-req.Dec)
		if d < bestDist {
			best, bestDist = src, d
		}
	}
	if bestDist > nearestNeighborCutoffDeg {
		return model.Source{}, errors.Wrapf(neowiseerr.ErrNotFound, "no source within %.5f deg of (%f, %f)", nearestNeighborCutoffDeg, req.RA, req.Dec)
	}
	return best, nil
}

// rawLightCurve returns per-exposure observations. It re-applies the
// zero-point correction and, unless the caller's toggles disable them,
// the quality filter and sigma clipping to the persisted raw rows, so
// the result always reflects the requested toggle set — per spec.md §8
// scenario 6 and app_custom.py's raw=true branch, which masks
// neowise_raw_observations rows with its own inline apply_cc_flags/
// apply_sso_flg/.../apply_sigma_clipping predicates rather than
// delegating to the epoch-aggregation pipeline. kernel.Run's first
// return value only carries the zero-point correction (it is
// deliberately independent of the quality filter, for ingest-time
// persistence); kernel.FilterRows applies the rest on top.
func (s *Service) rawLightCurve(src model.Source, toggles model.FilterToggles) (*LightCurve, error) {
	rows, err := s.store.FetchRawForSource(src.SourceID)
	if err != nil {
		return nil, store.Classify(err)
	}

	w1, w2 := splitBands(rows)
	replay := replayZeroPoints(rows)
	corrected1, _ := kernel.Run(w1, model.W1, replay, toggles)
	corrected2, _ := kernel.Run(w2, model.W2, replay, toggles)
	filtered1 := kernel.FilterRows(corrected1, model.W1, toggles)
	filtered2 := kernel.FilterRows(corrected2, model.W2, toggles)

	return &LightCurve{Source: src, Observations: mergeRawObservations(filtered1, filtered2)}, nil
}

func (s *Service) epochLightCurve(src model.Source) (*LightCurve, error) {
	rows, err := s.store.FetchEpochForSource(src.SourceID)
	if err != nil {
		return nil, store.Classify(err)
	}
	return &LightCurve{Source: src, Observations: mergeEpochObservations(rows)}, nil
}

func splitBands(rows []model.RawObservation) ([]model.RawObservation, []model.RawObservation) {
	var w1, w2 []model.RawObservation
	for _, r := range rows {
		if r.Band == model.W1 {
			w1 = append(w1, r)
		} else {
			w2 = append(w2, r)
		}
	}
	return w1, w2
}

// replayZeroPoints reconstructs the zero-point offset applied to each
// (scan_id, band) at ingest time from the persisted mpro/mpro_corrected
// pair, so the Kernel's zero-point correction step can be replayed at
// query time without reloading the ZP Table — the Query Service has no
// access to it, per spec.md §4.8's dataflow (Store → Kernel → caller).
// MinMJD/Empty always report "no cutoff": the persisted rows already
// passed the ingest-time MJD cutoff, so re-applying it would be a
// no-op at best and wrong if the table were ever reloaded with a
// different minimum.
type replayZeroPointSource map[string]float64

func replayZeroPoints(rows []model.RawObservation) replayZeroPointSource {
	out := make(replayZeroPointSource, len(rows))
	for _, r := range rows {
		if r.Mpro == nil || r.MproCorrected == nil || r.ScanID == "" {
			continue
		}
		out[string(r.Band)+"|"+r.ScanID] = *r.Mpro - *r.MproCorrected
	}
	return out
}

func (z replayZeroPointSource) Dmag(scanID string, band model.Band) float64 {
	return z[string(band)+"|"+scanID]
}
func (replayZeroPointSource) MinMJD() (float64, bool) { return 0, false }
func (replayZeroPointSource) Empty() bool             { return true }

func mergeRawObservations(w1, w2 []model.RawObservation) []Observation {
	byMJD := make(map[float64]*Observation)
	var order []float64
	put := func(rows []model.RawObservation, setW1 bool) {
		for _, r := range rows {
			obs, ok := byMJD[r.MJD]
			if !ok {
				obs = &Observation{MJD: r.MJD}
				byMJD[r.MJD] = obs
				order = append(order, r.MJD)
			}
			mag := r.MproCorrected
			if mag == nil {
				mag = r.Mpro
			}
			if setW1 {
				obs.W1Mag, obs.W1Err = mag, r.Sigmpro
			} else {
				obs.W2Mag, obs.W2Err = mag, r.Sigmpro
			}
		}
	}
	put(w1, true)
	put(w2, false)
	return flatten(byMJD, order)
}

func mergeEpochObservations(rows []model.EpochSummary) []Observation {
	byMJD := make(map[float64]*Observation)
	var order []float64
	for _, r := range rows {
		mjd := float64(r.MJDMean)
		obs, ok := byMJD[mjd]
		if !ok {
			obs = &Observation{MJD: mjd}
			byMJD[mjd] = obs
			order = append(order, mjd)
		}
		mag, se := r.MagMean, r.MagSE
		if r.Band == model.W1 {
			obs.W1Mag, obs.W1Err = &mag, &se
		} else {
			obs.W2Mag, obs.W2Err = &mag, &se
		}
	}
	return flatten(byMJD, order)
}

func flatten(byMJD map[float64]*Observation, order []float64) []Observation {
	sort.Float64s(order)
	out := make([]Observation, 0, len(order))
	for _, mjd := range order {
		out = append(out, *byMJD[mjd])
	}
	return out
}
