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

package worker

import (
	"github.com/koji0215/neowise-lightcurve/internal/fetch"
	"github.com/koji0215/neowise-lightcurve/internal/model"
)

// rowsToObservations expands each remote row into up to two
// RawObservations, one per band, using that band's mpro/sigmpro/sat/
// rchi2/sky columns. A row missing both bands' mpro contributes
// nothing.
func rowsToObservations(sourceID string, rows []fetch.Row) []model.RawObservation {
	var out []model.RawObservation
	for _, r := range rows {
		mjd, ok := r.Float("mjd")
		if !ok {
			continue
		}
		shared := model.RawObservation{
			SourceID:   sourceID,
			MJD:        mjd,
			CCFlags:    r.Str("cc_flags"),
			PhQual:     r.Str("ph_qual"),
			MoonMasked: r.Str("moon_masked"),
			ScanID:     r.Str("scan_id"),
		}
		if v, ok := r.Int("sso_flg"); ok {
			shared.SsoFlg = int(v)
		}
		if v, ok := r.Float("qi_fact"); ok {
			shared.QiFact = v
		}
		if v, ok := r.Float("saa_sep"); ok {
			shared.SaaSep = v
		}
		if v, ok := r.Float("qual_frame"); ok {
			shared.QualFrame = v
		}

		if obs, ok := bandObservation(shared, r, model.W1, "w1mpro", "w1sigmpro", "w1sat", "w1rchi2", "w1sky"); ok {
			out = append(out, obs)
		}
		if obs, ok := bandObservation(shared, r, model.W2, "w2mpro", "w2sigmpro", "w2sat", "w2rchi2", "w2sky"); ok {
			out = append(out, obs)
		}
	}
	return out
}

func bandObservation(shared model.RawObservation, r fetch.Row, band model.Band, mproCol, sigmproCol, satCol, rchi2Col, skyCol string) (model.RawObservation, bool) {
	mpro, ok := r.Float(mproCol)
	if !ok {
		return model.RawObservation{}, false
	}
	obs := shared
	obs.Band = band
	obs.Mpro = &mpro
	if v, ok := r.Float(sigmproCol); ok {
		obs.Sigmpro = &v
	}
	if v, ok := r.Float(satCol); ok {
		obs.Sat = v
	}
	if v, ok := r.Float(rchi2Col); ok {
		obs.Rchi2 = v
	}
	if v, ok := r.Float(skyCol); ok {
		obs.Sky = &v
	}
	return obs, true
}

// filterBand returns the subset of observations belonging to band.
func filterBand(observations []model.RawObservation, band model.Band) []model.RawObservation {
	var out []model.RawObservation
	for _, o := range observations {
		if o.Band == band {
			out = append(out, o)
		}
	}
	return out
}
