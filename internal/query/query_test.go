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

package query

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
	"github.com/koji0215/neowise-lightcurve/internal/store"
)

func f64(v float64) *float64 { return &v }

func openTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neowise.sqlite")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestGetLightCurve_RequiresSourceIDOrCoordinates(t *testing.T) {
	svc, _ := openTestService(t)
	_, err := svc.GetLightCurve(Request{})
	require.True(t, errors.Is(err, neowiseerr.ErrBadArgument))
}

func TestGetLightCurve_NearestNeighborWithinCutoffMatches(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 10.0, Dec: 20.0}))
	require.NoError(t, db.InsertEpochBatch([]model.EpochSummary{{
		SourceID: "S1", Band: model.W1, EpochID: 0, MJDMean: 55500, MagMean: 14.5, NPoints: 5,
	}}))

	lc, err := svc.GetLightCurve(Request{RA: 10.0002, Dec: 20.0002})
	require.NoError(t, err)
	require.Equal(t, "S1", lc.Source.SourceID)
}

func TestGetLightCurve_BeyondCutoffIsNotFound(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 10.0, Dec: 20.0}))

	_, err := svc.GetLightCurve(Request{RA: 11.0, Dec: 21.0})
	require.True(t, errors.Is(err, neowiseerr.ErrNotFound))
}

func TestGetLightCurve_UnknownSourceIDIsNotFound(t *testing.T) {
	svc, _ := openTestService(t)
	_, err := svc.GetLightCurve(Request{SourceID: "missing"})
	require.True(t, errors.Is(err, neowiseerr.ErrNotFound))
}

func TestGetLightCurve_EpochModeMergesBandsByMJD(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 1, Dec: 2}))
	require.NoError(t, db.InsertEpochBatch([]model.EpochSummary{
		{SourceID: "S1", Band: model.W1, EpochID: 0, MJDMean: 100, MagMean: 14.5, MagSE: 0.01, NPoints: 3},
		{SourceID: "S1", Band: model.W2, EpochID: 0, MJDMean: 100, MagMean: 13.9, MagSE: 0.02, NPoints: 3},
		{SourceID: "S1", Band: model.W1, EpochID: 1, MJDMean: 300, MagMean: 14.6, MagSE: 0.01, NPoints: 2},
	}))

	lc, err := svc.GetLightCurve(Request{SourceID: "S1"})
	require.NoError(t, err)
	require.Len(t, lc.Observations, 2)

	first := lc.Observations[0]
	require.Equal(t, 100.0, first.MJD)
	require.NotNil(t, first.W1Mag)
	require.NotNil(t, first.W2Mag)
	require.InDelta(t, 14.5, *first.W1Mag, 1e-9)
	require.InDelta(t, 13.9, *first.W2Mag, 1e-9)

	second := lc.Observations[1]
	require.Equal(t, 300.0, second.MJD)
	require.NotNil(t, second.W1Mag)
	require.Nil(t, second.W2Mag)
}

func TestGetLightCurve_RawModeDisablingZPCorrectionReturnsUncorrectedMag(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 1, Dec: 2}))
	require.NoError(t, db.InsertRawBatch([]model.RawObservation{{
		SourceID: "S1", MJD: 100, Band: model.W1,
		Mpro: f64(14.5), Sigmpro: f64(0.02), MproCorrected: f64(14.4),
		CCFlags: "00", PhQual: "AA", MoonMasked: "00", QiFact: 1.0, SaaSep: 10, Rchi2: 1.0,
		QualFrame: 1.0, Sky: f64(1.0), ScanID: "scanA",
	}}))

	toggles := model.DefaultToggles()
	toggles.ZPCorrection = false
	toggles.SigmaClipping = false

	lc, err := svc.GetLightCurve(Request{SourceID: "S1", Raw: true, Toggles: toggles})
	require.NoError(t, err)
	require.Len(t, lc.Observations, 1)
	require.InDelta(t, 14.5, *lc.Observations[0].W1Mag, 1e-9)
}

func TestGetLightCurve_RawModeWithZPCorrectionReplaysIngestTimeOffset(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 1, Dec: 2}))
	require.NoError(t, db.InsertRawBatch([]model.RawObservation{{
		SourceID: "S1", MJD: 100, Band: model.W1,
		Mpro: f64(14.5), Sigmpro: f64(0.02), MproCorrected: f64(14.4),
		CCFlags: "00", PhQual: "AA", MoonMasked: "00", QiFact: 1.0, SaaSep: 10, Rchi2: 1.0,
		QualFrame: 1.0, Sky: f64(1.0), ScanID: "scanA",
	}}))

	toggles := model.DefaultToggles()
	toggles.SigmaClipping = false

	lc, err := svc.GetLightCurve(Request{SourceID: "S1", Raw: true, Toggles: toggles})
	require.NoError(t, err)
	require.Len(t, lc.Observations, 1)
	require.InDelta(t, 14.4, *lc.Observations[0].W1Mag, 1e-9)
}

// TestGetLightCurve_RawModeQualityFilterTogglesAreRespected pins spec.md
// §8 scenario 6: a row the default toggles would exclude from raw-mode
// output must reappear once the offending toggle is loosened. The row is
// inserted directly, as the ingest-time Kernel run persists it whatever
// this toggle says.
func TestGetLightCurve_RawModeQualityFilterTogglesAreRespected(t *testing.T) {
	svc, db := openTestService(t)
	require.NoError(t, db.UpsertSource(model.Source{SourceID: "S1", RA: 1, Dec: 2}))
	require.NoError(t, db.InsertRawBatch([]model.RawObservation{{
		SourceID: "S1", MJD: 100, Band: model.W1,
		Mpro: f64(14.5), Sigmpro: f64(0.02), MproCorrected: f64(14.5),
		CCFlags: "11", PhQual: "AA", MoonMasked: "00", QiFact: 1.0, SaaSep: 10, Rchi2: 1.0,
		QualFrame: 1.0, Sky: f64(1.0), ScanID: "scanA",
	}}))

	defaultToggles := model.DefaultToggles()
	defaultToggles.ZPCorrection = false
	lc, err := svc.GetLightCurve(Request{SourceID: "S1", Raw: true, Toggles: defaultToggles})
	require.NoError(t, err)
	require.Empty(t, lc.Observations, "default cc_flags toggle should reject a contaminated row")

	loosened := defaultToggles
	loosened.CCFlags = false
	lc, err = svc.GetLightCurve(Request{SourceID: "S1", Raw: true, Toggles: loosened})
	require.NoError(t, err)
	require.Len(t, lc.Observations, 1, "disabling cc_flags should recover the row at query time")
	require.InDelta(t, 14.5, *lc.Observations[0].W1Mag, 1e-9)
}
