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

package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koji0215/neowise-lightcurve/internal/model"
)

type fakeZP struct {
	dmag   float64
	minMJD float64
	hasMin bool
}

func (f fakeZP) Dmag(string, model.Band) float64 { return f.dmag }
func (f fakeZP) MinMJD() (float64, bool)         { return f.minMJD, f.hasMin }
func (f fakeZP) Empty() bool                     { return !f.hasMin }

func f64(v float64) *float64 { return &v }

func goodRow(mjd float64, mpro float64) model.RawObservation {
	return model.RawObservation{
		MJD:        mjd,
		Mpro:       f64(mpro),
		Sigmpro:    f64(0.02),
		CCFlags:    "00",
		PhQual:     "AA",
		MoonMasked: "00",
		SsoFlg:     0,
		QiFact:     1.0,
		SaaSep:     10.0,
		Sat:        0.0,
		Rchi2:      1.0,
		QualFrame:  1.0,
		Sky:        f64(1.0),
		ScanID:     "scan1",
	}
}

func TestRun_HappyPathGroupsFourEpochs(t *testing.T) {
	var rows []model.RawObservation
	mjdStarts := []float64{55500, 55700, 55900, 56100}
	for _, start := range mjdStarts {
		for i := 0; i < 5; i++ {
			rows = append(rows, goodRow(start+float64(i), 14.5))
		}
	}

	corrected, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, epochs, 4)
	require.Len(t, corrected, 20)

	for i, e := range epochs {
		require.Equal(t, i, e.EpochID)
		require.Equal(t, 5, e.NPoints)
		require.Equal(t, model.DefaultFilterTag, e.FilterApplied)
	}
}

func TestRun_EpochIDsContiguousOverRetainedEpochsOnly(t *testing.T) {
	var rows []model.RawObservation
	// Epoch 0: passes quality filter.
	for i := 0; i < 5; i++ {
		rows = append(rows, goodRow(55500+float64(i), 14.5))
	}
	// Epoch 1 (>100 day gap): every row fails the quality filter, so it
	// produces zero surviving rows and must not consume an epoch_id.
	for i := 0; i < 5; i++ {
		bad := goodRow(55700+float64(i), 14.5)
		bad.CCFlags = "11" // fails cc_flags predicate
		rows = append(rows, bad)
	}
	// Epoch 2: passes quality filter.
	for i := 0; i < 5; i++ {
		rows = append(rows, goodRow(55900+float64(i), 14.5))
	}

	_, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, epochs, 2)
	require.Equal(t, 0, epochs[0].EpochID)
	require.Equal(t, 1, epochs[1].EpochID)
}

func TestRun_ZeroPointCorrectionAppliedAndRounded(t *testing.T) {
	rows := []model.RawObservation{goodRow(55500, 14.123456)}
	corrected, _ := Run(rows, model.W1, fakeZP{dmag: 0.1, hasMin: false}, model.DefaultToggles())
	require.Len(t, corrected, 1)
	require.InDelta(t, 14.0235, *corrected[0].MproCorrected, 1e-9)
}

func TestRun_MJDCutoffDropsRowsAtOrBeforeMin(t *testing.T) {
	rows := []model.RawObservation{
		goodRow(100, 14.5), // at cutoff, dropped
		goodRow(101, 14.5), // after cutoff, kept
	}
	_, epochs := Run(rows, model.W1, fakeZP{minMJD: 100, hasMin: true}, model.DefaultToggles())
	require.Len(t, epochs, 1)
	require.Equal(t, 1, epochs[0].NPoints)
}

func TestRun_QualityFilterTogglesAreIndependentlyDisableable(t *testing.T) {
	bad := goodRow(55500, 14.5)
	bad.SsoFlg = 1 // would normally fail sso_flg predicate

	toggles := model.DefaultToggles()
	toggles.SsoFlg = false
	_, epochs := Run([]model.RawObservation{bad}, model.W1, fakeZP{}, toggles)
	require.Len(t, epochs, 1, "disabling the sso_flg toggle should admit the row")

	_, epochsDefault := Run([]model.RawObservation{bad}, model.W1, fakeZP{}, model.DefaultToggles())
	require.Empty(t, epochsDefault, "default toggles should reject a moving-object flagged row")
}

func TestRun_BandIndexSelectsCorrectFlagCharacter(t *testing.T) {
	row := goodRow(55500, 14.5)
	row.CCFlags = "01" // W1 clean ('0'), W2 contaminated ('1')

	_, w1Epochs := Run([]model.RawObservation{row}, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, w1Epochs, 1)

	_, w2Epochs := Run([]model.RawObservation{row}, model.W2, fakeZP{}, model.DefaultToggles())
	require.Empty(t, w2Epochs)
}

func TestRun_SigmaClippingRemovesOutlier(t *testing.T) {
	var rows []model.RawObservation
	for i := 0; i < 10; i++ {
		rows = append(rows, goodRow(55500+float64(i), 14.5))
	}
	rows = append(rows, goodRow(55509.5, 25.0)) // wild outlier, same epoch

	_, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, epochs, 1)
	require.Equal(t, 10, epochs[0].NPoints, "the 3-sigma outlier should have been clipped")
}

func TestRun_SNRFallbackThresholdUsedWhenPrimaryRejectsEverything(t *testing.T) {
	// A single epoch whose flux SNR sits below 300 but at/above 10
	// survives only through the fallback pass.
	var rows []model.RawObservation
	for i := 0; i < 3; i++ {
		r := goodRow(55500+float64(i), 15.0)
		sig := 0.08
		r.Sigmpro = &sig
		rows = append(rows, r)
	}
	_, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, epochs, 1)
	require.NotNil(t, epochs[0].SNR)
	require.GreaterOrEqual(t, *epochs[0].SNR, snrFallbackThreshold)
}

func TestRun_NonMeasurementRowsDropped(t *testing.T) {
	rows := []model.RawObservation{
		{MJD: 55500, Mpro: nil, ScanID: "x"},
		{MJD: 55501, Mpro: f64(math.NaN()), ScanID: "x"},
	}
	corrected, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Empty(t, corrected)
	require.Empty(t, epochs)
}

func TestRun_CorrectedRowsIncludeQualityFilterRejects(t *testing.T) {
	good := goodRow(55500, 14.5)
	bad := goodRow(55500.1, 14.5)
	bad.CCFlags = "11" // fails the cc_flags predicate, dropped from epoch aggregation

	corrected, epochs := Run([]model.RawObservation{good, bad}, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, corrected, 2, "corrected-raw rows must survive independent of the quality filter")
	require.Len(t, epochs, 1, "only the quality-passing row forms an epoch")
	require.Equal(t, 1, epochs[0].NPoints)
}

func TestRun_CorrectedRowsIncludeSigmaClippedOutlier(t *testing.T) {
	var rows []model.RawObservation
	for i := 0; i < 10; i++ {
		rows = append(rows, goodRow(55500+float64(i), 14.5))
	}
	rows = append(rows, goodRow(55509.5, 25.0)) // clipped from the epoch, kept in corrected

	corrected, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, corrected, 11)
	require.Len(t, epochs, 1)
	require.Equal(t, 10, epochs[0].NPoints)
}

func TestRun_ReturnsCorrectedRowsEvenWhenNoEpochSurvives(t *testing.T) {
	bad := goodRow(55500, 14.5)
	bad.CCFlags = "11"

	corrected, epochs := Run([]model.RawObservation{bad}, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, corrected, 1, "the corrected row must persist even with zero surviving epochs")
	require.NotNil(t, corrected[0].MproCorrected)
	require.Empty(t, epochs)
}

func TestRun_IsIdempotentOnAlreadyFilteredRows(t *testing.T) {
	var rows []model.RawObservation
	for i := 0; i < 6; i++ {
		rows = append(rows, goodRow(55500+float64(i), 14.5))
	}
	corrected, epochs := Run(rows, model.W1, fakeZP{}, model.DefaultToggles())
	require.Len(t, epochs, 1)

	corrected2, epochs2 := Run(corrected, model.W1, fakeZP{}, model.DefaultToggles())
	require.Equal(t, epochs[0].NPoints, epochs2[0].NPoints)
	require.Equal(t, epochs[0].MagMean, epochs2[0].MagMean)
}
