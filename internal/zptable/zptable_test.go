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

package zptable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koji0215/neowise-lightcurve/internal/model"
)

func preamble() string {
	var sb strings.Builder
	for i := 0; i < preambleLines; i++ {
		sb.WriteString("# preamble line\n")
	}
	return sb.String()
}

func TestLoad_MissingFileReturnsEmptyTable(t *testing.T) {
	table, err := Load("/nonexistent/path/zp.tbl")
	require.NoError(t, err)
	require.True(t, table.Empty())
	_, ok := table.MinMJD()
	require.False(t, ok)
	require.Equal(t, 0.0, table.Dmag("scan1", model.W1))
}

func TestLoad_EmptyPathReturnsEmptyTable(t *testing.T) {
	table, err := Load("")
	require.NoError(t, err)
	require.True(t, table.Empty())
}

func TestParse_ValidTableExposesDmagAndMinMJD(t *testing.T) {
	content := preamble() + "scan,mjd,w1dmag,w2dmag\n" +
		"scanA,55000.5,0.10,0.20\n" +
		"scanB,54999.1,0.05,0.15\n"

	table, err := parse(strings.NewReader(content), "test.tbl")
	require.NoError(t, err)
	require.False(t, table.Empty())

	require.Equal(t, 0.10, table.Dmag("scanA", model.W1))
	require.Equal(t, 0.20, table.Dmag("scanA", model.W2))
	require.Equal(t, 0.0, table.Dmag("unknownScan", model.W1))

	min, ok := table.MinMJD()
	require.True(t, ok)
	require.Equal(t, 54999.1, min)
}

func TestParse_MissingRequiredColumnErrors(t *testing.T) {
	content := preamble() + "scan,mjd,w1dmag\n" + "scanA,55000.5,0.10\n"
	_, err := parse(strings.NewReader(content), "test.tbl")
	require.Error(t, err)
}

func TestParse_TooFewPreambleLinesErrors(t *testing.T) {
	content := "scan,mjd,w1dmag,w2dmag\nscanA,55000.5,0.1,0.2\n"
	_, err := parse(strings.NewReader(content), "test.tbl")
	require.Error(t, err)
}
