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

package fetch

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseIPACTable parses IRSA's IPAC-table pipe-delimited response
// format: any number of leading comment lines ("\ ..."), a header line
// of pipe-delimited column names, a type-declaration line, then
// pipe-delimited data rows. A plain CSV response (as returned by the
// TAP identifier-search path) is also accepted.
func parseIPACTable(r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var header []string
	var rows []Row
	sawHeader := false
	sawTypes := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "\\") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "|") {
			fields := splitPipe(line)
			if !sawHeader {
				header = fields
				sawHeader = true
				continue
			}
			if !sawTypes {
				// Units/nulls/type declaration lines also begin with
				// '|'; the first one after the header is the type
				// line, which we don't need.
				sawTypes = true
				continue
			}
			continue
		}
		if !sawHeader {
			// CSV fallback (TAP identifier search).
			return parseCSVTable(line, scanner)
		}

		fields := splitWhitespaceOrPipe(line)
		if len(fields) != len(header) {
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			row[col] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning response body")
	}
	if !sawHeader {
		return nil, errors.New("no header line found in response")
	}
	return &Result{Columns: header, Rows: rows}, nil
}

func parseCSVTable(firstLine string, scanner *bufio.Scanner) (*Result, error) {
	header := strings.Split(firstLine, ",")
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	var rows []Row
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != len(header) {
			continue
		}
		row := make(Row, len(header))
		for i, col := range header {
			row[col] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning CSV response body")
	}
	return &Result{Columns: header, Rows: rows}, nil
}

func splitPipe(line string) []string {
	parts := strings.Split(line, "|")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func splitWhitespaceOrPipe(line string) []string {
	if strings.Contains(line, "|") {
		return splitPipe(line)
	}
	return strings.Fields(line)
}

func fmtFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
