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

import "strconv"

// Float returns the named column as a float64, or (0, false) if the
// column is absent, empty, or "null".
func (r Row) Float(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || v == "" || v == "null" || v == "nan" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int returns the named column as an int64, or (0, false) if absent,
// empty, or unparseable.
func (r Row) Int(col string) (int64, bool) {
	f, ok := r.Float(col)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Str returns the named column as a string, defaulting to "".
func (r Row) Str(col string) string {
	return r[col]
}
