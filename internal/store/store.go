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

// Package store provides durable, transactional persistence for
// sources, raw observations, and epoch summaries on a single
// file-backed SQLite database. The engine offers only partial
// concurrent-write safety, so every mutating operation serialises
// under a single write mutex owned by the *Store value — not a
// package-scope global, per spec.md §9. Separate Store values opened
// against the same file do not share this mutex.
package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/koji0215/neowise-lightcurve/internal/metrics"
	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
)

const busyTimeoutMillis = 10000

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	source_id    TEXT PRIMARY KEY,
	ra           REAL NOT NULL,
	dec          REAL NOT NULL,
	allwise_cntr INTEGER,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS raw_observations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL,
	mjd            REAL NOT NULL,
	band           TEXT NOT NULL,
	mpro           REAL,
	sigmpro        REAL,
	cc_flags       TEXT,
	ph_qual        TEXT,
	moon_masked    TEXT,
	sso_flg        INTEGER,
	qi_fact        REAL,
	saa_sep        REAL,
	sat            REAL,
	rchi2          REAL,
	qual_frame     REAL,
	sky            REAL,
	scan_id        TEXT,
	mpro_corrected REAL
);

CREATE TABLE IF NOT EXISTS epoch_summary (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id      TEXT NOT NULL,
	band           TEXT NOT NULL,
	epoch_id       INTEGER NOT NULL,
	mjd_mean       INTEGER NOT NULL,
	mag_mean       REAL,
	mag_se         REAL,
	mag_lim        REAL,
	n_points       INTEGER NOT NULL,
	snr            REAL,
	filter_applied TEXT
);

CREATE INDEX IF NOT EXISTS idx_sources_source_id    ON sources(source_id);
CREATE INDEX IF NOT EXISTS idx_raw_source_id        ON raw_observations(source_id);
CREATE INDEX IF NOT EXISTS idx_raw_band             ON raw_observations(band);
CREATE INDEX IF NOT EXISTS idx_raw_mjd              ON raw_observations(mjd);
CREATE INDEX IF NOT EXISTS idx_epoch_source_id       ON epoch_summary(source_id);
CREATE INDEX IF NOT EXISTS idx_epoch_band            ON epoch_summary(band);
`

// Store is a handle onto the embedded SQLite database. A Store value
// may be shared by multiple goroutines: mutating methods serialise
// under wmu, read methods do not.
type Store struct {
	path string
	db   *sql.DB
	wmu  sync.Mutex
}

// Open creates the database file and its schema if absent, and
// returns a handle. Each caller (e.g. each worker) should Open its own
// handle against the same path to get independent connections, per
// spec.md §4.6.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging store")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	log.WithField("path", path).Debug("opened store")
	return &Store{path: path, db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear truncates all three tables and compacts free space; schema is
// preserved.
func (s *Store) Clear() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning clear transaction")
	}
	for _, table := range []string{"sources", "raw_observations", "epoch_summary"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "clearing table %s", table)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing clear")
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return errors.Wrap(err, "compacting store")
	}
	log.WithField("path", s.path).Info("cleared store")
	return nil
}

// Drop closes the handle and removes the database file.
func (s *Store) Drop() error {
	path := s.path
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "closing store before drop")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing store file")
	}
	return nil
}

// UpsertSource inserts source, leaving an existing row with the same
// source_id untouched.
func (s *Store) UpsertSource(src model.Source) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO sources (source_id, ra, dec, allwise_cntr) VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id) DO NOTHING`,
		src.SourceID, src.RA, src.Dec, nullableInt64(src.AllwiseCntr),
	)
	if err != nil {
		return errors.Wrap(err, "upserting source")
	}
	return nil
}

// InsertRawBatch bulk-inserts raw observation rows inside one
// transaction with a prepared statement, grounded on sink.go's
// per-batch transaction pattern. Rounding of mpro/sigmpro/mpro_corrected
// to 4 decimals happens here, at insert time, per spec.md §4.1.
func (s *Store) InsertRawBatch(rows []model.RawObservation) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.StoreWriteDuration.WithLabelValues("raw_observations").Observe(time.Since(start).Seconds()) }()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning raw batch transaction")
	}
	stmt, err := tx.Prepare(`
		INSERT INTO raw_observations
			(source_id, mjd, band, mpro, sigmpro, cc_flags, ph_qual, moon_masked,
			 sso_flg, qi_fact, saa_sep, sat, rchi2, qual_frame, sky, scan_id, mpro_corrected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "preparing raw batch insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(
			r.SourceID, r.MJD, string(r.Band),
			round4Ptr(r.Mpro), round4Ptr(r.Sigmpro),
			r.CCFlags, r.PhQual, r.MoonMasked,
			r.SsoFlg, r.QiFact, r.SaaSep, r.Sat, r.Rchi2, r.QualFrame,
			nullableFloat(r.Sky), r.ScanID, round4Ptr(r.MproCorrected),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "inserting raw observation")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing raw batch")
	}
	return nil
}

// InsertEpochBatch bulk-inserts epoch summary rows inside one
// transaction. mag_mean and mag_se are rounded to 4 decimals and SNR to
// 2 decimals at insert time; mjd_mean is already an integer and is
// stored as given.
func (s *Store) InsertEpochBatch(rows []model.EpochSummary) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.StoreWriteDuration.WithLabelValues("epoch_summary").Observe(time.Since(start).Seconds()) }()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning epoch batch transaction")
	}
	stmt, err := tx.Prepare(`
		INSERT INTO epoch_summary
			(source_id, band, epoch_id, mjd_mean, mag_mean, mag_se, mag_lim, n_points, snr, filter_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "preparing epoch batch insert")
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(
			r.SourceID, string(r.Band), r.EpochID, r.MJDMean,
			round4(r.MagMean), round4(r.MagSE), nullableFloat(sanitizeFloat(r.MagLim)),
			r.NPoints, nullableFloat(sanitizeFloat(round2Ptr(r.SNR))), r.FilterApplied,
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, "inserting epoch summary")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing epoch batch")
	}
	return nil
}

// FetchRawForSource returns a source's raw observations ordered by
// mjd ascending.
func (s *Store) FetchRawForSource(sourceID string) ([]model.RawObservation, error) {
	rows, err := s.db.Query(`
		SELECT source_id, mjd, band, mpro, sigmpro, cc_flags, ph_qual, moon_masked,
		       sso_flg, qi_fact, saa_sep, sat, rchi2, qual_frame, sky, scan_id, mpro_corrected
		FROM raw_observations WHERE source_id = ? ORDER BY mjd ASC`, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "querying raw observations")
	}
	defer rows.Close()

	var out []model.RawObservation
	for rows.Next() {
		var r model.RawObservation
		var band string
		var mpro, sigmpro, sky, mproCorrected sql.NullFloat64
		if err := rows.Scan(
			&r.SourceID, &r.MJD, &band, &mpro, &sigmpro, &r.CCFlags, &r.PhQual, &r.MoonMasked,
			&r.SsoFlg, &r.QiFact, &r.SaaSep, &r.Sat, &r.Rchi2, &r.QualFrame, &sky, &r.ScanID, &mproCorrected,
		); err != nil {
			return nil, errors.Wrap(err, "scanning raw observation")
		}
		r.Band = model.Band(band)
		r.Mpro = floatPtrFromNull(mpro)
		r.Sigmpro = floatPtrFromNull(sigmpro)
		r.Sky = floatPtrFromNull(sky)
		r.MproCorrected = floatPtrFromNull(mproCorrected)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating raw observations")
	}
	return out, nil
}

// FetchEpochForSource returns a source's epoch summaries ordered by
// mjd_mean ascending.
func (s *Store) FetchEpochForSource(sourceID string) ([]model.EpochSummary, error) {
	rows, err := s.db.Query(`
		SELECT source_id, band, epoch_id, mjd_mean, mag_mean, mag_se, mag_lim, n_points, snr, filter_applied
		FROM epoch_summary WHERE source_id = ? ORDER BY mjd_mean ASC`, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "querying epoch summary")
	}
	defer rows.Close()

	var out []model.EpochSummary
	for rows.Next() {
		var r model.EpochSummary
		var band string
		var magMean, magSE, magLim, snr sql.NullFloat64
		if err := rows.Scan(
			&r.SourceID, &band, &r.EpochID, &r.MJDMean, &magMean, &magSE, &magLim, &r.NPoints, &snr, &r.FilterApplied,
		); err != nil {
			return nil, errors.Wrap(err, "scanning epoch summary")
		}
		r.Band = model.Band(band)
		if magMean.Valid {
			r.MagMean = magMean.Float64
		}
		if magSE.Valid {
			r.MagSE = magSE.Float64
		}
		r.MagLim = floatPtrFromNull(magLim)
		r.SNR = floatPtrFromNull(snr)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating epoch summary")
	}
	return out, nil
}

// ListSources returns every source row. Supplements the distilled
// spec with the /api/list read path from app_custom.py.
func (s *Store) ListSources() ([]model.Source, error) {
	rows, err := s.db.Query(`SELECT source_id, ra, dec, allwise_cntr, created_at FROM sources`)
	if err != nil {
		return nil, errors.Wrap(err, "listing sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var allwise sql.NullInt64
		if err := rows.Scan(&src.SourceID, &src.RA, &src.Dec, &allwise, &src.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning source")
		}
		if allwise.Valid {
			v := allwise.Int64
			src.AllwiseCntr = &v
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating sources")
	}
	return out, nil
}

// Classify wraps a low-level store error with neowiseerr.ErrLocalIO,
// matching the taxonomy of spec.md §7.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(neowiseerr.ErrLocalIO, err.Error())
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtrFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round2(v float64) float64 { return math.Round(v*1e2) / 1e2 }

func round4Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round4(*v)
	return &r
}

func round2Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}

// sanitizeFloat converts a NaN or infinite value to nil, matching
// spec.md §4.3's "Infinite/NaN in mag_lim is persisted as null" rule;
// applied uniformly to any nullable float so an infinite SNR (the
// zero-flux-error edge case) is persisted as null too.
func sanitizeFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
