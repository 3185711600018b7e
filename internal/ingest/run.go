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

package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/koji0215/neowise-lightcurve/internal/fetch"
	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
	"github.com/koji0215/neowise-lightcurve/internal/retry"
	"github.com/koji0215/neowise-lightcurve/internal/store"
	"github.com/koji0215/neowise-lightcurve/internal/worker"
	"github.com/koji0215/neowise-lightcurve/internal/zptable"
)

const maxSampleErrors = 10

// Summary reports the outcome of one ingest run.
type Summary struct {
	SuccessCount int
	FailureCount int
	Elapsed      time.Duration
	SampleErrors []string
}

// Run executes one full ingest: parse the source list, load the ZP
// Table, open the Store, launch the Worker Pool, and summarise
// results. It is the programmatic equivalent of invoking
// cmd/neowise-ingest.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	if err := cfg.Preflight(); err != nil {
		return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
	}

	items, err := parseSourceList(cfg.SourceListPath)
	if err != nil {
		return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
	}
	log.WithField("sources", len(items)).Info("loaded source list")

	zp, err := zptable.Load(cfg.ZeroPointPath)
	if err != nil {
		return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
	}

	if cfg.DropStore {
		existing, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
		}
		if err := existing.Drop(); err != nil {
			return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
		}
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
	}
	defer db.Close()
	if cfg.ClearStore {
		if err := db.Clear(); err != nil {
			return nil, errors.Wrap(neowiseerr.ErrSetupError, err.Error())
		}
	}

	fetcher := fetch.New(cfg.CatalogBaseURL, cfg.RequestTimeout, fetch.WithPoolSize(cfg.PoolMaxSize))
	retryCtl := retry.New(retry.Config{MaxAttempts: cfg.MaxAttempts, MaxConcurrentQueries: cfg.MaxConcurrentQueries})
	pool := worker.New(worker.Config{Workers: cfg.Workers, UseTAP: cfg.UseTAP}, cfg.StorePath, fetcher, retryCtl, zp)

	start := time.Now()
	outcomes, err := pool.Run(ctx, items)
	elapsed := time.Since(start)
	if err != nil {
		return nil, errors.Wrap(err, "running worker pool")
	}

	summary := &Summary{Elapsed: elapsed}
	seen := make(map[string]bool)
	for _, o := range outcomes {
		if o.Success {
			summary.SuccessCount++
			continue
		}
		summary.FailureCount++
		if !seen[o.Message] && len(summary.SampleErrors) < maxSampleErrors {
			seen[o.Message] = true
			summary.SampleErrors = append(summary.SampleErrors, o.Message)
		}
	}

	log.WithFields(log.Fields{
		"success": summary.SuccessCount,
		"failure": summary.FailureCount,
		"elapsed": summary.Elapsed,
	}).Info("ingest run complete")
	return summary, nil
}

// parseSourceList reads the CSV source list: a header row naming
// source_id, ra, dec, and optionally AllWISE_ID, in any column order.
func parseSourceList(path string) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening source list")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading source list header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"source_id", "ra", "dec"} {
		if _, ok := col[required]; !ok {
			return nil, errors.Errorf("source list missing required column %q", required)
		}
	}
	allwiseIdx, hasAllwise := col["AllWISE_ID"]

	var items []model.WorkItem
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading source list row")
		}

		sourceID := row[col["source_id"]]
		if sourceID == "" {
			return nil, errors.New("source list contains a row with an empty source_id")
		}
		ra, err := strconv.ParseFloat(row[col["ra"]], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing ra for source %q", sourceID)
		}
		dec, err := strconv.ParseFloat(row[col["dec"]], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing dec for source %q", sourceID)
		}

		item := model.WorkItem{SourceID: sourceID, RA: ra, Dec: dec}
		if hasAllwise {
			item.AllwiseID = row[allwiseIdx]
		}
		items = append(items, item)
	}
	return items, nil
}
