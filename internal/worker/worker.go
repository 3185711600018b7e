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

// Package worker fans a work list out to N worker goroutines. Each
// worker holds its own Store handle, calls the Retry Controller, then
// invokes the Kernel and writes through the Store's write mutex.
//
// Grounded on neowise_threadsafe.py's ThreadPoolExecutor fan-out,
// translated to a bounded errgroup of goroutines — the teacher's own
// concurrency primitives (golang.org/x/sync) rather than a raw
// sync.WaitGroup.
package worker

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/koji0215/neowise-lightcurve/internal/fetch"
	"github.com/koji0215/neowise-lightcurve/internal/kernel"
	"github.com/koji0215/neowise-lightcurve/internal/metrics"
	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
	"github.com/koji0215/neowise-lightcurve/internal/retry"
	"github.com/koji0215/neowise-lightcurve/internal/store"
	"github.com/koji0215/neowise-lightcurve/internal/zptable"
)

// Outcome reports one source's ingest result.
type Outcome struct {
	SourceID string
	Success  bool
	Message  string
}

// Config holds the Worker Pool's tunables.
type Config struct {
	Workers int  // default 4
	UseTAP  bool // identifier search mode, default false
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, UseTAP: false}
}

// Pool fans work items out across Config.Workers goroutines.
type Pool struct {
	cfg      Config
	dbPath   string
	fetcher  *fetch.Fetcher
	retry    *retry.Controller
	zp       *zptable.Table
}

// New builds a Pool. dbPath names the shared SQLite file; each worker
// opens its own *store.Store against it.
func New(cfg Config, dbPath string, fetcher *fetch.Fetcher, retryCtl *retry.Controller, zp *zptable.Table) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Pool{cfg: cfg, dbPath: dbPath, fetcher: fetcher, retry: retryCtl, zp: zp}
}

// Run processes every item in items, returning one Outcome per item in
// the same order as items. Cancelling ctx drains in-flight workers: each
// finishes its current source (or aborts at the next cancellation
// check) before the pool returns.
func (p *Pool) Run(ctx context.Context, items []model.WorkItem) ([]Outcome, error) {
	outcomes := make([]Outcome, len(items))
	work := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	for w := 0; w < p.cfg.Workers; w++ {
		g.Go(func() error {
			db, err := store.Open(p.dbPath)
			if err != nil {
				return errors.Wrap(err, "opening worker store handle")
			}
			defer db.Close()

			for idx := range work {
				outcomes[idx] = p.processOne(gctx, db, items[idx])
			}
			return nil
		})
	}

	go func() {
		defer close(work)
		for i := range items {
			select {
			case work <- i:
			case <-gctx.Done():
				return
			}
		}
	}()

	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (p *Pool) processOne(ctx context.Context, db *store.Store, item model.WorkItem) Outcome {
	log.WithField("source_id", item.SourceID).Info("worker starting source")
	metrics.WorkerSourcesStarted.Inc()

	mode := model.FetchMode{}
	if p.cfg.UseTAP && item.AllwiseID != "" {
		mode.Identifier = item.AllwiseID
	}

	raw, err := p.retry.Do(ctx, item.SourceID, func(ctx context.Context) (interface{}, error) {
		return p.fetcher.Fetch(ctx, item.RA, item.Dec, mode)
	})
	if err != nil {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: err.Error()}
	}
	result := raw.(*fetch.Result)

	if len(result.Rows) == 0 {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: neowiseerr.ErrNotFound.Error()}
	}

	rows, allwiseCntr := resolveAmbiguity(result.Rows)
	if len(rows) == 0 {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: "ambiguous target: no rows share a dominant allwise_cntr"}
	}

	observations := rowsToObservations(item.SourceID, rows)
	if len(observations) == 0 {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: "no usable measurements in remote response"}
	}

	toggles := model.DefaultToggles()
	var epochRows []model.EpochSummary
	var correctedAll []model.RawObservation
	for _, band := range []model.Band{model.W1, model.W2} {
		bandRows := filterBand(observations, band)
		corrected, epochs := kernel.Run(bandRows, band, p.zp, toggles)
		correctedAll = append(correctedAll, corrected...)
		epochRows = append(epochRows, epochs...)
	}
	if len(correctedAll) == 0 {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: errors.Wrap(neowiseerr.ErrNotFound, "no rows survive the MJD cutoff").Error()}
	}

	// The Source and its corrected-raw rows are persisted whenever any
	// measurement survived the null check and MJD cutoff, independent
	// of whether any epoch cleared the quality filter / sigma clip /
	// SNR cut — spec.md §8 scenario 2: zero epochs is still a success
	// with the source and raw rows recorded, mirroring
	// _save_raw_observations's unconditional insert.
	src := model.Source{SourceID: item.SourceID, RA: item.RA, Dec: item.Dec, AllwiseCntr: allwiseCntr}
	if err := db.UpsertSource(src); err != nil {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: store.Classify(err).Error()}
	}
	if err := db.InsertRawBatch(correctedAll); err != nil {
		metrics.WorkerSourcesFailed.Inc()
		return Outcome{SourceID: item.SourceID, Success: false, Message: store.Classify(err).Error()}
	}
	if len(epochRows) > 0 {
		if err := db.InsertEpochBatch(epochRows); err != nil {
			metrics.WorkerSourcesFailed.Inc()
			return Outcome{SourceID: item.SourceID, Success: false, Message: store.Classify(err).Error()}
		}
	}

	metrics.WorkerSourcesSucceeded.Inc()
	log.WithField("source_id", item.SourceID).Info("worker finished source")
	return Outcome{SourceID: item.SourceID, Success: true, Message: "success"}
}

// resolveAmbiguity ensures all rows share a single allwise_cntr; if
// not, keeps only the rows belonging to the most-frequent value, per
// spec.md §4.6 step 3(a).
func resolveAmbiguity(rows []fetch.Row) ([]fetch.Row, *int64) {
	counts := make(map[int64]int)
	for _, r := range rows {
		if v, ok := r.Int("allwise_cntr"); ok {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return rows, nil
	}
	if len(counts) == 1 {
		for v := range counts {
			vv := v
			return rows, &vv
		}
	}

	var best int64
	bestCount := -1
	for v, c := range counts {
		if c > bestCount {
			best, bestCount = v, c
		}
	}
	var kept []fetch.Row
	for _, r := range rows {
		if v, ok := r.Int("allwise_cntr"); ok && v == best {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	bestCopy := best
	return kept, &bestCopy
}
