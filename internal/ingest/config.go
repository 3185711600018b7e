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

// Package ingest is the top-level orchestrator: it reads a source
// list, initialises the Store, ZP Table, HTTP connection pool, and
// Worker Pool, collects results, and emits a summary.
package ingest

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/koji0215/neowise-lightcurve/internal/retry"
	"github.com/koji0215/neowise-lightcurve/internal/worker"
)

// Config contains the user-visible configuration for one ingest run,
// bound and validated the way internal/source/server/config.go binds
// and validates a server's Config.
type Config struct {
	SourceListPath  string
	ZeroPointPath   string
	StorePath       string
	ClearStore      bool
	DropStore       bool
	CatalogBaseURL  string
	RequestTimeout  time.Duration

	Workers              int
	MaxConcurrentQueries int
	MaxAttempts          int
	PoolMaxSize          int
	UseTAP               bool
}

// Bind registers flags on flags, with spec.md §6's documented
// defaults.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.SourceListPath, "sourceList", "", "path to the CSV source list (source_id, ra, dec, optional AllWISE_ID)")
	flags.StringVar(&c.ZeroPointPath, "zeroPointTable", "", "path to the zero-point correction CSV table; if unset, correction and the MJD cutoff are disabled")
	flags.StringVar(&c.StorePath, "store", "neowise.sqlite", "path to the SQLite database file")
	flags.BoolVar(&c.ClearStore, "clear", false, "truncate the store before ingesting")
	flags.BoolVar(&c.DropStore, "drop", false, "delete the store file before ingesting, recreating its schema from scratch")
	flags.StringVar(&c.CatalogBaseURL, "catalogBaseURL", "https://irsa.ipac.caltech.edu/TAP/sync", "base URL of the IRSA catalog query endpoint")
	flags.DurationVar(&c.RequestTimeout, "requestTimeout", 120*time.Second, "per-request HTTP timeout")

	flags.IntVar(&c.Workers, "workers", 4, "worker pool size")
	flags.IntVar(&c.MaxConcurrentQueries, "maxConcurrentQueries", 4, "remote-call semaphore capacity")
	flags.IntVar(&c.MaxAttempts, "maxAttempts", 4, "logical retry attempts per source")
	flags.IntVar(&c.PoolMaxSize, "poolMaxSize", 50, "HTTP connection pool capacity")
	flags.BoolVar(&c.UseTAP, "useTAP", false, "use identifier (TAP/ADQL) search instead of cone search when an AllWISE_ID is present")
}

// Preflight validates the configuration and fills in defaults left
// unset by a caller that constructs Config directly instead of through
// Bind.
func (c *Config) Preflight() error {
	if c.SourceListPath == "" {
		return errors.New("sourceList unset")
	}
	if c.StorePath == "" {
		return errors.New("store path unset")
	}
	if c.CatalogBaseURL == "" {
		return errors.New("catalogBaseURL unset")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = worker.DefaultConfig().Workers
	}
	if c.MaxConcurrentQueries <= 0 {
		c.MaxConcurrentQueries = retry.DefaultConfig().MaxConcurrentQueries
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = retry.DefaultConfig().MaxAttempts
	}
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = 2 * c.Workers
	}
	return nil
}
