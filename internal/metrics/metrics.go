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

// Package metrics declares the Prometheus instruments exported by the
// ingest pipeline, grounded on internal/staging/stage/metrics.go's
// promauto.NewCounterVec / NewHistogramVec idiom.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram buckets (seconds) shared by every
// duration metric in this package.
var LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

var (
	// WorkerSourcesStarted counts sources handed to a worker.
	WorkerSourcesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neowise_worker_sources_started_total",
		Help: "the number of sources a worker has begun processing",
	})
	// WorkerSourcesSucceeded counts sources that ingested cleanly.
	WorkerSourcesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neowise_worker_sources_succeeded_total",
		Help: "the number of sources successfully ingested",
	})
	// WorkerSourcesFailed counts sources that ended in an error.
	WorkerSourcesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neowise_worker_sources_failed_total",
		Help: "the number of sources that failed ingestion",
	})

	// FetchAttempts counts Retry Controller attempts, labelled by
	// outcome (success, transient, permanent).
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neowise_fetch_attempts_total",
		Help: "the number of remote fetch attempts, labelled by outcome",
	}, []string{"outcome"})

	// RetrySleepSeconds observes the backoff duration slept between
	// attempts.
	RetrySleepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neowise_retry_sleep_seconds",
		Help:    "the length of time spent sleeping between retry attempts",
		Buckets: LatencyBuckets,
	})

	// StoreWriteDuration observes the duration of a batch write to the
	// Store, labelled by table.
	StoreWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neowise_store_write_duration_seconds",
		Help:    "the length of time it took to write a batch to the store",
		Buckets: LatencyBuckets,
	}, []string{"table"})
)
