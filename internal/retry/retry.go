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

// Package retry wraps a single remote-fetch call with bounded retry,
// exponential backoff with additive jitter, and a process-wide
// counting semaphore that caps concurrent in-flight remote calls.
//
// The wrapper is a transparent decorator around a Fetch function,
// grounded on the WithChaos(delegate, prob) Dialect pattern in
// internal/source/logical/chaos.go: there, a Dialect is wrapped to
// inject failures; here, a fetch call is wrapped to survive them.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/koji0215/neowise-lightcurve/internal/metrics"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
)

// Config holds the Retry Controller's tunables, bound by the Ingest
// Driver's Config.Bind, per spec.md §6.
type Config struct {
	MaxAttempts          int // default 4
	MaxConcurrentQueries int // default 4
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, MaxConcurrentQueries: 4}
}

// Controller gates and retries remote-fetch calls. A Controller is a
// value owned by the Ingest Driver and passed explicitly to workers —
// not a package-scope global, per spec.md §9.
type Controller struct {
	cfg Config
	sem *semaphore.Weighted
}

// New builds a Controller with its own semaphore of capacity
// cfg.MaxConcurrentQueries.
func New(cfg Config) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = DefaultConfig().MaxConcurrentQueries
	}
	return &Controller{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrentQueries)),
	}
}

// FetchFunc is one remote-fetch attempt. Implementations should return
// an error wrapping one of neowiseerr's sentinels so the Controller
// can decide whether to retry.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Do acquires the semaphore, then calls fn up to cfg.MaxAttempts
// times, sleeping 2^(k-1) + 0.1*k seconds after the k'th failed
// attempt (1-indexed), per spec.md §4.5. Acquisition and the final
// result honour ctx cancellation.
func (c *Controller) Do(ctx context.Context, label string, fn FetchFunc) (interface{}, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(neowiseerr.ErrAborted, err.Error())
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(neowiseerr.ErrAborted, err.Error())
		}

		result, err := fn(ctx)
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("success").Inc()
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			metrics.FetchAttempts.WithLabelValues("permanent").Inc()
			return nil, err
		}
		metrics.FetchAttempts.WithLabelValues("transient").Inc()
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		sleep := backoff(attempt)
		metrics.RetrySleepSeconds.Observe(sleep.Seconds())
		log.WithFields(log.Fields{
			"source":  label,
			"attempt": attempt,
			"max":     c.cfg.MaxAttempts,
			"sleep":   sleep,
		}).Warn("remote fetch attempt failed, retrying")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrap(neowiseerr.ErrAborted, ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// backoff returns the sleep duration after the k'th (1-indexed) failed
// attempt: 2^(k-1) + 0.1*k seconds — exponential backoff with an
// additive per-attempt jitter term, grounded on
// neowise_threadsafe.py's
// "sleep_time = (2 ** (attempt - 1)) + (0.1 * (attempt))".
func backoff(attempt int) time.Duration {
	base := float64(int64(1)<<uint(attempt-1)) + 0.1*float64(attempt)
	return time.Duration(base * float64(time.Second))
}

func isRetryable(err error) bool {
	return errors.Is(err, neowiseerr.ErrTransientRemote)
}
