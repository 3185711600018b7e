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

package retry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
)

func TestBackoff_MatchesDocumentedFormula(t *testing.T) {
	require.InDelta(t, 1.1, backoff(1).Seconds(), 1e-9)
	require.InDelta(t, 2.2, backoff(2).Seconds(), 1e-9)
	require.InDelta(t, 4.3, backoff(3).Seconds(), 1e-9)
}

func TestBackoff_Deterministic(t *testing.T) {
	// The jitter term is the fixed 0.1*k: repeated calls with the same
	// attempt number must be exactly equal.
	for attempt := 1; attempt <= 4; attempt++ {
		require.Equal(t, backoff(attempt), backoff(attempt))
	}
}

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	c := New(DefaultConfig())
	var calls int32
	result, err := c.Do(context.Background(), "s1", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.EqualValues(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	c := New(Config{MaxAttempts: 3, MaxConcurrentQueries: 1})
	var calls int32
	result, err := c.Do(context.Background(), "s1", func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errors.Wrap(neowiseerr.ErrTransientRemote, "temporary")
		}
		return "recovered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", result)
	require.EqualValues(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	c := New(DefaultConfig())
	var calls int32
	_, err := c.Do(context.Background(), "s1", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.Wrap(neowiseerr.ErrPermanentRemote, "bad request")
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, neowiseerr.ErrPermanentRemote))
	require.EqualValues(t, 1, calls)
}

func TestDo_AllAttemptsFailReturnsLastError(t *testing.T) {
	c := New(Config{MaxAttempts: 2, MaxConcurrentQueries: 1})
	var calls int32
	_, err := c.Do(context.Background(), "s1", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.Wrapf(neowiseerr.ErrTransientRemote, "attempt %d failed", calls)
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, neowiseerr.ErrTransientRemote))
	require.EqualValues(t, 2, calls)
}

func TestDo_ContextCancelledDuringBackoffAbortsEarly(t *testing.T) {
	c := New(Config{MaxAttempts: 4, MaxConcurrentQueries: 1})
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, "s1", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.Wrap(neowiseerr.ErrTransientRemote, "temporary")
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, neowiseerr.ErrAborted))
	require.LessOrEqual(t, calls, int32(2))
}

func TestDo_SemaphoreBoundsConcurrency(t *testing.T) {
	c := New(Config{MaxAttempts: 1, MaxConcurrentQueries: 2})
	var inFlight, maxInFlight int32

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			c.Do(context.Background(), "s", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	require.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}
