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
	"bytes"
	"io"
	"math"
	"net/http"
	"time"
)

// retryMaxAttempts, retryBackoffFactor, and retryStatusForcelist mirror
// urllib3.util.retry.Retry's defaults as configured in
// prepare_irsa_session (neowise_threadsafe.py): total=3,
// backoff_factor=1.0, status_forcelist=[429,500,502,503,504],
// GET/POST only.
const (
	retryMaxAttempts   = 3
	retryBackoffFactor = 1.0
)

var retryStatusForcelist = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// retryingTransport wraps a RoundTripper with transport-level retries
// of a single HTTP call, nested inside each Retry Controller attempt
// (spec.md §4.5: "a single logical attempt may retry its HTTP call
// several times before either succeeding or raising").
type retryingTransport struct {
	delegate http.RoundTripper
}

func withRetryingTransport(delegate http.RoundTripper) http.RoundTripper {
	return &retryingTransport{delegate: delegate}
}

func (t *retryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return t.delegate.RoundTrip(req)
	}

	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		bodyBytes = b
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err = t.delegate.RoundTrip(req)
		retriable := err == nil && retryStatusForcelist[resp.StatusCode]
		if !retriable || attempt >= retryMaxAttempts {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(retryBackoffDelay(attempt)):
		}
	}
}

// retryBackoffDelay matches urllib3's backoff formula:
// backoff_factor * (2 ** (retry_count)), where retry_count is the
// number of retries already made (0 for the first retry).
func retryBackoffDelay(attempt int) time.Duration {
	seconds := retryBackoffFactor * math.Pow(2, float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}
