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

// Package fetch performs a single catalog cone-search or
// identifier-search against IRSA's NEOWISE single-exposure source
// catalog over a shared, pooled HTTP client.
//
// The connection pool is a first-class value constructed with
// functional options and passed into the Fetcher, per spec.md §9's
// "global shared session" redesign flag — the reference mutates a
// library global; here the pool lives on the Fetcher.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/koji0215/neowise-lightcurve/internal/model"
	"github.com/koji0215/neowise-lightcurve/internal/neowiseerr"
)

// Catalog and cone-search radius, per spec.md §6.
const (
	catalogName      = "neowiser_p1bs_psd"
	coneRadiusArcSec = 5
)

// FetchColumns is the fixed column set requested from the catalog.
var FetchColumns = []string{
	"ra", "dec", "allwise_cntr", "w1mpro", "w1sigmpro", "w1rchi2", "w1sat", "w1sky",
	"w2mpro", "w2sigmpro", "w2rchi2", "w2sat", "w2sky", "cc_flags", "sso_flg", "qi_fact",
	"ph_qual", "qual_frame", "moon_masked", "saa_sep", "mjd", "scan_id",
}

// Row is one record of the tabular remote result, keyed by column
// name exactly as returned by the catalog (see FetchColumns).
type Row map[string]string

// Result is a tabular response: the column schema plus the rows, in
// the order returned by the remote service.
type Result struct {
	Columns []string
	Rows    []Row
}

// Option configures a Fetcher's pool, mirroring stdpool's
// functional-Option pattern (internal/util/stdpool/my.go) translated
// from a SQL connection pool to an HTTP transport pool.
type Option func(*http.Transport)

// WithPoolSize sets the HTTP transport's idle-connection pool
// capacity. New uses 50 when no option is given; the Ingest Driver
// passes its PoolMaxSize setting (flag default 50, or 2×workers when a
// directly built Config leaves it unset).
func WithPoolSize(n int) Option {
	return func(t *http.Transport) {
		t.MaxIdleConns = n
		t.MaxIdleConnsPerHost = n
		t.MaxConnsPerHost = n
	}
}

// Fetcher performs remote catalog queries over a pooled *http.Client.
type Fetcher struct {
	client  *http.Client
	baseURL string
}

// New builds a Fetcher against baseURL (the IRSA TAP/cone-search
// endpoint) with a connection pool configured by opts. The client's
// transport retries {429,500,502,503,504} responses up to
// retryMaxAttempts times with urllib3-style backoff before handing
// control back to the Retry Controller, per spec.md §4.5.
func New(baseURL string, requestTimeout time.Duration, opts ...Option) *Fetcher {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     50,
	}
	for _, opt := range opts {
		opt(transport)
	}
	return &Fetcher{
		client: &http.Client{
			Transport: withRetryingTransport(transport),
			Timeout:   requestTimeout,
		},
		baseURL: baseURL,
	}
}

// ConeSearch fetches rows within a 5-arcsecond circle of (ra, dec).
func (f *Fetcher) ConeSearch(ctx context.Context, ra, dec float64) (*Result, error) {
	q := url.Values{}
	q.Set("catalog", catalogName)
	q.Set("spatial", "Cone")
	q.Set("objstr", formatRADec(ra, dec))
	q.Set("radius", formatArcSec(coneRadiusArcSec))
	q.Set("radunits", "arcsec")
	q.Set("outfmt", "1")
	q.Set("selcols", joinColumns(FetchColumns))
	return f.do(ctx, q)
}

// IdentifierSearch fetches all rows matching the given AllWISE
// designation via a TAP/ADQL query, per spec.md §6:
// "SELECT * FROM neowiser_p1bs_psd WHERE designation = '<allwise_id>' ORDER BY mjd".
func (f *Fetcher) IdentifierSearch(ctx context.Context, allwiseID string) (*Result, error) {
	adql := "SELECT * FROM " + catalogName + " WHERE designation = '" + allwiseID + "' ORDER BY mjd"
	q := url.Values{}
	q.Set("QUERY", adql)
	q.Set("LANG", "ADQL")
	q.Set("FORMAT", "csv")
	return f.do(ctx, q)
}

// Fetch dispatches to ConeSearch or IdentifierSearch based on mode,
// falling back to a cone search when identifier mode is requested but
// no AllWISE identifier is present, per spec.md §4.6 step 2.
func (f *Fetcher) Fetch(ctx context.Context, ra, dec float64, mode model.FetchMode) (*Result, error) {
	if mode.IsCone() {
		return f.ConeSearch(ctx, ra, dec)
	}
	return f.IdentifierSearch(ctx, mode.Identifier)
}

func (f *Fetcher) do(ctx context.Context, q url.Values) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(neowiseerr.ErrAborted, err.Error())
		}
		return nil, errors.Wrap(neowiseerr.ErrTransientRemote, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Wrapf(neowiseerr.ErrTransientRemote, "status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errors.Wrapf(neowiseerr.ErrPermanentRemote, "status %d", resp.StatusCode)
	}

	result, err := parseIPACTable(resp.Body)
	if err != nil {
		return nil, errors.Wrap(neowiseerr.ErrParseError, err.Error())
	}
	if len(result.Rows) == 0 {
		log.WithField("url", req.URL.String()).Debug("remote returned zero rows")
	}
	return result, nil
}

func formatRADec(ra, dec float64) string {
	return formatFloat(ra) + " " + formatFloat(dec)
}

func formatFloat(v float64) string {
	return fmtFloat(v, 6)
}

func formatArcSec(arcsec float64) string {
	return fmtFloat(arcsec, 1)
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
