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

// Command neowise-ingest runs one ingest pass over a source list
// against IRSA's NEOWISE single-exposure source catalog.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/koji0215/neowise-lightcurve/internal/ingest"
)

func main() {
	var cfg ingest.Config
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := ingest.Run(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("ingest run failed")
	}

	log.WithFields(log.Fields{
		"success": summary.SuccessCount,
		"failure": summary.FailureCount,
		"elapsed": summary.Elapsed,
	}).Info("ingest complete")
	for _, msg := range summary.SampleErrors {
		log.WithField("message", msg).Warn("sample failure")
	}
}
