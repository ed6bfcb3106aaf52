//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/blocknode/entities/errors"
	"github.com/weaviate/blocknode/entities/storageinfo"
	"github.com/weaviate/blocknode/usecases/blockstorage"
	"github.com/weaviate/blocknode/usecases/config"
	"github.com/weaviate/blocknode/usecases/monitoring"
)

type Options struct {
	DataPaths []string `long:"data-path" description:"storage root directory, repeatable"`
	Rollback  bool     `long:"rollback" description:"roll back the last upgrade instead of starting regularly"`
	Finalize  bool     `long:"finalize" description:"discard retained snapshots after the transition"`
	NodePort  int      `long:"node-port" default:"50010" description:"node port used for storage id derivation"`
}

func main() {
	log := logger()

	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		log.WithError(err).Fatal("failed to parse command line args")
	}

	cfg := config.Config{
		Persistence: config.Persistence{DataPaths: opts.DataPaths},
		Node:        config.Node{Port: opts.NodePort},
	}
	if opts.Rollback {
		cfg.Persistence.Startup = storageinfo.StartupRollback
	}
	if err := config.FromEnv(&cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	var metrics *monitoring.PrometheusMetrics
	if cfg.Monitoring.Enabled {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewPrometheusMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Monitoring.Port)
		enterrors.GoWrapper(func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}, log)
	}

	ds := blockstorage.New(cfg.Node.Port, blockstorage.NoopUpgradeManager{}, log, metrics)
	results, err := ds.RecoverTransition(context.Background(), cfg.Descriptor(),
		cfg.Persistence.DataPaths, cfg.Persistence.Startup)
	if err != nil {
		log.WithError(err).Fatal("storage initialization failed")
	}

	for root, result := range results {
		log.WithFields(logrus.Fields{
			"path":   root,
			"result": result.String(),
		}).Info("storage directory transition")
	}
	log.WithField("storage_id", ds.StorageID()).Info("storage initialized")

	if opts.Finalize {
		if err := ds.FinalizeUpgrade(); err != nil {
			log.WithError(err).Fatal("finalize failed")
		}
	}

	if err := ds.Shutdown(); err != nil {
		log.WithError(err).Error("shutdown")
		os.Exit(1)
	}
}

// logger is configured from env vars because it must exist before any config
// is parsed. Defaults to log level info and json format.
func logger() *logrus.Logger {
	logger := logrus.New()
	if os.Getenv("LOG_FORMAT") != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}
