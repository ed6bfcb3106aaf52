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

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/blocknode/entities/storageinfo"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. flags) and will only extend those that are
// set.
func FromEnv(config *Config) error {
	if v := os.Getenv("PERSISTENCE_DATA_PATHS"); v != "" {
		config.Persistence.DataPaths = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				config.Persistence.DataPaths = append(config.Persistence.DataPaths, p)
			}
		}
	}

	switch os.Getenv("STARTUP_OPTION") {
	case "", "regular":
	case "rollback":
		config.Persistence.Startup = storageinfo.StartupRollback
	default:
		return errors.Errorf("invalid STARTUP_OPTION %q", os.Getenv("STARTUP_OPTION"))
	}

	if enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true

		if v := os.Getenv("PROMETHEUS_MONITORING_PORT"); v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrap(err, "parse PROMETHEUS_MONITORING_PORT")
			}
			config.Monitoring.Port = port
		}
	}

	if v := os.Getenv("NAMESPACE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse NAMESPACE_ID")
		}
		config.Namespace.ID = id
	}

	if v := os.Getenv("NAMESPACE_CTIME"); v != "" {
		ctime, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse NAMESPACE_CTIME")
		}
		config.Namespace.CTime = ctime
	}

	if v := os.Getenv("NODE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse NODE_PORT")
		}
		config.Node.Port = port
	}

	if len(config.Persistence.DataPaths) == 0 {
		return errors.New("at least one data path is required, set PERSISTENCE_DATA_PATHS")
	}

	return nil
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	switch strings.ToLower(value) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}
