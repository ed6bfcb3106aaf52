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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/blocknode/entities/storageinfo"
)

func TestFromEnv(t *testing.T) {
	t.Run("data paths are split and trimmed", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/a, /data/b ,,/data/c")
		var cfg Config
		require.NoError(t, FromEnv(&cfg))
		assert.Equal(t, []string{"/data/a", "/data/b", "/data/c"},
			cfg.Persistence.DataPaths)
	})

	t.Run("env overrides earlier data paths", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/env")
		cfg := Config{Persistence: Persistence{DataPaths: []string{"/data/flag"}}}
		require.NoError(t, FromEnv(&cfg))
		assert.Equal(t, []string{"/data/env"}, cfg.Persistence.DataPaths)
	})

	t.Run("missing data paths is an error", func(t *testing.T) {
		var cfg Config
		err := FromEnv(&cfg)
		assert.ErrorContains(t, err, "at least one data path")
	})

	t.Run("startup option", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/a")

		t.Setenv("STARTUP_OPTION", "rollback")
		var cfg Config
		require.NoError(t, FromEnv(&cfg))
		assert.Equal(t, storageinfo.StartupRollback, cfg.Persistence.Startup)

		t.Setenv("STARTUP_OPTION", "regular")
		cfg = Config{}
		require.NoError(t, FromEnv(&cfg))
		assert.Equal(t, storageinfo.StartupRegular, cfg.Persistence.Startup)

		t.Setenv("STARTUP_OPTION", "sideways")
		cfg = Config{}
		assert.ErrorContains(t, FromEnv(&cfg), "invalid STARTUP_OPTION")
	})

	t.Run("monitoring", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/a")
		t.Setenv("PROMETHEUS_MONITORING_ENABLED", "true")
		t.Setenv("PROMETHEUS_MONITORING_PORT", "2112")

		var cfg Config
		require.NoError(t, FromEnv(&cfg))
		assert.True(t, cfg.Monitoring.Enabled)
		assert.Equal(t, 2112, cfg.Monitoring.Port)
	})

	t.Run("invalid monitoring port", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/a")
		t.Setenv("PROMETHEUS_MONITORING_ENABLED", "on")
		t.Setenv("PROMETHEUS_MONITORING_PORT", "not-a-port")

		var cfg Config
		assert.ErrorContains(t, FromEnv(&cfg), "PROMETHEUS_MONITORING_PORT")
	})

	t.Run("namespace descriptor inputs", func(t *testing.T) {
		t.Setenv("PERSISTENCE_DATA_PATHS", "/data/a")
		t.Setenv("NAMESPACE_ID", "42")
		t.Setenv("NAMESPACE_CTIME", "1724371200")
		t.Setenv("NODE_PORT", "50011")

		var cfg Config
		require.NoError(t, FromEnv(&cfg))
		assert.Equal(t, 42, cfg.Namespace.ID)
		assert.Equal(t, int64(1724371200), cfg.Namespace.CTime)
		assert.Equal(t, 50011, cfg.Node.Port)

		ns := cfg.Descriptor()
		assert.Equal(t, 42, ns.NamespaceID)
		assert.Equal(t, int64(1724371200), ns.CTime)
		assert.Equal(t, storageinfo.CurrentLayoutVersion, ns.LayoutVersion)
	})
}

func TestEnabled(t *testing.T) {
	for _, v := range []string{"on", "enabled", "1", "true", "True", "ON"} {
		assert.True(t, enabled(v), v)
	}
	for _, v := range []string{"", "off", "0", "false", "no"} {
		assert.False(t, enabled(v), v)
	}
}
