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

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics observes storage transitions and migrations. All methods
// are safe on a nil receiver so callers never have to branch on whether
// monitoring is enabled.
type PrometheusMetrics struct {
	StorageTransitions *prometheus.CounterVec
	StorageDirsUsable  prometheus.Gauge
	BlocksLinked       prometheus.Counter
	FilesCopied        prometheus.Counter
	DirsMigrated       prometheus.Counter
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = noopRegisterer{}
	}

	pm := &PrometheusMetrics{
		StorageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blocknode_storage_transitions_total",
			Help: "Completed storage directory transitions by kind.",
		}, []string{"kind"}),
		StorageDirsUsable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blocknode_storage_dirs_usable",
			Help: "Number of usable storage directories after probing.",
		}),
		BlocksLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocknode_migration_blocks_linked_total",
			Help: "Block files hard-linked during migrations.",
		}),
		FilesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocknode_migration_files_copied_total",
			Help: "Files physically copied during migrations.",
		}),
		DirsMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocknode_migration_dirs_total",
			Help: "Directories visited during migrations.",
		}),
	}

	reg.MustRegister(pm.StorageTransitions, pm.StorageDirsUsable,
		pm.BlocksLinked, pm.FilesCopied, pm.DirsMigrated)
	return pm
}

func (pm *PrometheusMetrics) TransitionCompleted(kind string) {
	if pm == nil {
		return
	}
	pm.StorageTransitions.WithLabelValues(kind).Inc()
}

func (pm *PrometheusMetrics) SetUsableDirs(n int) {
	if pm == nil {
		return
	}
	pm.StorageDirsUsable.Set(float64(n))
}

func (pm *PrometheusMetrics) ObserveLinkStats(linked, copied, dirs int) {
	if pm == nil {
		return
	}
	pm.BlocksLinked.Add(float64(linked))
	pm.FilesCopied.Add(float64(copied))
	pm.DirsMigrated.Add(float64(dirs))
}

// noopRegisterer keeps metric construction uniform when monitoring is
// disabled.
type noopRegisterer struct{}

func (noopRegisterer) Register(prometheus.Collector) error { return nil }

func (noopRegisterer) MustRegister(...prometheus.Collector) {}

func (noopRegisterer) Unregister(prometheus.Collector) bool { return true }
