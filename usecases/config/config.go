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
	"github.com/weaviate/blocknode/entities/storageinfo"
)

type Config struct {
	Persistence Persistence
	Monitoring  Monitoring
	Namespace   Namespace
	Node        Node
}

type Persistence struct {
	// DataPaths are the candidate storage roots. Missing ones are skipped at
	// startup; at least one must be usable.
	DataPaths []string
	// Startup selects between a regular start and rolling back the last
	// upgrade.
	Startup storageinfo.StartupOption
}

type Monitoring struct {
	Enabled bool
	Port    int
}

// Namespace carries the descriptor of the namespace this node serves when it
// runs standalone, without a cluster coordinator handing one over at
// registration.
type Namespace struct {
	ID    int
	CTime int64
}

type Node struct {
	// Port feeds storage-id derivation for freshly formatted directories.
	Port int
}

func (c Config) Descriptor() *storageinfo.NamespaceDescriptor {
	return &storageinfo.NamespaceDescriptor{
		NamespaceID:   c.Namespace.ID,
		LayoutVersion: storageinfo.CurrentLayoutVersion,
		CTime:         c.Namespace.CTime,
	}
}
