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

package storageinfo

import "fmt"

// Layout versions are negative and descending: a numerically smaller value
// denotes a newer on-disk format. All comparisons in the transition logic are
// against CurrentLayoutVersion, the only version this binary can serve.
const (
	// CurrentLayoutVersion is the on-disk format written by this build.
	CurrentLayoutVersion = -37

	// FederationVersion introduced per-namespace slice directories. Records
	// older than this (numerically greater) keep namespaceID and cTime in the
	// node-level version file.
	FederationVersion = -35

	// PreGenerationStampVersion is the last layout whose block metadata files
	// were named without a generation stamp. Migrating from it requires
	// per-file renames.
	PreGenerationStampVersion = -13

	// LastPreUpgradeVersion is the newest layout that still used the legacy
	// "storage" marker file as its only version record.
	LastPreUpgradeVersion = -3
)

type StorageType string

const (
	StorageTypeDataNode       StorageType = "DATA_NODE"
	StorageTypeNamespaceSlice StorageType = "NS_SLICE"
)

// StorageInfo is the persistent version record of one storage root or one
// namespace slice. It is read at process start and rewritten only after a
// successful transition.
type StorageInfo struct {
	LayoutVersion int
	NamespaceID   int
	CTime         int64
	StorageID     string
	StorageType   StorageType
}

// PreFederation reports whether the record pre-dates the federation layout.
// Pre-federation node-level records carry namespaceID and cTime themselves;
// newer records delegate both to their namespace slices.
func (si StorageInfo) PreFederation() bool {
	return si.LayoutVersion > FederationVersion
}

func (si StorageInfo) String() string {
	return fmt.Sprintf("LV = %d; CTime = %d", si.LayoutVersion, si.CTime)
}

// NamespaceDescriptor is the authoritative target state received from the
// cluster coordinator at registration time.
type NamespaceDescriptor struct {
	NamespaceID   int
	LayoutVersion int
	CTime         int64
}

func (nd NamespaceDescriptor) String() string {
	return fmt.Sprintf("LV = %d; CTime = %d", nd.LayoutVersion, nd.CTime)
}

type StartupOption int

const (
	StartupRegular StartupOption = iota
	StartupRollback
)

func (o StartupOption) String() string {
	if o == StartupRollback {
		return "rollback"
	}
	return "regular"
}

// TransitionLevel distinguishes node-level from namespace-level transitions.
// The rollback permission check compares different fields depending on it.
type TransitionLevel int

const (
	NodeLevel TransitionLevel = iota
	NamespaceLevel
)

func (l TransitionLevel) String() string {
	if l == NamespaceLevel {
		return "namespace"
	}
	return "node"
}

// TransitionResult is the per-root outcome of one coordinator pass. It is
// diagnostic only and never persisted.
type TransitionResult int

const (
	TransitionUnchanged TransitionResult = iota
	TransitionFormatted
	TransitionUpgraded
	TransitionRolledBack
	TransitionFailed
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionFormatted:
		return "formatted"
	case TransitionUpgraded:
		return "upgraded"
	case TransitionRolledBack:
		return "rolled back"
	case TransitionFailed:
		return "failed"
	default:
		return "unchanged"
	}
}
