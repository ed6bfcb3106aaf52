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

package blockstorage

// StorageState is the probed condition of one storage root. Anything other
// than Normal, NonExistent and NotFormatted is a leftover of an interrupted
// transition and is resolved by StorageDirectory.Recover before the root is
// considered usable.
type StorageState int

const (
	StateNormal StorageState = iota
	StateNonExistent
	StateNotFormatted
	StateCompleteUpgrade
	StateRecoverUpgrade
	StateCompleteRollback
	StateRecoverRollback
	StateCompleteFinalize
	StateCompleteCheckpoint
	StateRecoverCheckpoint
)

func (s StorageState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateNonExistent:
		return "non-existent"
	case StateNotFormatted:
		return "not formatted"
	case StateCompleteUpgrade:
		return "complete upgrade"
	case StateRecoverUpgrade:
		return "recover upgrade"
	case StateCompleteRollback:
		return "complete rollback"
	case StateRecoverRollback:
		return "recover rollback"
	case StateCompleteFinalize:
		return "complete finalize"
	case StateCompleteCheckpoint:
		return "complete checkpoint"
	case StateRecoverCheckpoint:
		return "recover checkpoint"
	default:
		return "unknown"
	}
}
