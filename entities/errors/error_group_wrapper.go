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

package errors

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ErrorGroupWrapper embeds errgroup.Group and adds panic recovery to every
// spawned function. Wait joins all functions unconditionally; no sibling is
// cancelled when another fails.
type ErrorGroupWrapper struct {
	*errgroup.Group
	returnError error
}

func NewErrorGroupWrapper() *ErrorGroupWrapper {
	return &ErrorGroupWrapper{Group: new(errgroup.Group)}
}

// Go overrides the Go method to add panic recovery logic.
func (egw *ErrorGroupWrapper) Go(f func() error) {
	egw.Group.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				debug.PrintStack()
				egw.returnError = fmt.Errorf("panic occurred: %v", r)
			}
		}()
		return f()
	})
}

// Wait waits for all goroutines to finish and returns the first non-nil error.
func (egw *ErrorGroupWrapper) Wait() error {
	if err := egw.Group.Wait(); err != nil {
		return err
	}
	return egw.returnError
}
