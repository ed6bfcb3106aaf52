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

package errorcompounder

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCompounder folds the outcomes of independent units of work into a
// single error. All work is given a chance to complete before the fold, so a
// compounded error describes every failure, not just the first.
type ErrorCompounder struct {
	errors []error
}

func New() *ErrorCompounder {
	return &ErrorCompounder{}
}

func (ec *ErrorCompounder) Add(err error) {
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
}

func (ec *ErrorCompounder) Addf(format string, a ...any) {
	ec.errors = append(ec.errors, fmt.Errorf(format, a...))
}

func (ec *ErrorCompounder) AddWrapf(err error, format string, a ...any) {
	if err != nil {
		ec.errors = append(ec.errors, errors.Wrapf(err, format, a...))
	}
}

func (ec *ErrorCompounder) Len() int {
	return len(ec.errors)
}

func (ec *ErrorCompounder) Empty() bool {
	return len(ec.errors) == 0
}

// First returns the earliest recorded error, or nil.
func (ec *ErrorCompounder) First() error {
	if len(ec.errors) == 0 {
		return nil
	}
	return ec.errors[0]
}

func (ec *ErrorCompounder) ToError() error {
	if ec.Empty() {
		return nil
	}

	var b strings.Builder
	for i, err := range ec.errors {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(err.Error())
	}
	return errors.New(b.String())
}
