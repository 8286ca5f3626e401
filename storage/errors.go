// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"

	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap/errcode"
)

var (
	storageCode = errcode.InternalCode.Child("internal.storage")

	// ReadFailureCode is returned when a query against the backing store fails.
	ReadFailureCode = storageCode.Child("storage.read")
	// WriteFailureCode is returned when a statement or transaction fails.
	WriteFailureCode = storageCode.Child("storage.write")
	// QueryMissingCode is returned at startup when a template cannot be resolved.
	QueryMissingCode = storageCode.Child("storage.query")
)

var _ errcode.ErrorCode = (*ReadFailureErr)(nil)
var _ errcode.ErrorCode = (*WriteFailureErr)(nil)
var _ errcode.ErrorCode = (*QueryMissingErr)(nil)

// ReadFailureErr wraps a driver failure while loading data. Error() stays
// generic; the driver detail is reachable through Cause for operators.
type ReadFailureErr struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

func (e ReadFailureErr) Error() string { return fmt.Sprintf("could not load %s", e.Op) }

// Cause returns the driver error.
func (e ReadFailureErr) Cause() error { return e.Err }

// Code returns ReadFailureCode.
func (e ReadFailureErr) Code() errcode.Code { return ReadFailureCode }

// WriteFailureErr wraps a driver failure while saving data.
type WriteFailureErr struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

func (e WriteFailureErr) Error() string { return fmt.Sprintf("could not save %s", e.Op) }

// Cause returns the driver error.
func (e WriteFailureErr) Cause() error { return e.Err }

// Code returns WriteFailureCode.
func (e WriteFailureErr) Code() errcode.Code { return WriteFailureCode }

// QueryMissingErr reports a logical operation without a usable template.
type QueryMissingErr struct {
	Dialect   string    `json:"dialect"`
	Operation Operation `json:"operation"`
	Reason    string    `json:"reason"`
}

func (e QueryMissingErr) Error() string {
	return fmt.Sprintf("dialect %s: operation %s: %s", e.Dialect, e.Operation, e.Reason)
}

// Code returns QueryMissingCode.
func (e QueryMissingErr) Code() errcode.Code { return QueryMissingCode }

// IsReadFailure reports whether err is a storage read failure.
func IsReadFailure(err error) bool { return portal.HasCode(err, ReadFailureCode) }

// IsWriteFailure reports whether err is a storage write failure.
func IsWriteFailure(err error) bool { return portal.HasCode(err, WriteFailureCode) }

// IsFailure reports whether err came from the storage layer.
func IsFailure(err error) bool { return portal.HasCode(err, storageCode) }
