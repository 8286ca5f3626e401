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

package portal

import (
	"fmt"
	"net/http"

	"github.com/pingcap/errcode"
)

var (
	nameInputCode = errcode.InvalidInputCode.Child("input.name")

	// NameInvalidCode is returned when a name fails character validation.
	NameInvalidCode = nameInputCode.Child("name.invalid")
	// NameTooLongCode is returned when a name exceeds the configured length.
	NameTooLongCode = nameInputCode.Child("name.toolong")

	nameStateCode = errcode.StateCode.Child("state.name")

	// NameConflictCode is returned when an id is already taken in the target namespace.
	NameConflictCode = nameStateCode.Child("name.conflict").SetHTTP(http.StatusConflict)

	gateStateCode = errcode.StateCode.Child("state.gate")

	// GateConflictCode is returned when a footprint cell is already owned by another portal.
	GateConflictCode = gateStateCode.Child("gate.conflict").SetHTTP(http.StatusConflict)
	// InvalidStructureCode is returned when a gate footprint matches no known template.
	InvalidStructureCode = gateStateCode.Child("gate.structure")

	// UnimplementedCode is returned for recognized but unsupported combinations.
	UnimplementedCode = errcode.InternalCode.Child("internal.unimplemented").SetHTTP(http.StatusNotImplemented)

	// PortalNotFoundCode is returned when a portal or network lookup misses.
	PortalNotFoundCode = errcode.NotFoundCode.Child("missing.portal")
)

var _ errcode.ErrorCode = (*NameInvalidErr)(nil)
var _ errcode.ErrorCode = (*NameTooLongErr)(nil)
var _ errcode.ErrorCode = (*NameConflictErr)(nil)
var _ errcode.ErrorCode = (*GateConflictErr)(nil)
var _ errcode.ErrorCode = (*InvalidStructureErr)(nil)
var _ errcode.ErrorCode = (*UnimplementedErr)(nil)
var _ errcode.ErrorCode = (*NotFoundErr)(nil)

// NameInvalidErr has a Code() of NameInvalidCode.
type NameInvalidErr struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (e NameInvalidErr) Error() string {
	return fmt.Sprintf("name %q is invalid: %s", e.Name, e.Reason)
}

// Code returns NameInvalidCode.
func (e NameInvalidErr) Code() errcode.Code { return NameInvalidCode }

// NameTooLongErr has a Code() of NameTooLongCode.
type NameTooLongErr struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

func (e NameTooLongErr) Error() string {
	return fmt.Sprintf("name %q is longer than %d characters", e.Name, e.Limit)
}

// Code returns NameTooLongCode.
func (e NameTooLongErr) Code() errcode.Code { return NameTooLongCode }

// NameConflictErr has a Code() of NameConflictCode.
type NameConflictErr struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	// Reserved is set when the name collides with a system-reserved id.
	Reserved bool `json:"reserved"`
}

func (e NameConflictErr) Error() string {
	if e.Reserved {
		return fmt.Sprintf("name %q is reserved in %s", e.Name, e.Namespace)
	}
	return fmt.Sprintf("name %q is already taken in %s", e.Name, e.Namespace)
}

// Code returns NameConflictCode.
func (e NameConflictErr) Code() errcode.Code { return NameConflictCode }

// GateConflictErr has a Code() of GateConflictCode.
type GateConflictErr struct {
	Cell  Cell   `json:"cell"`
	Owner string `json:"owner"`
}

func (e GateConflictErr) Error() string {
	return fmt.Sprintf("%s is already claimed by portal %s", e.Cell, e.Owner)
}

// Code returns GateConflictCode.
func (e GateConflictErr) Code() errcode.Code { return GateConflictCode }

// InvalidStructureErr has a Code() of InvalidStructureCode.
type InvalidStructureErr struct {
	GateFormat string `json:"gateFormat"`
	Reason     string `json:"reason"`
}

func (e InvalidStructureErr) Error() string {
	return fmt.Sprintf("gate %q has an invalid structure: %s", e.GateFormat, e.Reason)
}

// Code returns InvalidStructureCode.
func (e InvalidStructureErr) Code() errcode.Code { return InvalidStructureCode }

// UnimplementedErr has a Code() of UnimplementedCode.
type UnimplementedErr struct {
	Capability string `json:"capability"`
}

func (e UnimplementedErr) Error() string {
	return fmt.Sprintf("%s is not supported yet", e.Capability)
}

// Code returns UnimplementedCode.
func (e UnimplementedErr) Code() errcode.Code { return UnimplementedCode }

// NotFoundErr has a Code() of PortalNotFoundCode.
type NotFoundErr struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (e NotFoundErr) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Code returns PortalNotFoundCode.
func (e NotFoundErr) Code() errcode.Code { return PortalNotFoundCode }

// HasCode reports whether err, or any error it wraps, carries code or one of
// its descendants.
func HasCode(err error, code errcode.Code) bool {
	for err != nil {
		if ec, ok := err.(errcode.ErrorCode); ok && ec.Code().IsAncestor(code) {
			return true
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = causer.Cause()
	}
	return false
}

// IsNameConflict reports whether err is a NameConflict failure.
func IsNameConflict(err error) bool { return HasCode(err, NameConflictCode) }

// IsNameInvalid reports whether err is a NameInvalid or NameTooLong failure.
func IsNameInvalid(err error) bool { return HasCode(err, nameInputCode) }

// IsGateConflict reports whether err is a GateConflict failure.
func IsGateConflict(err error) bool { return HasCode(err, GateConflictCode) }

// IsInvalidStructure reports whether err is an InvalidStructure failure.
func IsInvalidStructure(err error) bool { return HasCode(err, InvalidStructureCode) }

// IsUnimplemented reports whether err is an UnimplementedCapability failure.
func IsUnimplemented(err error) bool { return HasCode(err, UnimplementedCode) }

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return HasCode(err, PortalNotFoundCode) }
