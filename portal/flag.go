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
	"sort"
	"strings"
)

// Flag is a single-character behavior tag persisted by its wire code.
type Flag byte

// Flags available on a portal.
const (
	FlagAlwaysOn    Flag = 'A'
	FlagBackwards   Flag = 'B'
	FlagFree        Flag = 'F'
	FlagHidden      Flag = 'H'
	FlagInterServer Flag = 'I'
	FlagHideNetwork Flag = 'N'
	FlagPrivate     Flag = 'P'
	FlagSilent      Flag = 'Q'
	FlagRandom      Flag = 'R'
	FlagShow        Flag = 'S'
	FlagNoSign      Flag = 'J'
	FlagLegacyRelay Flag = 'U'

	// Internal flags describe how a portal was built rather than how it behaves.
	FlagFixed           Flag = '1'
	FlagPersonalNetwork Flag = '2'
	FlagCustomNetwork   Flag = '3'
	FlagDefaultNetwork  Flag = '4'
)

var flagNames = map[Flag]string{
	FlagAlwaysOn:        "always-on",
	FlagBackwards:       "backwards",
	FlagFree:            "free",
	FlagHidden:          "hidden",
	FlagInterServer:     "inter-server",
	FlagHideNetwork:     "hide-network",
	FlagPrivate:         "private",
	FlagSilent:          "silent",
	FlagRandom:          "random",
	FlagShow:            "show",
	FlagNoSign:          "no-sign",
	FlagLegacyRelay:     "legacy-relay",
	FlagFixed:           "fixed",
	FlagPersonalNetwork: "personal-network",
	FlagCustomNetwork:   "custom-network",
	FlagDefaultNetwork:  "default-network",
}

// AllFlags returns every known flag ordered by wire code.
func AllFlags() []Flag {
	flags := make([]Flag, 0, len(flagNames))
	for f := range flagNames {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}

// Known reports whether f is a recognized flag.
func (f Flag) Known() bool {
	_, ok := flagNames[f]
	return ok
}

// Internal reports whether the flag is set by the system rather than a player.
func (f Flag) Internal() bool {
	return f >= '1' && f <= '4'
}

// Char returns the wire code.
func (f Flag) Char() string { return string(rune(f)) }

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return "unknown(" + f.Char() + ")"
}

// FlagSet is an unordered set of flags.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	s := make(FlagSet, len(flags))
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

// ParseFlags decodes a flag string. Characters that are not recognized are
// returned separately so the caller can log them.
func ParseFlags(s string) (FlagSet, []rune) {
	set := make(FlagSet, len(s))
	var unknown []rune
	for _, r := range s {
		if r > 0x7f || !Flag(r).Known() {
			unknown = append(unknown, r)
			continue
		}
		set[Flag(r)] = struct{}{}
	}
	return set, unknown
}

// Has reports whether f is in the set.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// Add inserts f.
func (s FlagSet) Add(f Flag) { s[f] = struct{}{} }

// Remove deletes f.
func (s FlagSet) Remove(f Flag) { delete(s, f) }

// Clone returns an independent copy.
func (s FlagSet) Clone() FlagSet {
	c := make(FlagSet, len(s))
	for f := range s {
		c[f] = struct{}{}
	}
	return c
}

// Sorted returns the flags ordered by wire code.
func (s FlagSet) Sorted() []Flag {
	flags := make([]Flag, 0, len(s))
	for f := range s {
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	return flags
}

// String renders the canonical wire form: the codes in ascending order.
func (s FlagSet) String() string {
	var b strings.Builder
	for _, f := range s.Sorted() {
		b.WriteByte(byte(f))
	}
	return b.String()
}

// Equal reports whether both sets hold the same flags.
func (s FlagSet) Equal(o FlagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for f := range s {
		if !o.Has(f) {
			return false
		}
	}
	return true
}
