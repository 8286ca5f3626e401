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
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxNameLength is used when no explicit limit is configured.
const DefaultMaxNameLength = 60

var folder = cases.Fold()

// Normalize canonicalizes a display name into the identifier used as a map
// key. Color codes are stripped, the text is NFKC-normalized and case-folded,
// and runs of whitespace collapse into a single space.
func Normalize(name string) string {
	stripped := StripColor(name)
	folded := folder.String(norm.NFKC.String(stripped))
	return strings.Join(strings.Fields(folded), " ")
}

// StripColor removes legacy `§x`/`&x` color codes and `&#rrggbb` hex colors.
func StripColor(name string) string {
	if !strings.ContainsAny(name, "§&") {
		return name
	}
	var b strings.Builder
	rs := []rune(name)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if (r == '§' || r == '&') && i+1 < len(rs) {
			next := rs[i+1]
			if next == '#' && i+7 < len(rs) && isHex(rs[i+2:i+8]) {
				i += 7
				continue
			}
			if isColorCode(next) {
				i++
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isColorCode(r rune) bool {
	r = unicode.ToLower(r)
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'k' && r <= 'o') || r == 'r'
}

func isHex(rs []rune) bool {
	for _, r := range rs {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ValidateName checks a display name before any state is touched.
func ValidateName(name string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLength
	}
	trimmed := strings.TrimSpace(StripColor(name))
	if trimmed == "" {
		return NameInvalidErr{Name: name, Reason: "empty"}
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return NameInvalidErr{Name: name, Reason: "contains control characters"}
		}
	}
	if utf8.RuneCountInString(trimmed) > maxLen {
		return NameTooLongErr{Name: name, Limit: maxLen}
	}
	return nil
}
