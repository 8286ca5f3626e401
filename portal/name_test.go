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
	"testing"

	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testNameSuite{})

type testNameSuite struct{}

func (s *testNameSuite) TestNormalize(c *C) {
	c.Assert(Normalize("Nether"), Equals, "nether")
	c.Assert(Normalize("  My   Gate "), Equals, "my gate")
	c.Assert(Normalize("§aGreen&r Gate"), Equals, "green gate")
	c.Assert(Normalize("&#ff00aaPink"), Equals, "pink")
	// Fullwidth letters fold to ASCII under NFKC.
	c.Assert(Normalize("ＨＵＢ"), Equals, "hub")
	c.Assert(Normalize("100&"), Equals, "100&")
}

func (s *testNameSuite) TestValidateName(c *C) {
	c.Assert(ValidateName("Alpha", 10), IsNil)

	err := ValidateName("   ", 10)
	c.Assert(err, NotNil)
	c.Assert(IsNameInvalid(err), IsTrue)

	err = ValidateName("bad\x07name", 20)
	c.Assert(IsNameInvalid(err), IsTrue)

	err = ValidateName("a-very-long-portal-name", 5)
	c.Assert(IsNameInvalid(err), IsTrue)
	_, ok := errors.Cause(err).(NameTooLongErr)
	c.Assert(ok, IsTrue)

	// Color codes do not count towards the limit.
	c.Assert(ValidateName("§a§lfive5", 5), IsNil)
}

func (s *testNameSuite) TestErrorPredicates(c *C) {
	err := errors.WithStack(NameConflictErr{Namespace: "network", Name: "hub"})
	c.Assert(IsNameConflict(err), IsTrue)
	c.Assert(IsNameInvalid(err), IsFalse)
	c.Assert(IsGateConflict(err), IsFalse)
	c.Assert(IsNameConflict(nil), IsFalse)
	c.Assert(IsNotFound(NotFoundErr{Kind: "portal", Name: "x"}), IsTrue)
	c.Assert(NameConflictCode.HTTPCode(), Equals, 409)
}
