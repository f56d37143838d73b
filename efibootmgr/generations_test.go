// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"gopkg.in/check.v1"
)

type generationsSuite struct {
	mapFsMixin
}

var _ = check.Suite(&generationsSuite{})

func names(kernels []*Kernel) []string {
	out := []string{}
	for _, k := range kernels {
		out = append(out, k.Version.String())
	}
	return out
}

func (s *generationsSuite) mkGenerations(c *check.C, gens ...generation) []*Kernel {
	for _, g := range gens {
		s.mkGeneration(c, g)
	}
	all, err := ListKernels(testPaths())
	c.Assert(err, check.IsNil)
	return all
}

func (s *generationsSuite) TestKeepOne(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.3-gentoo", installed: true},
		generation{name: "5.15.2-gentoo", installed: true},
		generation{name: "5.15.1-gentoo", installed: true},
	)

	p := ComputeRetained(all, all[0], 1)
	c.Check(names(p.Newer), check.DeepEquals, []string{})
	c.Check(p.Current, check.Equals, all[0])
	c.Check(names(p.Kept), check.DeepEquals, []string{"5.15.2"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.1"})
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.3", "5.15.2"})
}

func (s *generationsSuite) TestKeepOneIncompleteTail(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.5-gentoo", installed: true},
		generation{name: "5.15.4-gentoo", installed: true},
		generation{name: "5.15.3-gentoo", installed: true},
		generation{name: "5.15.2-gentoo", bzImage: true},
		generation{name: "5.15.1-gentoo"},
	)

	p := ComputeRetained(all, all[0], 1)
	c.Check(names(p.Newer), check.DeepEquals, []string{})
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.5", "5.15.4"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.3", "5.15.2", "5.15.1"})
}

func (s *generationsSuite) TestRevisionReplacesOlder(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.1-gentoo", installed: true},
		generation{name: "5.15.1-gentoo-r1", installed: true},
	)
	c.Assert(all[0].Name(), check.Equals, "linux-5.15.1-gentoo-r1")

	p := ComputeRetained(all, all[0], 0)
	c.Check(names(p.Newer), check.DeepEquals, []string{})
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.1-r1"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.1"})
}

func (s *generationsSuite) TestKeepZero(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.3-gentoo", installed: true},
		generation{name: "5.15.2-gentoo", installed: true},
	)

	p := ComputeRetained(all, all[0], 0)
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.3"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.2"})
}

func (s *generationsSuite) TestIncompleteNotKept(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.23-gentoo", bzImage: true},
		generation{name: "5.15.16-gentoo", installed: true},
		generation{name: "5.15.3-gentoo", bzImage: true},
		generation{name: "5.15.2-gentoo", installed: true},
		generation{name: "5.15.1-gentoo-r1", installed: true},
	)

	p := ComputeRetained(all, all[1], 1)
	c.Check(names(p.Newer), check.DeepEquals, []string{"5.15.23"})
	c.Check(p.Current.Version.String(), check.Equals, "5.15.16")
	// 5.15.3 lacks modules and backup, so the slot goes to 5.15.2
	c.Check(names(p.Kept), check.DeepEquals, []string{"5.15.2"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.3", "5.15.1-r1"})
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.23", "5.15.16", "5.15.2"})
}

func (s *generationsSuite) TestCurrentUnknown(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.3-gentoo", installed: true},
		generation{name: "5.15.2-gentoo", installed: true},
		generation{name: "5.15.1-gentoo", installed: true},
	)

	p := ComputeRetained(all, nil, 2)
	c.Check(p.Current, check.IsNil)
	c.Check(names(p.Newer), check.DeepEquals, []string{})
	c.Check(names(p.Kept), check.DeepEquals, []string{"5.15.3", "5.15.2"})
	c.Check(names(p.Removed), check.DeepEquals, []string{"5.15.1"})
}

func (s *generationsSuite) TestKeepMoreThanAvailable(c *check.C) {
	all := s.mkGenerations(c,
		generation{name: "5.15.3-gentoo", installed: true},
		generation{name: "5.15.2-gentoo", installed: true},
	)

	p := ComputeRetained(all, all[0], 5)
	c.Check(names(p.Retained()), check.DeepEquals, []string{"5.15.3", "5.15.2"})
	c.Check(names(p.Removed), check.DeepEquals, []string{})
}
