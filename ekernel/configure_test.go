// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package ekernel

import (
	"errors"

	"gopkg.in/check.v1"

	"github.com/canonical/ekernel/efibootmgr"
	"github.com/canonical/ekernel/output"
)

func (s *toolSuite) setUpConfigure(c *check.C) {
	s.mkGeneration(c, generation{name: "5.15.3-gentoo", config: "CONFIG_A=y\n", installed: true})
	s.link(c, "5.15.3-gentoo")
	s.mkGeneration(c, generation{name: "5.15.16-gentoo"})
	s.answers["make listnewconfig"] = answer{out: []byte("CONFIG_NEW=y\nCONFIG_OTHER=\"\"\n")}
}

func (s *toolSuite) TestConfigureFromRunning(c *check.C) {
	s.setUpConfigure(c)

	c.Assert(s.tool.Configure(ConfigureOptions{}), check.IsNil)
	c.Check(s.readFile(c, "/usr/src/linux-5.15.16-gentoo/.config"), check.Equals, "CONFIG_A=y\n")
	c.Check(s.readFile(c, "/usr/src/linux-5.15.16-gentoo/.newoptions"), check.Equals, "CONFIG_NEW=y\nCONFIG_OTHER=\"\"\n")
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make listnewconfig", "make oldconfig"})
	c.Check(s.mr.Calls[1].Dir, check.Equals, s.path("/usr/src/linux-5.15.16-gentoo"))
	c.Check(s.out.String(), check.Equals, ""+
		" * copying "+s.path("/usr/src/linux-5.15.3-gentoo/.config")+"\n"+
		" * running make listnewconfig\n"+
		" * running make oldconfig\n")
}

func (s *toolSuite) TestConfigureMenuconfig(c *check.C) {
	s.setUpConfigure(c)
	s.writeFile(c, "/usr/src/linux-5.15.16-gentoo/.config", "CONFIG_B=y\n")

	c.Assert(s.tool.Configure(ConfigureOptions{}), check.IsNil)
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make menuconfig"})
	c.Check(s.readFile(c, "/usr/src/linux-5.15.16-gentoo/.config"), check.Equals, "CONFIG_B=y\n")
	c.Check(s.exists("/usr/src/linux-5.15.16-gentoo/.newoptions"), check.Equals, false)
}

func (s *toolSuite) TestConfigureWithoutRunningConfig(c *check.C) {
	s.mkGeneration(c, generation{name: "5.15.16-gentoo"})

	c.Assert(s.tool.Configure(ConfigureOptions{}), check.IsNil)
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make menuconfig"})
}

func (s *toolSuite) TestConfigureDelete(c *check.C) {
	s.setUpConfigure(c)
	s.writeFile(c, "/usr/src/linux-5.15.16-gentoo/.config", "CONFIG_B=y\n")

	c.Assert(s.tool.Configure(ConfigureOptions{Delete: true}), check.IsNil)
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make listnewconfig", "make oldconfig"})
	c.Check(s.readFile(c, "/usr/src/linux-5.15.16-gentoo/.config"), check.Equals, "CONFIG_A=y\n")
}

func (s *toolSuite) TestConfigureList(c *check.C) {
	s.setUpConfigure(c)

	c.Assert(s.tool.Configure(ConfigureOptions{List: true}), check.IsNil)
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make listnewconfig"})
	c.Check(s.out.String(), check.Equals, ""+
		" * copying "+s.path("/usr/src/linux-5.15.3-gentoo/.config")+"\n"+
		" * running make listnewconfig\n"+
		"   CONFIG_NEW = y\n"+
		"   CONFIG_OTHER = \"\"\n")

	// configured already, the options are listed again
	s.out.Reset()
	c.Assert(s.tool.Configure(ConfigureOptions{List: true}), check.IsNil)
	c.Check(s.mr.Commands(), check.HasLen, 1)
	c.Check(s.out.String(), check.Equals, "   CONFIG_NEW = y\n   CONFIG_OTHER = \"\"\n")
}

func (s *toolSuite) TestConfigureListMissing(c *check.C) {
	s.setUpConfigure(c)
	s.writeFile(c, "/usr/src/linux-5.15.16-gentoo/.config", "CONFIG_B=y\n")

	err := s.tool.Configure(ConfigureOptions{List: true})
	c.Check(errors.Is(err, efibootmgr.ErrMissingArtifact), check.Equals, true)
	c.Check(s.mr.Calls, check.HasLen, 0)
}

func (s *toolSuite) TestConfigureSource(c *check.C) {
	s.setUpConfigure(c)
	s.mkGeneration(c, generation{name: "5.15.23-gentoo"})

	c.Assert(s.tool.Configure(ConfigureOptions{Source: s.path("/usr/src/linux-5.15.16-gentoo")}), check.IsNil)
	c.Check(s.exists("/usr/src/linux-5.15.16-gentoo/.config"), check.Equals, true)
	c.Check(s.exists("/usr/src/linux-5.15.23-gentoo/.config"), check.Equals, false)
}

func (s *toolSuite) TestBuild(c *check.C) {
	s.mkGeneration(c, generation{name: "5.15.16-gentoo", config: "CONFIG_A=y\n"})

	c.Assert(s.tool.Build(BuildOptions{}), check.IsNil)
	c.Check(s.mr.Commands(), check.DeepEquals, []string{"make -j 4"})
	c.Check(s.mr.Calls[0].Dir, check.Equals, s.path("/usr/src/linux-5.15.16-gentoo"))
	c.Check(s.exists("/usr/src/linux-5.15.16-gentoo/arch/x86_64/boot/bzImage"), check.Equals, true)
	c.Check(s.out.String(), check.Equals, " * running make -j 4\n")

	c.Assert(s.tool.Build(BuildOptions{Jobs: 16}), check.IsNil)
	c.Check(s.mr.Count("make -j 16"), check.Equals, 1)
}

func (s *toolSuite) TestBuildQuiet(c *check.C) {
	s.mkGeneration(c, generation{name: "5.15.16-gentoo", config: "CONFIG_A=y\n"})
	s.tool.Out = output.New(&s.out, true)

	c.Assert(s.tool.Build(BuildOptions{}), check.IsNil)
	c.Check(s.out.String(), check.Equals, "")
}

func (s *toolSuite) TestBuildMissingConfig(c *check.C) {
	s.mkGeneration(c, generation{name: "5.15.16-gentoo"})

	err := s.tool.Build(BuildOptions{})
	c.Check(errors.Is(err, efibootmgr.ErrMissingArtifact), check.Equals, true)
	c.Check(err, check.ErrorMatches, "missing artifact: config .*/usr/src/linux-5.15.16-gentoo/.config")
	c.Check(s.mr.Calls, check.HasLen, 0)
}
