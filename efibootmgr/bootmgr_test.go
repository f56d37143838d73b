// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"github.com/canonical/go-efilib"
	"golang.org/x/text/encoding/unicode"
	"gopkg.in/check.v1"
)

type bootManagerSuite struct {
	mapFsMixin
	vars        *MockEFIVariables
	restoreVars func()
}

var _ = check.Suite(&bootManagerSuite{})

func (s *bootManagerSuite) SetUpTest(c *check.C) {
	s.mapFsMixin.SetUpTest(c)
	s.vars = &MockEFIVariables{esp: "/boot"}
	s.vars.setGlobal("BootCurrent", []byte{1, 0})
	s.vars.setGlobal("BootOrder", []byte{1, 0, 2, 0})
	s.vars.setGlobal("Boot0001", s.loadOption(c, "Gentoo", `\EFI\Gentoo\bootx64.efi`, "root=/dev/nvme0n1p2"))
	s.vars.setGlobal("Boot0002", UsbrBootCdrom)
	s.restoreVars = useEFIVariables(s.vars)
}

func (s *bootManagerSuite) TearDownTest(c *check.C) {
	s.restoreVars()
	s.mapFsMixin.TearDownTest(c)
}

func (s *bootManagerSuite) loadOption(c *check.C, label, path, options string) []byte {
	lo := &efi.LoadOption{
		Attributes:  efi.LoadOptionActive,
		Description: label,
		FilePath:    efi.DevicePath{efi.FilePathDevicePathNode(path)},
	}
	if options != "" {
		data, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(options))
		c.Assert(err, check.IsNil)
		lo.OptionalData = data
	}
	data, err := lo.Bytes()
	c.Assert(err, check.IsNil)
	return data
}

func (s *bootManagerSuite) TestTable(c *check.C) {
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)
	c.Check(bm.entries, check.HasLen, 2)

	t, err := bm.Table()
	c.Assert(err, check.IsNil)
	c.Check(t.BootCurrent, check.Equals, "0001")
	c.Check(t.Order, check.DeepEquals, []string{"0001", "0002"})
	c.Check(t.Entries, check.DeepEquals, []BootEntry{
		{Number: "0001", Label: "Gentoo", Loader: "EFI/Gentoo/bootx64.efi", Active: true, Options: "root=/dev/nvme0n1p2"},
		{Number: "0002", Label: "USBR BOOT CDROM", Active: true},
	})

	current, err := t.Current()
	c.Assert(err, check.IsNil)
	c.Check(current.Label, check.Equals, "Gentoo")
}

func (s *bootManagerSuite) TestTableMissingBootCurrent(c *check.C) {
	s.vars.SetVariable(efi.GlobalVariable, "BootCurrent", nil, 0)
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)
	_, err = bm.Table()
	c.Check(err, check.ErrorMatches, "cannot parse boot entries: missing BootCurrent")
}

func (s *bootManagerSuite) TestUnsupported(c *check.C) {
	defer useEFIVariables(NoEFIVariables{})()
	_, err := NewBootManagerFromSystem()
	c.Check(err, check.ErrorMatches, "Variables not supported")
}

func (s *bootManagerSuite) TestFindOrCreateEntry(c *check.C) {
	s.writeFile(c, "/boot/EFI/Gentoo/gentoo-5.15.3.efi", []byte("bzImage"))
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)

	// Boot0000 is the first free number
	num, err := bm.FindOrCreateEntry("Gentoo (fallback)", "/boot/EFI/Gentoo/gentoo-5.15.3.efi")
	c.Assert(err, check.IsNil)
	c.Check(num, check.Equals, 0)

	data := s.vars.getGlobal("Boot0000")
	c.Assert(data, check.NotNil)
	c.Check(data, check.DeepEquals, s.loadOption(c, "Gentoo (fallback)", `\EFI\Gentoo\gentoo-5.15.3.efi`, ""))

	// duplicates are detected
	num, err = bm.FindOrCreateEntry("Gentoo (fallback)", "/boot/EFI/Gentoo/gentoo-5.15.3.efi")
	c.Assert(err, check.IsNil)
	c.Check(num, check.Equals, 0)

	num, err = bm.FindOrCreateEntry("Other", "/boot/EFI/Gentoo/gentoo-5.15.3.efi")
	c.Assert(err, check.IsNil)
	c.Check(num, check.Equals, 3)
}

func (s *bootManagerSuite) TestFindOrCreateEntryMissingFile(c *check.C) {
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)
	_, err = bm.FindOrCreateEntry("Gentoo (fallback)", "/boot/EFI/Gentoo/gentoo-5.15.3.efi")
	c.Check(err, check.NotNil)
	c.Check(s.vars.getGlobal("Boot0000"), check.IsNil)
}

func (s *bootManagerSuite) TestDeleteEntry(c *check.C) {
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)

	c.Assert(bm.DeleteEntry(2), check.IsNil)
	c.Check(s.vars.getGlobal("Boot0002"), check.IsNil)
	c.Check(bm.bootOrder, check.DeepEquals, []int{1})
	// not committed yet
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{1, 0, 2, 0})

	c.Assert(bm.PrependAndSetBootOrder(nil), check.IsNil)
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{1, 0})

	c.Check(bm.DeleteEntry(2), check.ErrorMatches, "Tried deleting a non-existing variable Boot0002")
}

func (s *bootManagerSuite) TestSetBootOrder(c *check.C) {
	bm, err := NewBootManagerFromSystem()
	c.Assert(err, check.IsNil)

	// unknown entries and duplicates are dropped
	c.Assert(bm.SetBootOrder([]int{2, 7, 1, 2}), check.IsNil)
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{2, 0, 1, 0})

	c.Assert(bm.PrependAndSetBootOrder([]int{1}), check.IsNil)
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{1, 0, 2, 0})
}

func (s *bootManagerSuite) TestVarsFirmware(c *check.C) {
	s.writeFile(c, "/boot/EFI/Gentoo/gentoo-5.15.3.efi", []byte("bzImage"))
	fw, err := NewFirmware("efivars")
	c.Assert(err, check.IsNil)

	c.Assert(fw.CreateEntry(NewBootEntry{
		Disk:      "/dev/nvme0n1",
		Partition: "1",
		Label:     "Gentoo (fallback)",
		ESP:       "/boot",
		Loader:    "EFI/Gentoo/gentoo-5.15.3.efi",
	}), check.IsNil)

	t, err := fw.BootTable()
	c.Assert(err, check.IsNil)
	fallback, ok, err := t.Fallback()
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)
	c.Check(fallback.Number, check.Equals, "0000")
	c.Check(fallback.Loader, check.Equals, "EFI/Gentoo/gentoo-5.15.3.efi")

	c.Assert(fw.SetBootOrder(placeAfter(t.Order, "0001", "0000")), check.IsNil)
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{1, 0, 0, 0, 2, 0})

	c.Assert(fw.DeleteEntry("0002"), check.IsNil)
	c.Check(s.vars.getGlobal("Boot0002"), check.IsNil)
	c.Check(s.vars.getGlobal("BootOrder"), check.DeepEquals, []byte{1, 0, 0, 0})

	c.Check(fw.DeleteEntry("xyz"), check.ErrorMatches, `invalid boot entry number "xyz": .*`)
}

func (s *bootManagerSuite) TestDecodeOptionalData(c *check.C) {
	c.Check(decodeOptionalData(nil), check.Equals, "")
	// odd length is binary data
	c.Check(decodeOptionalData([]byte{1, 2, 3}), check.Equals, "")
	c.Check(decodeOptionalData([]byte{'a', 0, 'b', 0, 0, 0}), check.Equals, "ab")
}

func (s *bootManagerSuite) TestBootNumbers(c *check.C) {
	c.Check(encodeBootNumbers([]int{1, 0x1234, 0}), check.DeepEquals, []byte{1, 0, 0x34, 0x12, 0, 0})

	s.vars.setGlobal("BootNext", encodeBootNumbers([]int{0xABCD}))
	nums, attrs, err := readBootNumbers("BootNext")
	c.Assert(err, check.IsNil)
	c.Check(nums, check.DeepEquals, []int{0xABCD})
	c.Check(attrs, check.Equals, efi.AttributeNonVolatile|efi.AttributeBootserviceAccess|efi.AttributeRuntimeAccess)

	_, _, err = readBootNumbers("BootMissing")
	c.Check(err, check.ErrorMatches, "cannot read BootMissing variable: .*")
}

func (s *bootManagerSuite) TestDeleteGlobal(c *check.C) {
	s.vars.setGlobal("Boot0009", []byte{1})
	c.Assert(deleteGlobal("Boot0009"), check.IsNil)
	c.Check(s.vars.getGlobal("Boot0009"), check.IsNil)

	names, err := globalVariableNames()
	c.Assert(err, check.IsNil)
	c.Check(names, check.Not(check.HasLen), 0)
	for _, name := range names {
		c.Check(name, check.Not(check.Equals), "Boot0009")
	}
}
