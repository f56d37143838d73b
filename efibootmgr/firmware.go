// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/canonical/ekernel/runner"
)

// Firmware gives access to the boot device selection menu of the firmware.
type Firmware interface {
	// BootTable returns the current boot entries.
	BootTable() (*BootTable, error)
	// DeleteEntry deletes the entry with the given 4 digit hex number.
	DeleteEntry(number string) error
	// CreateEntry registers a new entry.
	CreateEntry(e NewBootEntry) error
	// SetBootOrder replaces BootOrder.
	SetBootOrder(order []string) error
}

// NewBootEntry describes a boot entry to be created.
type NewBootEntry struct {
	Disk      string // e.g. /dev/nvme0n1
	Partition string // e.g. 1
	Label     string
	ESP       string // mountpoint of the ESP
	Loader    string // loader path relative to the ESP, forward slashes
}

// NewFirmware returns the backend with the given name, "efibootmgr" or "efivars".
func NewFirmware(name string) (Firmware, error) {
	switch name {
	case "", "efibootmgr":
		return Efibootmgr{}, nil
	case "efivars":
		return &VarsFirmware{}, nil
	}
	return nil, fmt.Errorf("unknown firmware backend %q", name)
}

// Efibootmgr accesses the firmware through the efibootmgr command.
type Efibootmgr struct{}

// BootTable runs efibootmgr and parses its listing.
func (Efibootmgr) BootTable() (*BootTable, error) {
	out, err := runner.Output("", "efibootmgr")
	if err != nil {
		return nil, err
	}
	return ParseBootTable(string(out))
}

// DeleteEntry runs efibootmgr -b NNNN -B.
func (Efibootmgr) DeleteEntry(number string) error {
	_, err := runner.Output("", "efibootmgr", "-q", "-b", number, "-B")
	return err
}

// CreateEntry runs efibootmgr -c. The loader is passed the way the firmware
// expects it, relative to the partition and with backslashes.
func (Efibootmgr) CreateEntry(e NewBootEntry) error {
	loader := `\` + strings.ReplaceAll(strings.TrimLeft(e.Loader, "/"), "/", `\`)
	_, err := runner.Output("", "efibootmgr", "-q", "-c",
		"-d", e.Disk,
		"-p", e.Partition,
		"-L", e.Label,
		"-l", loader)
	return err
}

// SetBootOrder runs efibootmgr -o.
func (Efibootmgr) SetBootOrder(order []string) error {
	_, err := runner.Output("", "efibootmgr", "-q", "-o", strings.Join(order, ","))
	return err
}

// VarsFirmware accesses the firmware through the EFI variables.
type VarsFirmware struct {
	bm *BootManager
}

func (f *VarsFirmware) manager() (*BootManager, error) {
	if f.bm == nil {
		bm, err := NewBootManagerFromSystem()
		if err != nil {
			return nil, err
		}
		f.bm = &bm
	}
	return f.bm, nil
}

// BootTable reads BootCurrent, BootOrder and the Boot#### variables.
func (f *VarsFirmware) BootTable() (*BootTable, error) {
	bm, err := f.manager()
	if err != nil {
		return nil, err
	}
	return bm.Table()
}

// DeleteEntry deletes the Boot#### variable and drops it from BootOrder.
func (f *VarsFirmware) DeleteEntry(number string) error {
	bm, err := f.manager()
	if err != nil {
		return err
	}
	num, err := parseBootNumber(number)
	if err != nil {
		return err
	}
	if err := bm.DeleteEntry(num); err != nil {
		return err
	}
	return bm.PrependAndSetBootOrder(nil)
}

// CreateEntry writes a new Boot#### variable. It is not added to BootOrder.
func (f *VarsFirmware) CreateEntry(e NewBootEntry) error {
	bm, err := f.manager()
	if err != nil {
		return err
	}
	_, err = bm.FindOrCreateEntry(e.Label, filepath.Join(e.ESP, filepath.FromSlash(e.Loader)))
	return err
}

// SetBootOrder writes BootOrder.
func (f *VarsFirmware) SetBootOrder(order []string) error {
	bm, err := f.manager()
	if err != nil {
		return err
	}
	nums := make([]int, 0, len(order))
	for _, number := range order {
		num, err := parseBootNumber(number)
		if err != nil {
			return err
		}
		nums = append(nums, num)
	}
	return bm.SetBootOrder(nums)
}

func parseBootNumber(number string) (int, error) {
	num, err := strconv.ParseUint(number, 16, 16)
	if err != nil {
		return -1, fmt.Errorf("invalid boot entry number %q: %w", number, err)
	}
	return int(num), nil
}

// placeAfter returns order with number moved directly behind anchor, or
// appended if anchor is not part of order.
func placeAfter(order []string, anchor, number string) []string {
	out := make([]string, 0, len(order)+1)
	placed := false
	for _, n := range order {
		if n == number {
			continue
		}
		out = append(out, n)
		if n == anchor {
			out = append(out, number)
			placed = true
		}
	}
	if !placed {
		out = append(out, number)
	}
	return out
}
