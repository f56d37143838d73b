// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package efibootmgr manages kernel generations on an EFI system partition
// and the firmware boot entries pointing to them.
package efibootmgr

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/canonical/go-efilib"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	maxBootEntries = 65535 // Maximum number of boot entries we can hold
)

// BootEntryVariable defines a boot entry variable
type BootEntryVariable struct {
	BootNumber int                    // number of the Boot variable, for example, for Boot0004 this is 4
	Data       []byte                 // the data of the variable
	Attributes efi.VariableAttributes // any attributes set on the variable
	LoadOption *efi.LoadOption        // the data of the variable parsed as a load option, nil if it is not a valid load option
}

// BootManager manages the boot device selection menu entries (Boot0000...BootFFFF)
// through the EFI variables directly.
type BootManager struct {
	entries        map[int]BootEntryVariable // The Boot<number> variables
	bootOrder      []int                     // The BootOrder variable, parsed
	bootOrderAttrs efi.VariableAttributes    // The attributes of BootOrder variable
	bootCurrent    int                       // The BootCurrent variable, -1 if unset
}

// NewBootManagerFromSystem returns a new BootManager object, initialized with the system state.
func NewBootManagerFromSystem() (BootManager, error) {
	if !variablesSupported() {
		return BootManager{}, fmt.Errorf("Variables not supported")
	}

	order, attrs, err := readBootNumbers("BootOrder")
	if err != nil {
		return BootManager{}, err
	}
	bm := BootManager{
		entries:        make(map[int]BootEntryVariable),
		bootOrder:      order,
		bootOrderAttrs: attrs,
		bootCurrent:    -1,
	}
	if current, _, err := readBootNumbers("BootCurrent"); err == nil && len(current) > 0 {
		bm.bootCurrent = current[0]
	}

	names, err := globalVariableNames()
	if err != nil {
		return BootManager{}, fmt.Errorf("cannot obtain list of global variables: %v", err)
	}
	for _, name := range names {
		var entry BootEntryVariable
		if parsed, err := fmt.Sscanf(name, "Boot%04X", &entry.BootNumber); len(name) != 8 || parsed != 1 || err != nil {
			continue
		}
		entry.Data, entry.Attributes, err = readGlobal(name)
		if err != nil {
			return BootManager{}, fmt.Errorf("cannot read %s: %v", name, err)
		}
		entry.LoadOption, err = efi.ReadLoadOption(bytes.NewReader(entry.Data))
		if err != nil {
			log.Printf("Invalid boot entry Boot%04X: %s\n", entry.BootNumber, err)
		}

		bm.entries[entry.BootNumber] = entry
	}

	return bm, nil
}

// Table returns the boot entries in the same form as parsed from efibootmgr.
func (bm *BootManager) Table() (*BootTable, error) {
	if bm.bootCurrent < 0 {
		return nil, fmt.Errorf("%w: missing BootCurrent", ErrFirmwareParse)
	}
	t := &BootTable{BootCurrent: fmt.Sprintf("%04X", bm.bootCurrent)}
	for _, num := range bm.bootOrder {
		t.Order = append(t.Order, fmt.Sprintf("%04X", num))
	}
	for num := 0; num <= maxBootEntries; num++ {
		entry, ok := bm.entries[num]
		if !ok {
			continue
		}
		e := BootEntry{Number: fmt.Sprintf("%04X", num)}
		if lo := entry.LoadOption; lo != nil {
			e.Label = lo.Description
			e.Active = lo.Attributes&efi.LoadOptionActive != 0
			e.Loader = loaderFromDevicePath(lo.FilePath)
			e.Options = decodeOptionalData(lo.OptionalData)
		}
		t.Entries = append(t.Entries, e)
	}
	return t, nil
}

func loaderFromDevicePath(dp efi.DevicePath) string {
	for _, node := range dp {
		switch fp := node.(type) {
		case efi.FilePathDevicePathNode:
			return normalizeLoader(string(fp))
		case *efi.FilePathDevicePathNode:
			return normalizeLoader(string(*fp))
		}
	}
	return ""
}

// decodeOptionalData decodes load option arguments, which are UTF-16 by convention.
// Binary data is not decoded.
func decodeOptionalData(data []byte) string {
	if len(data) == 0 || len(data)%2 != 0 {
		return ""
	}
	decoded, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(), data)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(decoded), "\x00")
}

// NextFreeEntry returns the number of the next free Boot variable.
func (bm *BootManager) NextFreeEntry() (int, error) {
	for i := 0; i < maxBootEntries; i++ {
		if _, ok := bm.entries[i]; !ok {
			return i, nil
		}
	}

	return -1, fmt.Errorf("Maximum number of boot entries exceeded")
}

// FindOrCreateEntry finds a matching entry in the boot device selection menu,
// or creates one if it is missing.
//
// It returns the number of the entry created, or -1 on failure, with error set.
//
// The argument path is the absolute path of the loader on the mounted ESP.
func (bm *BootManager) FindOrCreateEntry(label string, path string) (int, error) {
	bootNext, err := bm.NextFreeEntry()
	if err != nil {
		return -1, err
	}
	variable := fmt.Sprintf("Boot%04X", bootNext)

	dp, err := appEFIVars.NewDevicePath(path)
	if err != nil {
		return -1, err
	}

	loadoption := &efi.LoadOption{
		Attributes:  efi.LoadOptionActive,
		Description: label,
		FilePath:    dp,
	}
	data, err := loadoption.Bytes()
	if err != nil {
		return -1, err
	}

	entryVar := BootEntryVariable{
		BootNumber: bootNext,
		Data:       data,
		Attributes: efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess,
		LoadOption: loadoption,
	}

	// Detect duplicates and ignore
	for _, existingVar := range bm.entries {
		if bytes.Equal(existingVar.Data, entryVar.Data) && existingVar.Attributes == entryVar.Attributes {
			return existingVar.BootNumber, nil
		}
	}

	if err := writeGlobal(variable, entryVar.Data, entryVar.Attributes); err != nil {
		return -1, err
	}

	bm.entries[bootNext] = entryVar

	return bootNext, nil
}

// DeleteEntry deletes an entry and updates the cached boot order.
//
// The boot order still needs to be committed afterwards. It is not written back immediately,
// as there will usually be multiple places to update boot order, and we can coalesce those
// writes. We still have to update the boot order though, such that when we delete an entry
// and then create a new one with the same number we don't accidentally have the new one in
// the order.
func (bm *BootManager) DeleteEntry(bootNum int) error {
	variable := fmt.Sprintf("Boot%04X", bootNum)
	if _, ok := bm.entries[bootNum]; !ok {
		return fmt.Errorf("Tried deleting a non-existing variable %s", variable)
	}

	if err := deleteGlobal(variable); err != nil {
		return err
	}
	delete(bm.entries, bootNum)

	var newOrder []int

	for _, orderEntry := range bm.bootOrder {
		if orderEntry != bootNum {
			newOrder = append(newOrder, orderEntry)
		}

	}

	bm.bootOrder = newOrder

	return nil
}

// PrependAndSetBootOrder commits a new boot order or returns an error.
//
// The boot order specified is prepended to the existing one, and the order
// is deduplicated before committing.
func (bm *BootManager) PrependAndSetBootOrder(head []int) error {
	return bm.SetBootOrder(append(append([]int(nil), head...), bm.bootOrder...))
}

// SetBootOrder commits the given boot order, dropping duplicates and
// entries that do not exist.
func (bm *BootManager) SetBootOrder(order []int) error {
	var newOrder []int

	for _, num := range order {
		isDuplicate := false
		for _, otherNum := range newOrder {
			if otherNum == num {
				isDuplicate = true
			}
		}
		if _, ok := bm.entries[num]; ok && !isDuplicate {
			newOrder = append(newOrder, num)
		}
	}

	if err := writeGlobal("BootOrder", encodeBootNumbers(newOrder), bm.bootOrderAttrs); err != nil {
		return err
	}

	bm.bootOrder = newOrder
	return nil
}
