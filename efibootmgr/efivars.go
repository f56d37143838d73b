// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"encoding/binary"
	"fmt"

	"github.com/canonical/go-efilib"
	"github.com/canonical/go-efilib/linux"
)

// EFIVariables is the access to firmware variables used by the efivars
// backend.
type EFIVariables interface {
	ListVariables() ([]efi.VariableDescriptor, error)
	GetVariable(guid efi.GUID, name string) (data []byte, attrs efi.VariableAttributes, err error)
	SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error
	// NewDevicePath returns the device path of a file on a mounted partition.
	NewDevicePath(filepath string) (efi.DevicePath, error)
}

// systemVariables accesses efivarfs.
type systemVariables struct{}

func (systemVariables) ListVariables() ([]efi.VariableDescriptor, error) {
	return efi.ListVariables(efi.DefaultVarContext)
}

func (systemVariables) GetVariable(guid efi.GUID, name string) ([]byte, efi.VariableAttributes, error) {
	return efi.ReadVariable(efi.DefaultVarContext, name, guid)
}

func (systemVariables) SetVariable(guid efi.GUID, name string, data []byte, attrs efi.VariableAttributes) error {
	return efi.WriteVariable(efi.DefaultVarContext, name, guid, attrs, data)
}

// The loader is referenced by a short-form (HD) path, as efibootmgr does.
func (systemVariables) NewDevicePath(filepath string) (efi.DevicePath, error) {
	return linux.FilePathToDevicePath(filepath, linux.ShortFormPathHD)
}

var appEFIVars EFIVariables = systemVariables{}

func variablesSupported() bool {
	_, err := appEFIVars.ListVariables()
	return err == nil
}

// globalVariableNames lists the variables in the EFI global namespace, where
// boot entries and the boot order live.
func globalVariableNames() ([]string, error) {
	vars, err := appEFIVars.ListVariables()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, v := range vars {
		if v.GUID == efi.GlobalVariable {
			names = append(names, v.Name)
		}
	}
	return names, nil
}

func readGlobal(name string) ([]byte, efi.VariableAttributes, error) {
	return appEFIVars.GetVariable(efi.GlobalVariable, name)
}

func writeGlobal(name string, data []byte, attrs efi.VariableAttributes) error {
	return appEFIVars.SetVariable(efi.GlobalVariable, name, data, attrs)
}

// deleteGlobal deletes a variable by writing an empty payload with its
// current attributes.
func deleteGlobal(name string) error {
	_, attrs, err := readGlobal(name)
	if err != nil {
		return err
	}
	return writeGlobal(name, nil, attrs)
}

// readBootNumbers reads a variable holding little endian 16 bit boot entry
// numbers, such as BootOrder or BootCurrent.
func readBootNumbers(name string) ([]int, efi.VariableAttributes, error) {
	data, attrs, err := readGlobal(name)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot read %s variable: %w", name, err)
	}
	nums := make([]int, len(data)/2)
	for i := range nums {
		nums[i] = int(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return nums, attrs, nil
}

func encodeBootNumbers(nums []int) []byte {
	data := make([]byte, 2*len(nums))
	for i, num := range nums {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(num))
	}
	return data
}
