// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/canonical/ekernel/output"
	"github.com/canonical/ekernel/runner"
)

// ErrMount is returned if the ESP cannot be located or mounted.
var ErrMount = errors.New("cannot mount ESP")

// mountpoints the ESP is looked up at in fstab, in order of preference
var espMountpoints = []string{"/boot", "/efi", "/boot/efi"}

// Session holds the firmware state of a single invocation and guards the
// ESP mount.
type Session struct {
	Paths    Paths
	Firmware Firmware
	Out      *output.Output

	Table    *BootTable
	Current  BootEntry  // entry the system was booted from
	Fallback *BootEntry // fallback entry of Current, nil if not registered

	active bool // inside WithMount
}

// NewSession returns a session for the given paths and firmware backend.
func NewSession(paths Paths, fw Firmware, out *output.Output) *Session {
	if out == nil {
		out = output.Discard()
	}
	return &Session{Paths: paths, Firmware: fw, Out: out}
}

// WithMount runs body with the ESP mounted.
//
// The firmware is queried for the running boot entry, which determines the
// boot image path. The ESP is only unmounted again if this call mounted it.
// Nested calls run body directly.
func (s *Session) WithMount(body func() error) (err error) {
	if s.active {
		return body()
	}

	if err := s.locate(); err != nil {
		return err
	}
	owned, err := s.mount()
	if err != nil {
		return err
	}

	s.active = true
	defer func() {
		s.active = false
		if !owned {
			return
		}
		if uerr := s.unmount(); uerr != nil {
			err = appendError(err, uerr)
		}
	}()

	return body()
}

// Mounted reports whether the session is inside WithMount.
func (s *Session) Mounted() bool { return s.active }

// FallbackImage returns the absolute path of the fallback entry's loader,
// or an empty string if there is no fallback entry.
func (s *Session) FallbackImage() string {
	if s.Fallback == nil {
		return ""
	}
	return filepath.Join(s.Paths.ESP, filepath.FromSlash(s.Fallback.Loader))
}

// locate refreshes the boot entries and derives the ESP paths from them.
func (s *Session) locate() error {
	table, err := s.Firmware.BootTable()
	if err != nil {
		return fmt.Errorf("cannot read boot entries: %w", err)
	}
	if err := s.setTable(table); err != nil {
		return err
	}

	if s.Paths.ESP == "" {
		esp, err := findESP(s.Paths.Fstab)
		if err != nil {
			return err
		}
		s.Paths.ESP = esp
	}
	s.Paths.BootImage = filepath.Join(s.Paths.ESP, filepath.FromSlash(s.Current.Loader))
	return nil
}

func (s *Session) setTable(table *BootTable) error {
	current, err := table.Current()
	if err != nil {
		return err
	}
	fallback, ok, err := table.Fallback()
	if err != nil {
		return err
	}
	s.Table = table
	s.Current = current
	s.Fallback = nil
	if ok {
		s.Fallback = &fallback
	}
	return nil
}

// findESP returns the first /boot or /efi mountpoint listed in fstab.
func findESP(fstab string) (string, error) {
	data, err := readFile(fstab)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMount, err)
	}

	found := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		found[filepath.Clean(fields[1])] = true
	}
	for _, mp := range espMountpoints {
		if found[mp] {
			return mp, nil
		}
	}
	return "", fmt.Errorf("%w: missing mountpoint of ESP in %s", ErrMount, fstab)
}

// mount mounts the ESP and reports whether it was mounted by us.
func (s *Session) mount() (bool, error) {
	out, err := runner.CombinedOutput("", "mount", s.Paths.ESP)
	if err == nil {
		return true, nil
	}
	if strings.Contains(string(out), "already mounted on "+s.Paths.ESP) {
		return false, nil
	}
	return false, fmt.Errorf("%w %s: %v", ErrMount, s.Paths.ESP, err)
}

func (s *Session) unmount() error {
	if _, err := runner.CombinedOutput("", "umount", s.Paths.ESP); err != nil {
		return fmt.Errorf("cannot unmount %s: %w", s.Paths.ESP, err)
	}
	return nil
}

// appendError attaches a cleanup error to the error of the operation.
func appendError(err, cleanup error) error {
	if err == nil {
		return cleanup
	}
	merr := multierror.Append(err, cleanup)
	merr.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return merr
}
