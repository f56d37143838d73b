// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/canonical/ekernel/runner"
)

// splits a partition device into disk and partition number, e.g.
// /dev/nvme0n1p1 into /dev/nvme0n1 and 1
var partitionPattern = regexp.MustCompile(`^(.+?)p?(\d+)$`)

// unameRelease returns the release of the running kernel.
var unameRelease = func() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// InstallOptions configures Session.Install.
type InstallOptions struct {
	// Fallback registers a fallback boot entry for the previously running image.
	Fallback bool
}

// Install installs the compiled image of k as the boot image and as its
// backup, selects k as the current kernel and installs its modules.
func (s *Session) Install(k *Kernel, opts InstallOptions) error {
	return s.WithMount(func() error {
		// The backup location depends on the boot image found on the ESP.
		k, err := NewKernel(s.Paths, k.Source)
		if err != nil {
			return err
		}

		var running []byte
		if opts.Fallback {
			running, err = readFile(s.Paths.BootImage)
			if err != nil {
				return fmt.Errorf("%w: boot image %s: %v", ErrMissingArtifact, s.Paths.BootImage, err)
			}
		}

		if !exists(k.Image) {
			return fmt.Errorf("%w: bzImage %s", ErrMissingArtifact, k.Image)
		}

		s.Out.Info("creating boot image %s", s.Out.Teal(s.Paths.BootImage))
		if _, err := MaybeUpdateFile(s.Paths.BootImage, k.Image); err != nil {
			return err
		}
		s.Out.Info("creating backup image %s", s.Out.Teal(k.Backup))
		if _, err := MaybeUpdateFile(k.Backup, k.Image); err != nil {
			return err
		}

		s.Out.Info("updating symlink %s → %s", s.Out.Teal(s.Paths.Linux()), s.Out.Teal(k.Source))
		if err := runner.Run("", nil, s.Out.Writer(), os.Stderr, "eselect", "kernel", "set", k.Name()); err != nil {
			return err
		}

		if opts.Fallback {
			if err := s.reconcileFallback(running); err != nil {
				return err
			}
		}

		s.Out.Info("installing modules %s", s.Out.Teal(k.Modules))
		if err := runner.Run(k.Source, nil, s.Out.Writer(), os.Stderr, "make", "modules_install"); err != nil {
			return err
		}

		args := []string{"@module-rebuild"}
		if s.Out.Quiet() {
			args = append([]string{"-q"}, args...)
		}
		s.Out.Info("running %s", s.Out.Teal("emerge "+strings.Join(args, " ")))
		return runner.Run("", nil, s.Out.Writer(), os.Stderr, "emerge", args...)
	})
}

// reconcileFallback points the fallback entry at the backup of the
// previously running image.
func (s *Session) reconcileFallback(running []byte) error {
	bkp, err := findBackup(s.Paths.BackupDir(), running)
	if err != nil {
		return err
	}
	if bkp == "" {
		release, err := unameRelease()
		if err != nil {
			return fmt.Errorf("cannot get running kernel release: %w", err)
		}
		v, err := ParseVersion(release)
		if err != nil {
			return err
		}
		bkp = filepath.Join(s.Paths.BackupDir(), backupName(v))
		s.Out.Info("creating backup image %s", s.Out.Teal(bkp))
		if err := writeFile(bkp, running); err != nil {
			return err
		}
	}

	disk, part, err := espDevice(s.Paths.ESP)
	if err != nil {
		return err
	}
	loader, err := filepath.Rel(s.Paths.ESP, bkp)
	if err != nil {
		return err
	}

	label := FallbackLabel(s.Current)
	if s.Fallback != nil {
		s.Out.Info("deleting boot entry %s", s.Out.Teal(label))
		if err := s.Firmware.DeleteEntry(s.Fallback.Number); err != nil {
			return err
		}
	}
	s.Out.Info("creating boot entry %s", s.Out.Teal(label))
	if err := s.Firmware.CreateEntry(NewBootEntry{
		Disk:      disk,
		Partition: part,
		Label:     label,
		ESP:       s.Paths.ESP,
		Loader:    filepath.ToSlash(loader),
	}); err != nil {
		return err
	}

	table, err := s.Firmware.BootTable()
	if err != nil {
		return fmt.Errorf("cannot read boot entries: %w", err)
	}
	if err := s.setTable(table); err != nil {
		return err
	}
	if s.Fallback == nil {
		return fmt.Errorf("%w: %s", ErrBootEntryNotFound, label)
	}
	return s.Firmware.SetBootOrder(placeAfter(table.Order, s.Current.Number, s.Fallback.Number))
}

// findBackup returns the backup image in dir with the given content, or an
// empty string if there is none.
func findBackup(dir string, content []byte) (string, error) {
	entries, err := appFs.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("cannot list backup images: %w", err)
	}
	want := sha256.Sum256(content)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "gentoo") || !strings.HasSuffix(name, ".efi") {
			continue
		}
		path := filepath.Join(dir, name)
		got, err := hashFile(path)
		if err != nil {
			return "", err
		}
		if bytes.Equal(got, want[:]) {
			return path, nil
		}
	}
	return "", nil
}

// espDevice returns the disk and partition number of the ESP.
func espDevice(esp string) (disk, part string, err error) {
	out, err := runner.Output("", "findmnt", "-rno", "SOURCE", esp)
	if err != nil {
		return "", "", err
	}
	var dev string
	if fields := strings.Fields(string(out)); len(fields) > 0 {
		dev = fields[0]
	}
	m := partitionPattern.FindStringSubmatch(dev)
	if m == nil {
		return "", "", fmt.Errorf("%w: cannot determine partition of %s", ErrMount, dev)
	}
	return m[1], m[2], nil
}
