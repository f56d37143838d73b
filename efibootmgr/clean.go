// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/canonical/ekernel/output"
	"github.com/canonical/ekernel/runner"
)

// CleanOptions configures Session.Clean.
type CleanOptions struct {
	Keep   int  // number of previous bootable generations to keep
	DryRun bool // only report what would be removed
}

// Report lists what Session.Clean removed, or would remove in a dry run.
type Report struct {
	Plan      Plan
	Sources   []string
	Modules   []string
	Images    []string
	BootEntry *BootEntry // deleted fallback entry
	DryRun    bool
}

// Empty reports whether nothing is removed.
func (r *Report) Empty() bool {
	return len(r.Sources) == 0 && len(r.Modules) == 0 && len(r.Images) == 0 && r.BootEntry == nil
}

// Print writes the report as progress output.
func (r *Report) Print(out *output.Output) {
	if r.DryRun && len(r.Plan.Removed) > 0 {
		out.Info("kernels to be removed:")
		for _, k := range r.Plan.Removed {
			out.Item(output.MarkRemoved, k.Name())
		}
	}
	for _, group := range []struct {
		kind  string
		paths []string
	}{
		{"sources", r.Sources},
		{"modules", r.Modules},
		{"images", r.Images},
	} {
		if len(group.paths) == 0 {
			continue
		}
		out.Info("deleting %s:", group.kind)
		for _, p := range group.paths {
			out.Item(output.MarkRemoved, p)
		}
	}
	if r.BootEntry != nil {
		out.Info("deleting boot entry %s", out.Teal(r.BootEntry.Label))
	}
}

// Clean removes the kernel generations not retained by the keep policy,
// together with leftover modules and backup images of unknown generations.
func (s *Session) Clean(opts CleanOptions) (*Report, error) {
	var report *Report
	err := s.WithMount(func() error {
		var err error
		report, err = s.plan(opts)
		if err != nil {
			return err
		}

		if !opts.DryRun {
			args := []string{"-c", "gentoo-sources"}
			if s.Out.Quiet() {
				args = append([]string{"-q"}, args...)
			}
			s.Out.Info("running %s", s.Out.Teal("emerge "+strings.Join(args, " ")))
			if err := runner.Run("", nil, s.Out.Writer(), os.Stderr, "emerge", args...); err != nil {
				return err
			}
		}

		report.Print(s.Out)
		if opts.DryRun {
			return nil
		}

		for _, dir := range append(append([]string(nil), report.Sources...), report.Modules...) {
			if err := appFs.RemoveAll(dir); err != nil {
				return fmt.Errorf("cannot remove %s: %w", dir, err)
			}
		}
		for _, img := range report.Images {
			if err := removeIfExists(img); err != nil {
				return fmt.Errorf("cannot remove %s: %w", img, err)
			}
		}
		if report.BootEntry != nil {
			if err := s.Firmware.DeleteEntry(report.BootEntry.Number); err != nil {
				return err
			}
			s.Fallback = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// plan computes the report without touching anything.
func (s *Session) plan(opts CleanOptions) (*Report, error) {
	current, err := CurrentKernel(s.Paths)
	if err != nil {
		return nil, err
	}
	all, err := ListKernels(s.Paths)
	if err != nil {
		return nil, err
	}

	r := &Report{Plan: ComputeRetained(all, current, opts.Keep), DryRun: opts.DryRun}

	retainedModules := make(map[string]bool)
	retainedImages := make(map[string]bool)
	for _, k := range r.Plan.Retained() {
		retainedModules[filepath.Clean(k.Modules)] = true
		retainedImages[filepath.Clean(k.Backup)] = true
	}

	for _, k := range r.Plan.Removed {
		r.Sources = append(r.Sources, k.Source)
	}

	r.Modules, err = orphans(s.Paths.ModuleRoot, retainedModules, IsRelease, true)
	if err != nil {
		return nil, err
	}

	r.Images, err = orphans(s.Paths.BackupDir(), retainedImages, func(name string) bool {
		return strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, ".efi")
	}, false)
	if err != nil {
		return nil, err
	}

	if img := s.FallbackImage(); img != "" {
		if !exists(img) || contains(r.Images, filepath.Clean(img)) {
			r.BootEntry = s.Fallback
		}
	}
	return r, nil
}

// orphans lists the entries of dir matching match which are not retained.
// A missing dir has no orphans.
func orphans(dir string, retained map[string]bool, match func(name string) bool, dirs bool) ([]string, error) {
	entries, err := appFs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot list %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() != dirs || !match(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !retained[path] {
			out = append(out, path)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
