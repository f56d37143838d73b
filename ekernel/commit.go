// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package ekernel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/canonical/ekernel/efibootmgr"
	"github.com/canonical/ekernel/output"
	"github.com/canonical/ekernel/runner"
)

// ErrStaged is returned by Commit if the index already holds changes.
var ErrStaged = errors.New("please commit or stash staged changes")

// CommitOptions configures Commit.
type CommitOptions struct {
	Message string // additional information for the commit message
	DryRun  bool   // print what would be committed, leave the index as it was
}

// Commit commits the config of the current kernel, and the removal of
// configs of deleted kernels, with a message summarizing the changes.
func (t *Tool) Commit(opts CommitOptions) error {
	k, err := efibootmgr.CurrentKernel(t.Paths())
	if err != nil {
		return err
	}
	if !fileExists(k.Config) {
		return fmt.Errorf("%w: config %s", efibootmgr.ErrMissingArtifact, k.Config)
	}

	git := func(args ...string) ([]byte, error) {
		return runner.Output(k.Source, "git", args...)
	}

	if _, err := git("status", "-s"); err != nil {
		return err
	}
	if _, err := git("diff", "--cached", "--exit-code", "--quiet"); err != nil {
		if errors.Is(err, runner.ErrCommand) {
			return ErrStaged
		}
		return err
	}
	top, err := git("rev-parse", "--show-toplevel")
	if err != nil {
		return err
	}
	root := strings.TrimSpace(string(top))

	// configs of removed kernels
	status, err := git("-P", "diff", "--name-status")
	if err != nil {
		return err
	}
	var removals []string
	for _, line := range lines(status) {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(line, "D") {
			continue
		}
		if !strings.Contains(line, "usr/src/linux") || !strings.Contains(line, ".config") {
			continue
		}
		removals = append(removals, filepath.Join(root, fields[len(fields)-1]))
	}
	for _, r := range removals {
		if _, err := git("rm", r); err != nil {
			return err
		}
	}

	var msg strings.Builder
	changed := true
	if _, err := git("ls-files", "--error-unmatch", k.Config); err == nil {
		if _, err := git("-P", "diff", "--exit-code", "--quiet", k.Config); err == nil {
			changed = false
			if len(removals) > 0 {
				msg.WriteString("removed old kernel leftovers")
				if opts.Message != "" {
					fmt.Fprintf(&msg, "\n\n%s", opts.Message)
				}
			}
		} else {
			if _, err := git("add", "-f", k.Config); err != nil {
				return err
			}
			msg.WriteString("updated kernel config\n")
			if opts.Message != "" {
				fmt.Fprintf(&msg, "\n%s\n", opts.Message)
			}
			diff, err := git("-P", "diff", "--cached", k.Config)
			if err != nil {
				return err
			}
			summarize(&msg, lines(diff))
		}
	} else {
		if _, err := git("add", "-f", k.Config); err != nil {
			return err
		}
		if err := upgradeMessage(&msg, k, opts.Message); err != nil {
			return err
		}
	}

	if !changed && len(removals) == 0 {
		t.Out.Info("nothing to commit")
		return nil
	}

	t.Out.Info("changes to be committed:")
	for _, r := range removals {
		t.Out.Item(output.MarkRemoved, r)
	}
	if changed {
		t.Out.Item(output.MarkAdded, k.Config)
	}
	t.Out.Info("commit message:")
	for _, line := range strings.Split(strings.TrimRight(msg.String(), "\n"), "\n") {
		if line == "" {
			t.Out.Print("")
			continue
		}
		t.Out.Print("   " + t.Out.Teal(line))
	}

	if opts.DryRun {
		_, err := git(append([]string{"restore", "--staged", k.Config}, removals...)...)
		return err
	}

	t.Out.Info("committing")
	_, err = git("commit", "-m", msg.String())
	return err
}

// upgradeMessage describes a config new to the repository, compared to the
// .config.old make oldconfig left behind.
func upgradeMessage(msg *strings.Builder, k *efibootmgr.Kernel, extra string) error {
	oldPath := filepath.Join(k.Source, ".config.old")
	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		fmt.Fprintf(msg, "kernel %s", k.Version)
		if extra != "" {
			fmt.Fprintf(msg, "\n\n%s", extra)
		}
		return nil
	}

	// the header of a config is
	//
	//  #
	//  # Automatically generated file; DO NOT EDIT.
	//  # Linux/x86 5.15.3-gentoo Kernel Configuration
	oldLines := lines(oldData)
	header := ""
	if len(oldLines) > 2 {
		header = oldLines[2]
	}
	oldVersion, err := efibootmgr.ParseVersion(header)
	if err != nil {
		return fmt.Errorf("cannot parse %s: %w", oldPath, err)
	}

	kind := "update"
	if oldVersion.Minor != k.Version.Minor {
		kind = "upgrade"
	}
	fmt.Fprintf(msg, "kernel %s: %s → %s\n", kind, oldVersion, k.Version.Base())
	if extra != "" {
		fmt.Fprintf(msg, "\n%s\n", extra)
	}

	if data, err := os.ReadFile(filepath.Join(k.Source, newOptionsFile)); err == nil {
		if opts := splitOptions(data); len(opts) > 0 {
			msg.WriteString("\nnew:\n")
			for _, opt := range opts {
				fmt.Fprintf(msg, "* %s = %s\n", opt[0], opt[1])
			}
		}
	}

	newData, err := os.ReadFile(k.Config)
	if err != nil {
		return err
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(oldData)),
		B:        difflib.SplitLines(string(newData)),
		FromFile: ".config.old",
		ToFile:   ".config",
		Context:  3,
	})
	if err != nil {
		return err
	}
	summarize(msg, lines([]byte(diff)))
	return nil
}

// summarize appends the options enabled, changed and removed by a unified
// diff of two configs.
func summarize(msg *strings.Builder, diff []string) {
	options := func(prefix string) map[string]string {
		m := make(map[string]string)
		for _, line := range diff {
			if !strings.HasPrefix(line, prefix+"CONFIG") || strings.Contains(line, "CC_VERSION") {
				continue
			}
			if opt, val, ok := strings.Cut(line[1:], "="); ok {
				m[opt] = val
			}
		}
		return m
	}
	added := options("+")
	deleted := options("-")

	changed := make(map[string][2]string)
	for opt, val := range added {
		if old, ok := deleted[opt]; ok {
			changed[opt] = [2]string{old, val}
			delete(added, opt)
			delete(deleted, opt)
		}
	}

	if len(added) > 0 {
		msg.WriteString("\nenabled:\n")
		for _, opt := range sortedKeys(added) {
			fmt.Fprintf(msg, "* %s = %s\n", opt, added[opt])
		}
	}
	if len(changed) > 0 {
		msg.WriteString("\nchanged:\n")
		for _, opt := range sortedKeys(changed) {
			fmt.Fprintf(msg, "* %s = %s → %s\n", opt, changed[opt][0], changed[opt][1])
		}
	}
	if len(deleted) > 0 {
		msg.WriteString("\nremoved:\n")
		for _, opt := range sortedKeys(deleted) {
			fmt.Fprintf(msg, "* %s\n", opt)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lines(data []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}
