// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package ekernel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/canonical/ekernel/efibootmgr"
	"github.com/canonical/ekernel/runner"
)

// options added since the previous config, written by Configure
const newOptionsFile = ".newoptions"

// ConfigureOptions configures Configure.
type ConfigureOptions struct {
	Source string // kernel source directory, latest if empty
	Delete bool   // delete an existing config first
	List   bool   // print the newly added options instead of configuring
}

// Configure configures a kernel.
//
// A kernel without config starts from the config of the running kernel,
// updated with make oldconfig. The options new to that config are stored
// in .newoptions. Otherwise make menuconfig is run.
func (t *Tool) Configure(opts ConfigureOptions) error {
	k, err := t.kernel(opts.Source)
	if err != nil {
		return err
	}
	newOptions := filepath.Join(k.Source, newOptionsFile)

	oldConfig := ""
	if current, err := efibootmgr.CurrentKernel(t.Paths()); err == nil {
		oldConfig = current.Config
	}

	if opts.Delete && fileExists(k.Config) {
		t.Out.Info("deleting %s", k.Config)
		if err := os.Remove(k.Config); err != nil {
			return err
		}
	}

	switch {
	case !fileExists(k.Config) && oldConfig != "" && fileExists(oldConfig):
		t.Out.Info("copying %s", t.Out.Teal(oldConfig))
		if err := copyFile(k.Config, oldConfig); err != nil {
			return err
		}

		t.Out.Info("running %s", t.Out.Teal("make listnewconfig"))
		listing, err := runner.Output(k.Source, "make", "listnewconfig")
		if err != nil {
			return err
		}
		if err := os.WriteFile(newOptions, listing, 0644); err != nil {
			return fmt.Errorf("cannot store new options: %w", err)
		}

		if !opts.List {
			if err := t.make(k.Source, "oldconfig"); err != nil {
				return err
			}
		}
	case !opts.List:
		if err := t.make(k.Source, "menuconfig"); err != nil {
			return err
		}
	}

	if opts.List {
		return t.listNewOptions(newOptions)
	}
	return nil
}

// make runs an interactive make target.
func (t *Tool) make(dir, target string) error {
	t.Out.Info("running %s", t.Out.Teal("make "+target))
	return runner.Run(dir, t.Stdin, t.Stdout, os.Stderr, "make", target)
}

func (t *Tool) listNewOptions(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", efibootmgr.ErrMissingArtifact, path)
	}
	for _, opt := range splitOptions(data) {
		t.Out.Print(fmt.Sprintf("   %s = %s", opt[0], opt[1]))
	}
	return nil
}

// splitOptions parses OPT=VAL lines.
func splitOptions(data []byte) [][2]string {
	var opts [][2]string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		opt, val, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		opts = append(opts, [2]string{opt, val})
	}
	return opts
}

// BuildOptions configures Build.
type BuildOptions struct {
	Source string // kernel source directory, latest if empty
	Jobs   int    // parallel make jobs, the Tool's default if not positive
}

// Build compiles a configured kernel.
func (t *Tool) Build(opts BuildOptions) error {
	k, err := t.kernel(opts.Source)
	if err != nil {
		return err
	}
	if !fileExists(k.Config) {
		return fmt.Errorf("%w: config %s", efibootmgr.ErrMissingArtifact, k.Config)
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = t.Jobs
	}
	args := []string{"-j", strconv.Itoa(jobs)}
	t.Out.Info("running %s", t.Out.Teal("make "+strings.Join(args, " ")))
	return runner.Run(k.Source, nil, t.Out.Writer(), os.Stderr, "make", args...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

func copyFile(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", dst, err)
	}
	return nil
}
