// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package ekernel implements the ekernel commands: configure, build,
// install, clean and commit a Gentoo kernel, and update, which runs them
// all in a row.
package ekernel

import (
	"io"
	"os"
	"path/filepath"

	"github.com/canonical/ekernel/config"
	"github.com/canonical/ekernel/efibootmgr"
	"github.com/canonical/ekernel/output"
)

// Tool runs the ekernel commands for one set of paths and one firmware
// backend. All commands of a Tool share a single efibootmgr.Session.
type Tool struct {
	Jobs    int
	Keep    int
	Out     *output.Output
	Session *efibootmgr.Session

	// terminal of the interactive make targets
	Stdin  io.Reader
	Stdout io.Writer
}

// New creates a Tool from the configuration.
func New(cfg *config.Config, fw efibootmgr.Firmware, out *output.Output) *Tool {
	if out == nil {
		out = output.Discard()
	}
	paths := efibootmgr.Paths{
		SourceRoot: cfg.SourceRoot,
		ModuleRoot: cfg.ModuleRoot,
		ESP:        cfg.ESP,
		BootImage:  cfg.BootImage,
		Fstab:      cfg.Fstab,
	}
	return &Tool{
		Jobs:    cfg.Jobs,
		Keep:    cfg.Keep,
		Out:     out,
		Session: efibootmgr.NewSession(paths, fw, out),
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
	}
}

// Paths returns the paths of the session, which are complete once the ESP
// has been located.
func (t *Tool) Paths() efibootmgr.Paths { return t.Session.Paths }

// kernel returns the generation in src, or the latest one if src is empty.
func (t *Tool) kernel(src string) (*efibootmgr.Kernel, error) {
	if src == "" {
		return efibootmgr.LatestKernel(t.Paths())
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	return efibootmgr.NewKernel(t.Paths(), abs)
}

// InstallOptions configures Install.
type InstallOptions struct {
	Source   string // kernel source directory, latest if empty
	Fallback bool   // register a fallback entry for the running image
}

// Install installs the boot image and modules of a kernel.
func (t *Tool) Install(opts InstallOptions) error {
	k, err := t.kernel(opts.Source)
	if err != nil {
		return err
	}
	return t.Session.Install(k, efibootmgr.InstallOptions{Fallback: opts.Fallback})
}

// Clean removes kernel generations no longer retained. The returned report
// has been printed already.
func (t *Tool) Clean(opts efibootmgr.CleanOptions) (*efibootmgr.Report, error) {
	return t.Session.Clean(opts)
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	Source   string
	Jobs     int
	Keep     int
	Fallback bool
	Message  string // additional commit message
}

// Update configures, builds and installs a kernel, removes old generations
// and commits the new config. Install and clean share one ESP mount.
func (t *Tool) Update(opts UpdateOptions) error {
	k, err := t.kernel(opts.Source)
	if err != nil {
		return err
	}

	if err := t.Configure(ConfigureOptions{Source: k.Source}); err != nil {
		return err
	}
	if err := t.Build(BuildOptions{Source: k.Source, Jobs: opts.Jobs}); err != nil {
		return err
	}

	err = t.Session.WithMount(func() error {
		if err := t.Install(InstallOptions{Source: k.Source, Fallback: opts.Fallback}); err != nil {
			return err
		}
		_, err := t.Clean(efibootmgr.CleanOptions{Keep: opts.Keep})
		return err
	})
	if err != nil {
		return err
	}

	return t.Commit(CommitOptions{Message: opts.Message})
}
