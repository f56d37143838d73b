// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Package config loads the optional ekernel configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration file is looked up.
const DefaultPath = "/etc/ekernel.yaml"

// Supported firmware backends.
const (
	FirmwareEfibootmgr = "efibootmgr"
	FirmwareEfivars    = "efivars"
)

// Config holds the tunables of all commands.
type Config struct {
	// Jobs is the number of parallel make jobs.
	Jobs int `yaml:"jobs"`
	// Keep is the number of previous bootable kernels kept by clean.
	Keep int `yaml:"keep"`
	// ESP is the mountpoint of the EFI system partition; empty means
	// looking it up in Fstab.
	ESP string `yaml:"esp"`
	// Firmware selects how boot entries are read and written.
	Firmware   string `yaml:"firmware"`
	SourceRoot string `yaml:"source_root"`
	ModuleRoot string `yaml:"module_root"`
	// BootImage is used until the running boot entry has been located.
	BootImage string `yaml:"boot_image"`
	Fstab     string `yaml:"fstab"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Jobs:       4,
		Keep:       1,
		Firmware:   FirmwareEfibootmgr,
		SourceRoot: "/usr/src",
		ModuleRoot: "/lib/modules",
		BootImage:  "/boot/EFI/Gentoo/bootx64.efi",
		Fstab:      "/etc/fstab",
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open config: %w", err)
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	d.KnownFields(true)
	if err := d.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values no command can work with.
func (c *Config) Validate() error {
	switch c.Firmware {
	case FirmwareEfibootmgr, FirmwareEfivars:
	default:
		return fmt.Errorf("unknown firmware backend %q", c.Firmware)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be positive, got %d", c.Jobs)
	}
	if c.Keep < 0 {
		return fmt.Errorf("keep must not be negative, got %d", c.Keep)
	}
	if c.SourceRoot == "" || c.ModuleRoot == "" || c.BootImage == "" || c.Fstab == "" {
		return errors.New("paths must not be empty")
	}
	return nil
}
