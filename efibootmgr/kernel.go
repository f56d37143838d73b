// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrMissingSource is returned for kernel source directories that do not exist.
	ErrMissingSource = errors.New("missing kernel source")
	// ErrMissingArtifact is returned if a file a step depends on is absent.
	ErrMissingArtifact = errors.New("missing artifact")
)

const (
	sourcePrefix = "linux-"
	backupPrefix = "gentoo-"
	// compiled image, relative to the source directory
	compiledImage = "arch/x86_64/boot/bzImage"
)

// Paths are the process-wide locations every kernel generation is derived from.
type Paths struct {
	SourceRoot string // e.g. /usr/src
	ModuleRoot string // e.g. /lib/modules
	ESP        string // mountpoint of the EFI system partition, empty if unknown yet
	BootImage  string // absolute path of the image the firmware boots
	Fstab      string // used to find the ESP mountpoint
}

// DefaultPaths returns the standard Gentoo locations.
func DefaultPaths() Paths {
	return Paths{
		SourceRoot: "/usr/src",
		ModuleRoot: "/lib/modules",
		BootImage:  "/boot/EFI/Gentoo/bootx64.efi",
		Fstab:      "/etc/fstab",
	}
}

// Linux returns the path of the symlink pointing to the current source directory.
func (p Paths) Linux() string { return filepath.Join(p.SourceRoot, "linux") }

// BackupDir returns the directory holding the per-version backup images.
func (p Paths) BackupDir() string { return filepath.Dir(p.BootImage) }

// Kernel is one kernel generation on disk.
type Kernel struct {
	Source  string // source directory, /usr/src/linux-X.Y.Z-gentoo
	Version Version
	Config  string // <source>/.config
	Image   string // compiled boot image
	Modules string // installed modules, /lib/modules/<release>
	Backup  string // backup boot image on the ESP, gentoo-X.Y.Z.efi
}

// NewKernel returns the kernel generation of the given source directory.
func NewKernel(paths Paths, src string) (*Kernel, error) {
	if _, err := appFs.Stat(src); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMissingSource, src, err)
	}
	v, err := ParseVersion(filepath.Base(src))
	if err != nil {
		return nil, fmt.Errorf("illegal source %s: %w", src, err)
	}
	return &Kernel{
		Source:  src,
		Version: v,
		Config:  filepath.Join(src, ".config"),
		Image:   filepath.Join(src, compiledImage),
		Modules: filepath.Join(paths.ModuleRoot, v.Release()),
		Backup:  filepath.Join(paths.BackupDir(), backupName(v)),
	}, nil
}

func backupName(v Version) string {
	return backupPrefix + v.Base() + ".efi"
}

// Name returns the name of the source directory.
func (k *Kernel) Name() string { return filepath.Base(k.Source) }

// Equal reports whether both refer to the same source directory.
func (k *Kernel) Equal(o *Kernel) bool {
	if k == nil || o == nil {
		return k == o
	}
	return filepath.Clean(k.Source) == filepath.Clean(o.Source)
}

// Bootable reports whether the backup image and the modules are installed.
func (k *Kernel) Bootable() bool {
	return exists(k.Modules) && exists(k.Backup)
}

func (k *Kernel) String() string {
	return fmt.Sprintf("%s\n"+
		"* version = %s\n"+
		"* src     = %s\n"+
		"* config  = %s\n"+
		"* bzImage = %s\n"+
		"* modules = %s\n"+
		"* bkp     = %s\n",
		k.Name(), k.Version, k.Source, k.Config, k.Image, k.Modules, k.Backup)
}

// ListKernels returns all kernel generations under the source root, newest first.
func ListKernels(paths Paths) ([]*Kernel, error) {
	entries, err := appFs.ReadDir(paths.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("cannot list kernel sources: %w", err)
	}

	var kernels []*Kernel
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sourcePrefix) {
			continue
		}
		k, err := NewKernel(paths, filepath.Join(paths.SourceRoot, entry.Name()))
		if err != nil {
			log.Printf("Ignoring kernel source %s: %v\n", entry.Name(), err)
			continue
		}
		kernels = append(kernels, k)
	}

	// Revisions of the same version are ordered newest first too.
	sort.SliceStable(kernels, func(i, j int) bool {
		vi, vj := kernels[i].Version, kernels[j].Version
		if n := vi.Compare(vj); n != 0 {
			return n > 0
		}
		return vi.RevisionNumber() > vj.RevisionNumber()
	})
	return kernels, nil
}

// LatestKernel returns the newest kernel generation.
func LatestKernel(paths Paths) (*Kernel, error) {
	kernels, err := ListKernels(paths)
	if err != nil {
		return nil, err
	}
	if len(kernels) == 0 {
		return nil, fmt.Errorf("%w: no kernel found in %s", ErrMissingSource, paths.SourceRoot)
	}
	return kernels[0], nil
}

// CurrentKernel returns the kernel generation the source symlink points to.
func CurrentKernel(paths Paths) (*Kernel, error) {
	src, err := appFs.EvalSymlinks(paths.Linux())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w %s: %v", ErrMissingSource, paths.Linux(), err)
		}
		return nil, fmt.Errorf("cannot resolve %s: %w", paths.Linux(), err)
	}
	return NewKernel(paths, src)
}
