// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	debversion "github.com/knqyf263/go-deb-version"
)

// ErrUnparsableVersion is returned for names not following the
// X.Y.Z-gentoo[-rN] convention.
var ErrUnparsableVersion = errors.New("unparsable kernel version")

var (
	versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)-gentoo(?:-([a-z]+\d+))?`)
	// releasePattern matches exactly what Release returns.
	releasePattern = regexp.MustCompile(`^\d+\.\d+\.\d+-gentoo(?:-[a-z]+\d+)?$`)
)

// IsRelease reports whether name is the release of a gentoo-sources kernel,
// as opposed to e.g. a distribution kernel or a custom localversion.
func IsRelease(name string) bool {
	return releasePattern.MatchString(name)
}

// Version is a gentoo-sources kernel version, e.g. 5.15.1-gentoo-r1.
type Version struct {
	Major    int
	Minor    int
	Patch    int
	Revision string // "r1", or empty
}

// ParseVersion extracts the version from a string containing
// X.Y.Z-gentoo, optionally followed by a revision, such as a source directory
// name, a kernel release or a config header.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrUnparsableVersion, s)
	}

	var v Version
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrUnparsableVersion, s, err)
		}
		*dst = n
	}
	v.Revision = m[4]
	return v, nil
}

// Base returns X.Y.Z.
func (v Version) Base() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// String returns X.Y.Z or X.Y.Z-rN.
func (v Version) String() string {
	if v.Revision == "" {
		return v.Base()
	}
	return v.Base() + "-" + v.Revision
}

// Release returns the kernel release, as reported by uname -r and used for
// the module directory: X.Y.Z-gentoo or X.Y.Z-gentoo-rN.
func (v Version) Release() string {
	if v.Revision == "" {
		return v.Base() + "-gentoo"
	}
	return v.Base() + "-gentoo-" + v.Revision
}

// Compare returns -1, 0 or 1 if v is older than, equal to or newer than o.
// The revision does not take part in the comparison.
func (v Version) Compare(o Version) int {
	d := v.deb()
	switch n := d.Compare(o.deb()); {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// RevisionNumber returns the number of the revision, 0 without one.
func (v Version) RevisionNumber() int {
	digits := strings.TrimLeft(v.Revision, "abcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func (v Version) deb() debversion.Version {
	// A dotted triple of integers is always a valid upstream version.
	dv, _ := debversion.NewVersion(v.Base())
	return dv
}
