// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrFirmwareParse is returned if the boot entry listing lacks a token we depend on.
	ErrFirmwareParse = errors.New("cannot parse boot entries")
	// ErrBootEntryNotFound is returned if the running boot entry is not listed.
	ErrBootEntryNotFound = errors.New("boot entry not found")
)

// A device path node looks like HD(...), PciRoot(...), File(...)
var devicePathNode = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*\(`)

// BootEntry is one entry of the firmware boot device selection menu.
type BootEntry struct {
	Number  string // 4 hex digits, e.g. 0001 for Boot0001
	Label   string
	Loader  string // path of the loader inside the ESP, e.g. EFI/Gentoo/bootx64.efi
	Active  bool
	Options string // optional data passed to the loader, if known
}

// BootTable is the parsed boot entry listing of the firmware.
type BootTable struct {
	BootCurrent string   // number of the entry the system was booted from
	Order       []string // BootOrder
	Entries     []BootEntry
}

// ParseBootTable parses the listing printed by efibootmgr.
//
// Entry lines look like
//
//	Boot0001* Gentoo	HD(1,GPT,...)/File(\EFI\Gentoo\bootx64.efi)
//
// but the amount of padding, the separator between label and device path and
// the presence of the File() node differ between firmware vendors and
// efibootmgr versions, so no column offsets are assumed.
func ParseBootTable(output string) (*BootTable, error) {
	t := &BootTable{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "BootCurrent:"):
			t.BootCurrent = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "BootCurrent:")))
		case strings.HasPrefix(line, "BootOrder:"):
			for _, num := range strings.Split(strings.TrimPrefix(line, "BootOrder:"), ",") {
				if num = strings.ToUpper(strings.TrimSpace(num)); num != "" {
					t.Order = append(t.Order, num)
				}
			}
		case isBootEntryLine(line):
			t.Entries = append(t.Entries, parseBootEntry(line))
		}
	}

	if t.BootCurrent == "" {
		return nil, fmt.Errorf("%w: missing BootCurrent", ErrFirmwareParse)
	}
	if !isBootNumber(t.BootCurrent) {
		return nil, fmt.Errorf("%w: invalid BootCurrent %q", ErrFirmwareParse, t.BootCurrent)
	}
	return t, nil
}

func isBootNumber(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func isBootEntryLine(line string) bool {
	if len(line) < 8 || !strings.HasPrefix(line, "Boot") || !isBootNumber(line[4:8]) {
		return false
	}
	return len(line) == 8 || strings.ContainsRune("* \t", rune(line[8]))
}

func parseBootEntry(line string) BootEntry {
	e := BootEntry{Number: strings.ToUpper(line[4:8])}

	rest := line[8:]
	if strings.HasPrefix(rest, "*") {
		e.Active = true
		rest = rest[1:]
	}
	rest = strings.TrimLeft(rest, " ")

	var label, path string
	if i := strings.IndexByte(rest, '\t'); i >= 0 {
		label, path = rest[:i], rest[i+1:]
	} else {
		// No tab: the label ends where the first device path node starts.
		fields := strings.Fields(rest)
		n := 0
		for n < len(fields) && !devicePathNode.MatchString(fields[n]) {
			n++
		}
		label, path = strings.Join(fields[:n], " "), strings.Join(fields[n:], " ")
	}

	e.Label = strings.TrimSpace(label)
	e.Loader = loaderPath(path)
	return e
}

// loaderPath extracts the loader from a device path: the content of the
// File() node, or else the first node which is a backslash separated path.
func loaderPath(dp string) string {
	if i := strings.Index(dp, "File("); i >= 0 {
		s := dp[i+len("File("):]
		if j := strings.IndexByte(s, ')'); j >= 0 {
			s = s[:j]
		}
		return normalizeLoader(s)
	}
	for _, node := range splitDevicePath(dp) {
		if strings.HasPrefix(node, `\`) {
			if i := strings.IndexAny(node, " \t"); i >= 0 {
				node = node[:i]
			}
			return normalizeLoader(strings.TrimSuffix(node, ")"))
		}
	}
	return ""
}

// splitDevicePath splits at the slashes that separate nodes, ignoring those
// inside parentheses.
func splitDevicePath(dp string) []string {
	var nodes []string
	depth, start := 0, 0
	for i, c := range dp {
		switch c {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				nodes = append(nodes, dp[start:i])
				start = i + 1
			}
		}
	}
	return append(nodes, dp[start:])
}

func normalizeLoader(s string) string {
	return strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(s), `\`, "/"), "/")
}

// Entry returns the entry with the given number.
func (t *BootTable) Entry(number string) (BootEntry, bool) {
	number = strings.ToUpper(number)
	for _, e := range t.Entries {
		if e.Number == number {
			return e, true
		}
	}
	return BootEntry{}, false
}

// Current returns the entry the system was booted from. If that is a
// fallback entry, its primary entry is returned instead.
func (t *BootTable) Current() (BootEntry, error) {
	e, ok := t.Entry(t.BootCurrent)
	if !ok {
		return BootEntry{}, fmt.Errorf("%w: Boot%s", ErrBootEntryNotFound, t.BootCurrent)
	}
	if label, ok := strings.CutSuffix(e.Label, fallbackSuffix); ok {
		primary, found := t.entryByLabel(label)
		if !found {
			return BootEntry{}, fmt.Errorf("%w: booted from Boot%s (%s) without a %q entry", ErrBootEntryNotFound, e.Number, e.Label, label)
		}
		e = primary
	}
	if e.Loader == "" {
		return BootEntry{}, fmt.Errorf("%w: missing boot image of Boot%s (%s)", ErrFirmwareParse, e.Number, e.Label)
	}
	return e, nil
}

const fallbackSuffix = " (fallback)"

// FallbackLabel returns the label of the fallback entry of e.
func FallbackLabel(e BootEntry) string {
	return e.Label + fallbackSuffix
}

func (t *BootTable) entryByLabel(label string) (BootEntry, bool) {
	for _, e := range t.Entries {
		if e.Label == label {
			return e, true
		}
	}
	return BootEntry{}, false
}

// Fallback returns the fallback entry of the current entry. It returns false
// if none has been registered yet.
func (t *BootTable) Fallback() (BootEntry, bool, error) {
	current, err := t.Current()
	if err != nil {
		return BootEntry{}, false, err
	}
	label := FallbackLabel(current)
	for _, e := range t.Entries {
		if e.Label != label {
			continue
		}
		if e.Loader == "" {
			return BootEntry{}, false, fmt.Errorf("%w: missing boot image of Boot%s (%s)", ErrFirmwareParse, e.Number, e.Label)
		}
		return e, true, nil
	}
	return BootEntry{}, false, nil
}
