// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

package efibootmgr

// Plan partitions the kernel generations into those to retain and those to remove.
type Plan struct {
	Newer   []*Kernel // newer than the current kernel, not yet installed
	Current *Kernel   // nil if the current kernel is not among the generations
	Kept    []*Kernel // previous bootable generations
	Removed []*Kernel
}

// ComputeRetained computes the plan for the generations in all, sorted newest first.
//
// The current generation and everything newer are retained. Of the older
// generations, the keep newest bootable ones are retained as well.
func ComputeRetained(all []*Kernel, current *Kernel, keep int) Plan {
	var p Plan

	older := all
	for i, k := range all {
		if k.Equal(current) {
			p.Newer = all[:i:i]
			p.Current = k
			older = all[i+1:]
			break
		}
	}

	for _, k := range older {
		if keep > 0 && k.Bootable() {
			p.Kept = append(p.Kept, k)
			keep--
			continue
		}
		p.Removed = append(p.Removed, k)
	}
	return p
}

// Retained returns the generations which are not removed, newest first.
func (p Plan) Retained() []*Kernel {
	var out []*Kernel
	out = append(out, p.Newer...)
	if p.Current != nil {
		out = append(out, p.Current)
	}
	return append(out, p.Kept...)
}
