// This file is part of ekernel
// Copyright 2021 Canonical Ltd.
// SPDX-License-Identifier: GPL-3.0-only

// Command ekernel configures, builds, installs and retires Gentoo kernels
// on EFI systems booting the kernel directly.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/ekernel/config"
	"github.com/canonical/ekernel/efibootmgr"
	"github.com/canonical/ekernel/ekernel"
	"github.com/canonical/ekernel/output"
)

func main() {
	out := output.New(os.Stdout, false)
	if err := newRootCommand().Execute(); err != nil {
		out.Error("%v", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags.
type globals struct {
	config string
	quiet  bool
}

// tool loads the configuration, applies the flags overriding it and
// creates the Tool the command runs on.
func (g *globals) tool(cmd *cobra.Command, jobs, keep *int) (*ekernel.Tool, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, err
	}
	if jobs != nil && cmd.Flags().Changed("jobs") {
		cfg.Jobs = *jobs
	}
	if keep != nil && cmd.Flags().Changed("keep") {
		cfg.Keep = *keep
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fw, err := efibootmgr.NewFirmware(cfg.Firmware)
	if err != nil {
		return nil, err
	}
	return ekernel.New(cfg, fw, output.New(os.Stdout, g.quiet)), nil
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	var (
		src      string
		jobs     int
		keep     int
		fallback bool
		msg      string
	)

	root := &cobra.Command{
		Use:   "ekernel",
		Short: "Update the kernel: configure, build, install, clean and commit",
		Long: "Configure and build the latest kernel, install it, remove kernels\n" +
			"no longer needed and commit the new config.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, &jobs, &keep)
			if err != nil {
				return err
			}
			return t.Update(ekernel.UpdateOptions{
				Source:   src,
				Jobs:     t.Jobs,
				Keep:     t.Keep,
				Fallback: fallback,
				Message:  msg,
			})
		},
	}
	root.PersistentFlags().StringVar(&g.config, "config", config.DefaultPath, "configuration file")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "be quiet")

	root.Flags().StringVarP(&src, "source", "s", "", "kernel source directory (default: latest)")
	root.Flags().IntVarP(&jobs, "jobs", "j", 4, "number of parallel make jobs")
	root.Flags().IntVarP(&keep, "keep", "k", 1, "number of previous kernels to keep")
	root.Flags().BoolVarP(&fallback, "fallback", "b", false, "add a boot entry for the currently running kernel")
	root.Flags().StringVarP(&msg, "message", "m", "", "additional information for the commit message")

	root.AddCommand(
		newConfigureCommand(g),
		newBuildCommand(g),
		newInstallCommand(g),
		newCleanCommand(g),
		newCommitCommand(g),
	)
	return root
}

func newConfigureCommand(g *globals) *cobra.Command {
	var opts ekernel.ConfigureOptions
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure a kernel",
		Long: "Run make oldconfig with the config of the running kernel if the kernel\n" +
			"is not configured yet, make menuconfig otherwise.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, nil, nil)
			if err != nil {
				return err
			}
			return t.Configure(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "kernel source directory (default: latest)")
	cmd.Flags().BoolVarP(&opts.Delete, "delete", "d", false, "delete the config (reconfigure from scratch)")
	cmd.Flags().BoolVarP(&opts.List, "list", "l", false, "print newly added config options and exit")
	return cmd
}

func newBuildCommand(g *globals) *cobra.Command {
	var opts ekernel.BuildOptions
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a kernel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, &opts.Jobs, nil)
			if err != nil {
				return err
			}
			opts.Jobs = t.Jobs
			return t.Build(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "kernel source directory (default: latest)")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", 4, "number of parallel make jobs")
	return cmd
}

func newInstallCommand(g *globals) *cobra.Command {
	var opts ekernel.InstallOptions
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a kernel",
		Long: "Copy the boot image to the ESP, select the kernel and install its\n" +
			"modules.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, nil, nil)
			if err != nil {
				return err
			}
			return t.Install(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "kernel source directory (default: latest)")
	cmd.Flags().BoolVarP(&opts.Fallback, "fallback", "b", false, "add a boot entry for the currently running kernel")
	return cmd
}

func newCleanCommand(g *globals) *cobra.Command {
	var opts efibootmgr.CleanOptions
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove unused kernel leftovers",
		Long: "Remove the sources, modules and boot images of all kernels except the\n" +
			"running one, newer ones and the given number of previous ones.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, nil, &opts.Keep)
			if err != nil {
				return err
			}
			opts.Keep = t.Keep
			_, err = t.Clean(opts)
			return err
		},
	}
	cmd.Flags().IntVarP(&opts.Keep, "keep", "k", 1, "number of previous kernels to keep")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "only print what would be removed")
	return cmd
}

func newCommitCommand(g *globals) *cobra.Command {
	var opts ekernel.CommitOptions
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the current kernel config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := g.tool(cmd, nil, nil)
			if err != nil {
				return err
			}
			return t.Commit(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "additional information for the commit message")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "only print what would be committed")
	return cmd
}
