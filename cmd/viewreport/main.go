// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The viewreport tool is a command-line tool for exploring persisted
// crash report files. Run "viewreport help" for a list of commands.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sigsnap/sigsnap/report"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "viewreport",
		Short:        "viewreport explores crash report files",
		SilenceUsage: true,
	}
	root.AddCommand(
		newTextCmd(),
		newInfoCmd(),
		newThreadsCmd(),
		newImagesCmd(),
		newExploreCmd(),
	)
	return root
}

func openReport(args []string) (*report.Report, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly one report file")
	}
	return report.Open(args[0])
}

func newTextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "text <reportfile>",
		Short: "render the full human-readable transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openReport(args)
			if err != nil {
				return err
			}
			return r.Render(os.Stdout)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <reportfile>",
		Short: "print report, system and process identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openReport(args)
			if err != nil {
				return err
			}
			fmt.Printf("report:    %s (version %d)\n", r.Info.UUID, r.Version)
			fmt.Printf("time:      %s\n", r.System.Timestamp)
			fmt.Printf("system:    %s %s (%s) %s\n", r.System.OS, r.System.OSVersion, r.System.OSBuild, r.System.Arch)
			fmt.Printf("machine:   %q, %d physical / %d logical cores\n",
				r.Machine.Model, r.Machine.PhysicalCores, r.Machine.LogicalCores)
			fmt.Printf("app:       %s %s\n", r.App.Identifier, r.App.Version)
			fmt.Printf("process:   %s [%d] %s\n", r.Process.Name, r.Process.PID, r.Process.Path)
			fmt.Printf("parent:    %s [%d]\n", r.Process.ParentName, r.Process.ParentPID)
			fmt.Printf("signal:    %s code %#x at %#x\n", r.Signal.Name, r.Signal.Code, r.Signal.Address)
			if t := r.CrashedThread(); t != nil {
				fmt.Printf("crashed:   thread %d\n", t.ID)
			}
			return nil
		},
	}
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
