// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sigsnap/sigsnap/report"
)

func newThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads <reportfile>",
		Short: "list the captured threads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openReport(args)
			if err != nil {
				return err
			}
			tw := tablewriter.NewWriter(os.Stdout)
			tw.SetHeader([]string{"TID", "Name", "Crashed", "Frames", "Top PC"})
			for _, t := range r.Threads {
				crashed := ""
				if t.Crashed {
					crashed = "yes"
				}
				top := ""
				if len(t.Frames) > 0 {
					top = fmt.Sprintf("%#x", t.Frames[0].PC)
					if s := t.Frames[0].Symbol; s != nil {
						top += " " + s.Name
					}
				}
				tw.Append([]string{
					strconv.Itoa(t.ID), t.Name, crashed,
					strconv.Itoa(len(t.Frames)), top,
				})
			}
			tw.Render()
			return nil
		},
	}
}

func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images <reportfile>",
		Short: "list the binary images, sorted by base address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openReport(args)
			if err != nil {
				return err
			}
			images := make([]report.Image, len(r.Images))
			copy(images, r.Images)
			sort.Slice(images, func(i, j int) bool { return images[i].Base < images[j].Base })
			tw := tablewriter.NewWriter(os.Stdout)
			tw.SetHeader([]string{"Base", "End", "Name", "Build ID", "Path"})
			for _, im := range images {
				id := ""
				if len(im.UUID) > 0 {
					id = hex.EncodeToString(im.UUID)
				}
				tw.Append([]string{
					fmt.Sprintf("%#x", im.Base),
					fmt.Sprintf("%#x", im.Base+im.Size),
					path.Base(im.Path), id, im.Path,
				})
			}
			tw.Render()
			return nil
		},
	}
}
