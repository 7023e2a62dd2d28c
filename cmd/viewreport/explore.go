// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

// The explore command drops into an interactive loop over one report,
// for the kind of poking around a one-shot render does not cover.

func newExploreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explore <reportfile>",
		Short: "interactively explore a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openReport(args)
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt: "viewreport> ",
				AutoComplete: readline.NewPrefixCompleter(
					readline.PcItem("info"),
					readline.PcItem("threads"),
					readline.PcItem("thread"),
					readline.PcItem("images"),
					readline.PcItem("addr"),
					readline.PcItem("signal"),
					readline.PcItem("help"),
					readline.PcItem("quit"),
				),
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					continue
				}
				if err == io.EOF {
					return nil
				}
				fields := strings.Fields(line)
				if len(fields) == 0 {
					continue
				}
				switch fields[0] {
				case "quit", "exit", "q":
					return nil
				case "help":
					fmt.Println("commands: info, threads, thread <tid>, images, addr <address>, signal, quit")
				case "info":
					fmt.Printf("%s: %s %s, signal %s\n", r.Info.UUID, r.App.Identifier, r.App.Version, r.Signal.Name)
				case "signal":
					fmt.Printf("%s code %#x at %#x\n", r.Signal.Name, r.Signal.Code, r.Signal.Address)
					if m := r.Signal.Mach; m != nil {
						fmt.Printf("mach exception %#x codes %v\n", m.Type, m.Codes)
					}
				case "threads":
					for _, t := range r.Threads {
						mark := ""
						if t.Crashed {
							mark = " (crashed)"
						}
						fmt.Printf("thread %d%s: %d frames\n", t.ID, mark, len(t.Frames))
					}
				case "thread":
					if len(fields) != 2 {
						fmt.Println("usage: thread <tid>")
						continue
					}
					tid, err := parseAddr(fields[1])
					if err != nil {
						fmt.Println("bad tid:", err)
						continue
					}
					found := false
					for _, t := range r.Threads {
						if uint64(t.ID) != tid {
							continue
						}
						found = true
						for i, f := range t.Frames {
							loc := ""
							if f.Symbol != nil {
								loc = fmt.Sprintf(" %s + %d", f.Symbol.Name, f.PC-f.Symbol.Start)
							}
							fmt.Printf("%3d  %#016x%s\n", i, f.PC, loc)
						}
					}
					if !found {
						fmt.Println("no such thread")
					}
				case "images":
					for _, im := range r.Images {
						fmt.Printf("%#016x - %#016x %s\n", im.Base, im.Base+im.Size, im.Path)
					}
				case "addr":
					if len(fields) != 2 {
						fmt.Println("usage: addr <address>")
						continue
					}
					addr, err := parseAddr(fields[1])
					if err != nil {
						fmt.Println("bad address:", err)
						continue
					}
					if im := r.ImageForAddress(addr); im != nil {
						fmt.Printf("%#x is %s + %#x (%s)\n", addr, path.Base(im.Path), addr-im.Base, im.Path)
					} else {
						fmt.Printf("%#x is not in any image\n", addr)
					}
				default:
					fmt.Printf("unknown command %q; try help\n", fields[0])
				}
			}
		},
	}
}
