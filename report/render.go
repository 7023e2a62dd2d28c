// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/sigsnap/sigsnap/arch"
)

// Render writes the backward-compatible human-readable transcript of r.
// Display rules live here, not in the writer: the encoder stores
// canonical register names and loader-order images; the renderer
// remaps names for display and sorts images by base address.
func (r *Report) Render(w io.Writer) error {
	spec := arch.ByCPUType(r.Machine.CPUType)
	width := 16
	if spec != nil && spec.PointerSize == 4 {
		width = 8
	}

	fmt.Fprintf(w, "Incident Identifier: %s\n", r.Info.UUID)
	if r.Machine.Model != "" {
		fmt.Fprintf(w, "Hardware Model:      %s\n", r.Machine.Model)
	}
	fmt.Fprintf(w, "Process:             %s [%d]\n", r.Process.Name, r.Process.PID)
	fmt.Fprintf(w, "Path:                %s\n", r.Process.Path)
	fmt.Fprintf(w, "Identifier:          %s\n", r.App.Identifier)
	version := r.App.Version
	if r.App.MarketingVersion != "" {
		version += " (" + r.App.MarketingVersion + ")"
	}
	fmt.Fprintf(w, "Version:             %s\n", version)
	fmt.Fprintf(w, "Code Type:           %s\n", codeType(r.System.Arch))
	parent := r.Process.ParentName
	if parent == "" {
		parent = "???"
	}
	fmt.Fprintf(w, "Parent Process:      %s [%d]\n", parent, r.Process.ParentPID)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Date/Time:           %s\n", r.System.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "OS Version:          %s %s (%s)\n", osFamily(r.System.OS), r.System.OSVersion, r.System.OSBuild)
	fmt.Fprintf(w, "Report Version:      %d\n", r.Version)
	if r.Info.UserRequested {
		fmt.Fprintf(w, "Report Origin:       user requested\n")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Exception Type:      %s\n", r.Signal.Name)
	fmt.Fprintf(w, "Exception Codes:     %#x at 0x%0*x\n", r.Signal.Code, width, r.Signal.Address)
	if m := r.Signal.Mach; m != nil {
		codes := make([]string, len(m.Codes))
		for i, c := range m.Codes {
			codes[i] = fmt.Sprintf("%#x", c)
		}
		fmt.Fprintf(w, "Mach Exception:      %#x [%s]\n", m.Type, strings.Join(codes, ", "))
	}
	if t := r.CrashedThread(); t != nil {
		fmt.Fprintf(w, "Crashed Thread:      %d\n", t.ID)
	}
	fmt.Fprintln(w)

	if e := r.Exception; e != nil {
		fmt.Fprintf(w, "Application Specific Information:\n%s: %s\n\n", e.Name, e.Reason)
		fmt.Fprintf(w, "Last Exception Backtrace:\n")
		r.renderFrames(w, e.Frames, width)
		fmt.Fprintln(w)
	}

	for i := range r.Threads {
		t := &r.Threads[i]
		label := ""
		if t.Name != "" {
			label = fmt.Sprintf(" name: %s", t.Name)
		}
		if t.Crashed {
			fmt.Fprintf(w, "Thread %d Crashed:%s\n", t.ID, label)
		} else {
			fmt.Fprintf(w, "Thread %d:%s\n", t.ID, label)
		}
		r.renderFrames(w, t.Frames, width)
		fmt.Fprintln(w)
	}

	if t := r.CrashedThread(); t != nil && len(t.Registers) > 0 {
		fmt.Fprintf(w, "Thread %d crashed with %s Thread State:\n", t.ID, codeType(r.System.Arch))
		r.renderRegisters(w, t.Registers, width)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Binary Images:\n")
	images := make([]Image, len(r.Images))
	copy(images, r.Images)
	sort.Slice(images, func(i, j int) bool { return images[i].Base < images[j].Base })
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, im := range images {
		id := "<unknown>"
		if len(im.UUID) > 0 {
			id = "<" + hex.EncodeToString(im.UUID) + ">"
		}
		last := im.Base
		if im.Size > 0 {
			last = im.Base + im.Size - 1
		}
		fmt.Fprintf(tw, "0x%0*x -\t0x%0*x\t%s\t%s\t%s\n",
			width, im.Base, width, last, imageName(im.Path), id, im.Path)
	}
	return tw.Flush()
}

func (r *Report) renderFrames(w io.Writer, frames []Frame, width int) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for i, f := range frames {
		name := "???"
		if im := r.ImageForAddress(f.PC); im != nil {
			name = imageName(im.Path)
		}
		loc := ""
		if f.Symbol != nil {
			loc = fmt.Sprintf("%s + %d", f.Symbol.Name, f.PC-f.Symbol.Start)
		}
		fmt.Fprintf(tw, "%d\t%s\t0x%0*x\t%s\n", i, name, width, f.PC, loc)
	}
	tw.Flush()
}

func (r *Report) renderRegisters(w io.Writer, regs []Register, width int) {
	perLine := 4
	if width == 8 {
		perLine = 6
	}
	for i, reg := range regs {
		fmt.Fprintf(w, "  %6s: 0x%0*x", displayRegName(r.System.Arch, reg.Name), width, reg.Value)
		if (i+1)%perLine == 0 || i == len(regs)-1 {
			fmt.Fprintln(w)
		}
	}
}

// displayRegName remaps canonical register names onto the
// conventional display names for the architecture.
func displayRegName(archName, name string) string {
	if archName == "arm64" {
		switch name {
		case "x29":
			return "fp"
		case "x30":
			return "lr"
		}
	}
	return name
}

func codeType(archName string) string {
	switch archName {
	case "amd64":
		return "X86-64"
	case "arm64":
		return "ARM-64"
	case "386":
		return "X86"
	case "arm":
		return "ARM"
	}
	return archName
}

// osFamily maps a kernel name onto the family name transcripts use.
func osFamily(os string) string {
	switch strings.ToLower(os) {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	}
	return os
}

func imageName(p string) string {
	if p == "" {
		return "???"
	}
	return path.Base(p)
}
