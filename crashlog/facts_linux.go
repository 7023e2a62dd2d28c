// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sigsnap/sigsnap/arch"
)

// Static fact collection. Everything here runs at initialization time,
// outside any signal context, and is free to use ordinary files,
// strings and allocation.

func readHostInfo(hi *hostInfo) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return errors.Wrap(err, "uname")
	}
	hi.os = cstring(uts.Sysname[:])
	hi.osVersion = cstring(uts.Release[:])
	hi.osBuild = cstring(uts.Version[:])
	hi.arch = runtime.GOARCH

	if spec := arch.ByName(runtime.GOARCH); spec != nil {
		hi.cpuType = spec.CPUType
		hi.cpuSubtype = spec.CPUSubtype
	}

	hi.logicalCores = runtime.NumCPU()
	hi.physicalCores = physicalCores(hi.logicalCores)
	hi.model = hardwareModel()
	return nil
}

func readProcessInfo(pi *processInfo) error {
	pi.pid = os.Getpid()
	pi.parentPID = os.Getppid()

	path, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving executable path")
	}
	pi.path = path

	if comm, err := os.ReadFile("/proc/self/comm"); err == nil {
		pi.name = strings.TrimSpace(string(comm))
	} else {
		pi.name = basename(path)
	}

	// The parent may be unreadable under sandboxing; that is not an
	// error, the field is simply absent from the report.
	if comm, err := os.ReadFile("/proc/" + strconv.Itoa(pi.parentPID) + "/comm"); err == nil {
		pi.parentName = strings.TrimSpace(string(comm))
	} else {
		clog.WithError(err).Debug("parent process name unavailable")
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		pi.native = machineMatchesGoarch(cstring(uts.Machine[:]), runtime.GOARCH)
	} else {
		pi.native = true
	}

	pi.startTime = processStartTime(nowUnix())
	return nil
}

// physicalCores counts distinct (physical id, core id) pairs in
// /proc/cpuinfo, falling back to the logical count.
func physicalCores(logical int) int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return logical
	}
	type coreKey struct{ phys, core string }
	seen := map[coreKey]bool{}
	var phys, core string
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			if phys != "" || core != "" {
				seen[coreKey{phys, core}] = true
			}
			phys, core = "", ""
			continue
		}
		switch strings.TrimSpace(k) {
		case "physical id":
			phys = strings.TrimSpace(v)
		case "core id":
			core = strings.TrimSpace(v)
		}
	}
	if len(seen) == 0 {
		return logical
	}
	return len(seen)
}

func hardwareModel() string {
	for _, path := range []string{
		"/sys/devices/virtual/dmi/id/product_name",
		"/proc/device-tree/model",
	} {
		if data, err := os.ReadFile(path); err == nil {
			if model := strings.TrimSpace(strings.TrimRight(string(data), "\x00")); model != "" {
				return model
			}
		}
	}
	return ""
}

// processStartTime derives the process start as a unix timestamp from
// the boot time and the start tick in /proc/self/stat. Best effort:
// falls back to now.
func processStartTime(now int64) int64 {
	btime, ok := bootTime()
	if !ok {
		return now
	}
	stat, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return now
	}
	// Fields after the parenthesized command cannot contain spaces.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return now
	}
	fields := strings.Fields(string(stat[i+1:]))
	// starttime is field 22 of the full line; the command is field 2.
	const starttimeIndex = 22 - 3
	if len(fields) <= starttimeIndex {
		return now
	}
	ticks, err := strconv.ParseUint(fields[starttimeIndex], 10, 64)
	if err != nil {
		return now
	}
	const clockTick = 100 // sysconf(_SC_CLK_TCK) on linux
	return btime + int64(ticks/clockTick)
}

func bootTime() (int64, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "btime "); ok {
			v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// machineMatchesGoarch reports whether the kernel's machine name is
// native for the Go architecture this binary was built for. A mismatch
// means the process runs emulated.
func machineMatchesGoarch(machine, goarch string) bool {
	switch goarch {
	case "amd64":
		return machine == "x86_64"
	case "arm64":
		return machine == "aarch64"
	case "386":
		return machine == "i386" || machine == "i686" || machine == "x86_64"
	case "arm":
		return strings.HasPrefix(machine, "arm")
	}
	return true
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
