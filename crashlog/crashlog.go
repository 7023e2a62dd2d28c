// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crashlog writes a snapshot of a process's execution state at
// the moment of a fatal signal. A Context is created once, under
// normal conditions, and collects everything that can only be gathered
// safely outside a signal handler: identity facts, environment facts,
// the report arena. When the installed handler fires, Write runs the
// crash-time path: it suspends every peer thread, walks and encodes
// each one together with the image inventory and signal metadata, then
// resumes the peers and finalizes the report file.
//
// The crash-time path allocates only from the context's arena, takes
// no locks, and performs no call that could reenter runtime state a
// suspended thread may hold.
package crashlog

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sigsnap/sigsnap/internal/arena"
	"github.com/sigsnap/sigsnap/internal/symbol"
)

var clog = logrus.WithField("source", "crashlog")

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateWriting
	stateDone
)

// defaultArenaSize is the initial reservation; the arena grows on
// demand during a write.
const defaultArenaSize = 512 << 10

// Config carries the application identity and capture options supplied
// by the handler installer.
type Config struct {
	// AppIdentifier and AppVersion identify the crashing application.
	AppIdentifier string
	AppVersion    string
	// AppMarketingVersion is the user-facing version, if distinct.
	AppMarketingVersion string

	// Symbols selects how much symbolication the writer attempts.
	Symbols symbol.Strategy

	// UserRequested marks diagnostic reports generated on demand
	// rather than by a genuine crash.
	UserRequested bool

	// ArenaSize overrides the initial arena reservation when > 0.
	ArenaSize int
}

type hostInfo struct {
	os        string
	osVersion string
	osBuild   string
	arch      string

	model         string
	cpuType       uint32
	cpuSubtype    uint32
	physicalCores int
	logicalCores  int
}

type processInfo struct {
	name       string
	pid        int
	path       string
	parentName string
	parentPID  int
	native     bool
	startTime  int64 // unix seconds
}

type exceptionInfo struct {
	name      string
	reason    string
	callStack []uint64
}

// A Context owns everything the crash-time writer needs. It is created
// once before any crash can occur and lives for the process lifetime;
// Close releases it on normal shutdown, and after a crash it is never
// torn down (the process is terminating).
type Context struct {
	state state
	arena *arena.Arena
	id    uuid.UUID
	cfg   Config
	host  hostInfo
	proc  processInfo
	exc   *exceptionInfo
}

// New gathers static facts and prepares a Context. It runs under
// normal, safe conditions; any failure aborts initialization and is
// reported to the installer.
func New(cfg Config) (*Context, error) {
	size := cfg.ArenaSize
	if size <= 0 {
		size = defaultArenaSize
	}
	a, err := arena.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "reserving report arena")
	}
	c := &Context{
		arena: a,
		id:    uuid.New(),
		cfg:   cfg,
	}
	if err := readHostInfo(&c.host); err != nil {
		a.Free()
		return nil, errors.Wrap(err, "reading host info")
	}
	if err := readProcessInfo(&c.proc); err != nil {
		a.Free()
		return nil, errors.Wrap(err, "reading process info")
	}
	c.state = stateInitialized
	clog.WithFields(logrus.Fields{
		"report-id": c.id.String(),
		"app":       cfg.AppIdentifier,
		"symbols":   cfg.Symbols,
	}).Debug("crash writer initialized")
	return c, nil
}

// ID returns the generated unique report identifier.
func (c *Context) ID() uuid.UUID { return c.id }

// Arena exposes the context's allocator so the installer can construct
// crash-safe collaborators (tasks, loader tables) that draw from it.
func (c *Context) Arena() *arena.Arena { return c.arena }

// SetException records a previously-uncaught high-level exception:
// its name, reason and raw return-address call stack. The APIs needed
// to collect these are not signal-safe, so this must run before the
// crash handler fires. At most one exception may be recorded.
func (c *Context) SetException(name, reason string, callStack []uint64) error {
	if c.state != stateInitialized {
		return ErrNotInitialized
	}
	if c.exc != nil {
		return errors.New("crashlog: exception already captured")
	}
	stack := make([]uint64, len(callStack))
	copy(stack, callStack)
	c.exc = &exceptionInfo{name: name, reason: reason, callStack: stack}
	return nil
}

// Close tears the context down on normal shutdown, releasing the
// arena. It must not be called after a crash report was written.
func (c *Context) Close() {
	if c.state == stateUninitialized {
		return
	}
	c.state = stateUninitialized
	c.arena.Free()
	clog.WithField("report-id", c.id.String()).Debug("crash writer closed")
}

// nowUnix is replaceable for tests.
var nowUnix = func() int64 { return time.Now().Unix() }

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
