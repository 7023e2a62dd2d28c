// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"golang.org/x/sys/unix"
)

// NewSignal builds the Signal record the handler passes to Write from
// the raw siginfo values: the delivered signal, the si_code, and the
// faulting address. Name resolution is a table lookup, safe in signal
// context.
func NewSignal(sig unix.Signal, code int64, addr uint64) Signal {
	return Signal{
		Name:    unix.SignalName(sig),
		Code:    code,
		Address: addr,
	}
}
