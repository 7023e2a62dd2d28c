// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"unsafe"

	"github.com/sigsnap/sigsnap/internal/arena"
)

// Typed views over raw arena memory. The crash path cannot use make,
// so slices of records are carved out of arena bytes instead. The
// arena owns the backing regions for the lifetime of the report; the
// garbage collector never manages them.

func allocImages(a *arena.Arena, n int) ([]Image, error) {
	b, err := a.Alloc(n * int(unsafe.Sizeof(Image{})))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*Image)(unsafe.Pointer(&b[0])), n), nil
}

func allocIndex(a *arena.Arena, n int) ([]int32, error) {
	b, err := a.Alloc(n * 4)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), n), nil
}
