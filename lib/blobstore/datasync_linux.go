// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync flushes file data without forcing a metadata-only journal
// commit. The data file's size is set once at creation, so fdatasync is
// sufficient for committed chunks to survive power loss.
func datasync(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
