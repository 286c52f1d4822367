// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package blobstore

import "os"

func datasync(file *os.File) error {
	return file.Sync()
}
