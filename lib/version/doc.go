// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for blobnet binaries.
//
// [Version], [GitCommit] and [BuildTime] are injected with -ldflags -X.
// When GitCommit is not injected, the VCS revision recorded by the Go
// toolchain is used instead, so plain "go build" output still names its
// commit.
//
// [SelfHash] returns the content hash of the running executable in the
// same form the blob store addresses content by, letting an operator
// check whether two nodes run the same build.
package version
