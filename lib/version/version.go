// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// Set via -ldflags at build time.
var (
	GitCommit = ""
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Commit returns the build's commit, with a "-dirty" suffix when the
// toolchain recorded uncommitted changes. It returns "unknown" when
// neither ldflags nor build info name one.
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if revision == "" {
		return "unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified == "true" {
		revision += "-dirty"
	}
	return revision
}

// Info returns the one-line --version string.
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit(), BuildTime)
}

// Full returns Info plus toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// SelfHash returns the content hash and path of the running executable.
// os.Executable resolves through /proc/self/exe on Linux, so the hash is
// of the binary that started even if the file was replaced since.
func SelfHash() (verify.Hash, string, error) {
	executable, err := os.Executable()
	if err != nil {
		return verify.Hash{}, "", fmt.Errorf("resolving own executable path: %w", err)
	}
	file, err := os.Open(executable)
	if err != nil {
		return verify.Hash{}, "", fmt.Errorf("opening own binary: %w", err)
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return verify.Hash{}, "", fmt.Errorf("stat own binary: %w", err)
	}
	outboard, err := verify.Build(file, uint64(stat.Size()))
	if err != nil {
		return verify.Hash{}, "", fmt.Errorf("hashing own binary at %s: %w", executable, err)
	}
	return outboard.Hash(), executable, nil
}
