// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the blobnet daemon's configuration.
//
// Configuration comes from a single file named by the BLOBNET_CONFIG
// environment variable or the daemon's --config flag. There is no
// search path and no fallback: a missing file is an error. The file is
// YAML (.yaml, .yml) or JSON with comments (.json, .jsonc); both map
// onto the same [Config] with the same snake_case keys.
//
// String values in path and address fields may reference ${VAR} or
// ${VAR:-default}. ${BLOBNET_ROOT} expands to the configured store
// root. Durations are Go duration strings ("30s", "5m").
package config
