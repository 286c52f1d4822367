// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvironmentVariable) {
		t.Errorf("Load() error = %v, want mention of %s", err, EnvironmentVariable)
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("BLOBNET_TEST_PORT", "9100")
	path := writeConfig(t, "blobnet.yaml", `
store:
  root: /var/lib/blobnet
  gc_interval: 10m
network:
  listen: "127.0.0.1:${BLOBNET_TEST_PORT}"
  peers:
    - "${BLOBNET_TEST_SEED:-seed.internal:7892}"
  codecs: [lz4]
downloader:
  max_cycles: 5
  base_delay: 1s
log:
  level: debug
  format: text
`)
	t.Setenv(EnvironmentVariable, path)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if config.Store.Root != "/var/lib/blobnet" {
		t.Errorf("Store.Root = %q", config.Store.Root)
	}
	if got := config.Store.GCIntervalDuration(); got != 10*time.Minute {
		t.Errorf("GCIntervalDuration = %v, want 10m", got)
	}
	if config.Network.Listen != "127.0.0.1:9100" {
		t.Errorf("Network.Listen = %q", config.Network.Listen)
	}
	if len(config.Network.Peers) != 1 || config.Network.Peers[0] != "seed.internal:7892" {
		t.Errorf("Network.Peers = %v", config.Network.Peers)
	}
	if len(config.Network.Codecs) != 1 || config.Network.Codecs[0] != "lz4" {
		t.Errorf("Network.Codecs = %v", config.Network.Codecs)
	}
	if config.Downloader.MaxCycles != 5 {
		t.Errorf("Downloader.MaxCycles = %d", config.Downloader.MaxCycles)
	}
	if got := config.Downloader.BaseDelayDuration(); got != time.Second {
		t.Errorf("BaseDelayDuration = %v", got)
	}
	// Unset keys keep their defaults.
	if config.Downloader.Window != 4 || config.Downloader.MaxDelay != "30s" {
		t.Errorf("defaults lost: window=%d max_delay=%q", config.Downloader.Window, config.Downloader.MaxDelay)
	}
	if config.Network.DialTimeout != "10s" {
		t.Errorf("Network.DialTimeout = %q", config.Network.DialTimeout)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "blobnet.jsonc", `{
  // Local store.
  "store": {"root": "/srv/blobs"},
  "network": {
    "listen": "",
    "peers": ["${BLOBNET_ROOT}/peer.sock"], /* expands after root */
  },
}`)
	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Store.Root != "/srv/blobs" {
		t.Errorf("Store.Root = %q", config.Store.Root)
	}
	if config.Network.Listen != "" {
		t.Errorf("Network.Listen = %q, want empty", config.Network.Listen)
	}
	if len(config.Network.Peers) != 1 || config.Network.Peers[0] != "/srv/blobs/peer.sock" {
		t.Errorf("Network.Peers = %v", config.Network.Peers)
	}
}

func TestLoadFileErrors(t *testing.T) {
	cases := map[string]string{
		"blobnet.toml": "root = 1",
		"broken.yaml":  "store: [unclosed",
		"broken.json":  `{"store": `,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, name, content)); err == nil {
				t.Error("LoadFile succeeded, want error")
			}
		})
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile(missing) succeeded")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	config := Default()
	config.Store.Root = ""
	config.Store.GCInterval = "soon"
	config.Network.Codecs = []string{"brotli"}
	config.Downloader.MaxCycles = -1
	config.Downloader.BaseDelay = "1m"
	config.Downloader.MaxDelay = "1s"
	config.Log.Level = "verbose"
	config.Log.Format = "xml"

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate succeeded")
	}
	for _, want := range []string{
		"store.root",
		"store.gc_interval",
		"network.codecs",
		"downloader.max_cycles",
		"downloader.base_delay",
		"log.level",
		"log.format",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateMirror(t *testing.T) {
	const hash = "0000000000000000000000000000000000000000000000000000000000000000"

	config := Default()
	config.Mirror = []MirrorConfig{{Hash: hash, Tag: "base"}}
	if err := config.Validate(); err == nil || !strings.Contains(err.Error(), "network.peers") {
		t.Errorf("Validate without peers = %v, want network.peers error", err)
	}

	config.Network.Peers = []string{"seed:7892"}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}

	config.Mirror = append(config.Mirror,
		MirrorConfig{Hash: "not-a-hash", Tag: "other"},
		MirrorConfig{Hash: hash, Tag: "base"},
		MirrorConfig{Hash: hash},
	)
	err := config.Validate()
	for _, want := range []string{"mirror[1].hash", "mirror[2].tag", "mirror[3].tag is required"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("BLOBNET_TEST_ENV", "from-env")
	vars := map[string]string{"BLOBNET_ROOT": "/root/blobs"}
	tests := []struct {
		input, want string
	}{
		{"${BLOBNET_ROOT}/x", "/root/blobs/x"},
		{"${BLOBNET_TEST_ENV}", "from-env"},
		{"${BLOBNET_TEST_UNSET:-fallback}", "fallback"},
		{"${BLOBNET_TEST_UNSET}", ""},
		{"plain", "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}
