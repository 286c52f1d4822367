// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Blobnet-daemon is a content-addressed blob node. It keeps a local
// verified blob store, serves complete blobs to peers over TCP, mirrors
// configured content from its peers at startup, and periodically
// collects blobs that no tag reaches.
//
// Configuration is read from the file named by --config or, without
// the flag, by BLOBNET_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/blobnet/lib/clock"
	"github.com/bureau-foundation/blobnet/lib/config"
	"github.com/bureau-foundation/blobnet/lib/version"
	"github.com/bureau-foundation/blobnet/transport"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("blobnet-daemon", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the config file (default $"+config.EnvironmentVariable+")")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Fprintf(stdout, "blobnet-daemon %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	logBuild(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := openDaemon(ctx, cfg, newDialer(cfg.Network), clock.Real(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.close(); err != nil {
			logger.Error("closing daemon", "error", err)
		}
	}()

	var listener transport.Listener
	if cfg.Network.Listen != "" {
		tcp, err := transport.NewTCPListener(cfg.Network.Listen)
		if err != nil {
			return err
		}
		listener = tcp
	}

	logger.Info("blobnet daemon started",
		"root", cfg.Store.Root,
		"listen", cfg.Network.Listen,
		"peers", len(cfg.Network.Peers),
	)
	err = node.run(ctx, listener)
	logger.Info("blobnet daemon stopped")
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newDialer returns the TCP dialer for peers named in the network
// section.
func newDialer(cfg config.NetworkConfig) transport.Dialer {
	return &transport.TCPDialer{Timeout: cfg.DialTimeoutDuration()}
}

// newLogger builds the daemon's handler on w from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

func logBuild(logger *slog.Logger) {
	hash, path, err := version.SelfHash()
	if err != nil {
		logger.Warn("could not hash own binary", "error", err)
		logger.Info("build", "version", version.Info())
		return
	}
	logger.Info("build", "version", version.Info(), "binary", path, "binary_hash", hash)
}
