// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=0.2.0"
var version = "0.1.0"

// Execute parses args and runs the selected mode.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, done, err := parseConfig(args, os.LookupEnv, stdout, stderr)
	if err != nil || done {
		return err
	}
	logger := newLogger(stderr, cfg.Verbose, cfg.LogFormat)
	switch cfg.Mode {
	case modeConnect:
		return runConnect(ctx, cfg, logger, stdin, stdout)
	default:
		return runEcho(ctx, cfg, logger)
	}
}

// parseConfig resolves the configuration from the defaults, the config
// file, the environment and args. It returns done when there is nothing
// left to run (help or version).
func parseConfig(args []string, lookup lookupFunc, stdout, stderr io.Writer) (*cliConfig, bool, error) {
	var flags cliConfig
	fs := flag.NewFlagSet("jimmies", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── trust and identity ───────────────────────────────────────
	var configPath string
	fs.StringVarP(&configPath, "config", "f", "", "TOML configuration file")
	fs.StringVarP(&flags.ServerName, "server-name", "n", "", "Name to verify (default: host of ADDRESS)")
	fs.StringVar(&flags.CAFile, "cafile", "", "PEM file of trust roots")
	fs.StringVar(&flags.CAPath, "capath", "", "Directory of trust roots")
	fs.StringVar(&flags.CertFile, "cert", "", "PEM certificate chain (echo mode)")
	fs.StringVar(&flags.KeyFile, "key", "", "PEM private key (default: read from --cert)")

	// ── behavior ─────────────────────────────────────────────────
	fs.DurationVarP(&flags.Timeout, "timeout", "w", 0, "Session timeout (connect) or handshake timeout (echo)")
	fs.BoolVarP(&flags.KeepOpen, "keep-open", "k", false, "Serve multiple connections (echo mode)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&flags.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&flags.LogFormat, "log-format", "", "Log format: auto, json or text")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showHelp || len(args) == 0 {
		printUsage(stdout, fs)
		return nil, true, nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "jimmies %s\n", version)
		return nil, true, nil
	}

	cfg := defaultConfig()
	if !fs.Changed("config") {
		configPath, _ = lookup("JIMMIES_CONFIG")
	}
	if configPath != "" {
		if err := loadFile(&cfg, configPath); err != nil {
			return nil, false, err
		}
	}
	if err := loadEnv(&cfg, lookup); err != nil {
		return nil, false, err
	}
	applyFlags(&cfg, &flags, fs)

	positional := fs.Args()
	if len(positional) != 2 {
		return nil, false, fmt.Errorf("expected MODE and ADDRESS, got %d arguments", len(positional))
	}
	cfg.Mode, cfg.Address = positional[0], positional[1]

	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return &cfg, false, nil
}

// applyFlags copies the flags the user set onto cfg.
func applyFlags(cfg, flags *cliConfig, fs *flag.FlagSet) {
	setters := map[string]func(){
		"server-name": func() { cfg.ServerName = flags.ServerName },
		"cafile":      func() { cfg.CAFile = flags.CAFile },
		"capath":      func() { cfg.CAPath = flags.CAPath },
		"cert":        func() { cfg.CertFile = flags.CertFile },
		"key":         func() { cfg.KeyFile = flags.KeyFile },
		"timeout":     func() { cfg.Timeout = flags.Timeout },
		"keep-open":   func() { cfg.KeepOpen = flags.KeepOpen },
		"verbose":     func() { cfg.Verbose = flags.Verbose },
		"log-format":  func() { cfg.LogFormat = flags.LogFormat },
	}
	for name, set := range setters {
		if fs.Changed(name) {
			set()
		}
	}
}

// newLogger returns a slog logger writing to w. The auto format selects
// text on a terminal and JSON otherwise.
func newLogger(w io.Writer, verbose int, format string) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// withTimeout bounds ctx by timeout unless it is zero.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `jimmies %s - TLS sessions over TCP sockets

Usage:
  jimmies [options] connect HOST:PORT   send stdin, print the reply
  jimmies [options] echo ADDR:PORT      serve a TLS echo service

Options:
%s
Every option except --help and --version can also be set in the TOML file
(server_name, ca_file, ca_path, cert_file, key_file, timeout, keep_open,
verbose, log_format) or with the matching JIMMIES_* variable.
`, version, fs.FlagUsages())
}
