// SPDX-License-Identifier: GPL-3.0-or-later

package main

// Precedence order (highest wins):
//   1. CLI flags (root.go)
//   2. JIMMIES_* environment variables
//   3. the TOML file given with --config or JIMMIES_CONFIG
//   4. defaults

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stillinbeta/jimmies"
)

const (
	modeConnect = "connect"
	modeEcho    = "echo"
)

// cliConfig is the resolved command line configuration.
type cliConfig struct {
	Mode       string
	Address    string
	ServerName string
	CAFile     string
	CAPath     string
	CertFile   string
	KeyFile    string
	Timeout    time.Duration
	KeepOpen   bool
	Verbose    int
	LogFormat  string
}

func defaultConfig() cliConfig {
	return cliConfig{
		Timeout:   30 * time.Second,
		LogFormat: "auto",
	}
}

type fileConfig struct {
	ServerName string `toml:"server_name"`
	CAFile     string `toml:"ca_file"`
	CAPath     string `toml:"ca_path"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	Timeout    string `toml:"timeout"`
	KeepOpen   bool   `toml:"keep_open"`
	Verbose    int    `toml:"verbose"`
	LogFormat  string `toml:"log_format"`
}

// loadFile overlays the keys defined in the TOML file at path onto cfg.
func loadFile(cfg *cliConfig, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("server_name") {
		cfg.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("ca_path") {
		cfg.CAPath = strings.TrimSpace(raw.CAPath)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("keep_open") {
		cfg.KeepOpen = raw.KeepOpen
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	return nil
}

// lookupFunc is the signature of [os.LookupEnv].
type lookupFunc func(key string) (string, bool)

// loadEnv overlays the non-empty JIMMIES_* variables onto cfg. Boolean
// values accept "1", "true" and "yes" (case-insensitive).
func loadEnv(cfg *cliConfig, lookup lookupFunc) error {
	getenv := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := getenv("JIMMIES_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := getenv("JIMMIES_CA_FILE"); v != "" {
		cfg.CAFile = v
	}
	if v := getenv("JIMMIES_CA_PATH"); v != "" {
		cfg.CAPath = v
	}
	if v := getenv("JIMMIES_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := getenv("JIMMIES_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := getenv("JIMMIES_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("JIMMIES_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v := getenv("JIMMIES_KEEP_OPEN"); v != "" {
		cfg.KeepOpen = envBool(v)
	}
	if v := getenv("JIMMIES_VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Verbose = n
		}
	}
	if v := getenv("JIMMIES_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	return nil
}

func envBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

// validate checks cfg and fills in the server name of a client from the
// address when it is not set.
func (cfg *cliConfig) validate() error {
	if cfg.Address == "" {
		return errors.New("missing address")
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	switch cfg.Mode {
	case modeConnect:
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		if _, err := jimmies.ValidateHostname(cfg.ServerName); err != nil {
			return fmt.Errorf("server name: %w", err)
		}
	case modeEcho:
		if cfg.CertFile == "" {
			return errors.New("echo mode needs a certificate (--cert)")
		}
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	switch cfg.LogFormat {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", cfg.Timeout)
	}
	return nil
}

// options returns the factory options selected by cfg.
func (cfg *cliConfig) options() jimmies.Options {
	return jimmies.Options{
		CAFile:   cfg.CAFile,
		CAPath:   cfg.CAPath,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
	}
}
