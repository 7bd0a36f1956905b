// Copyright (c) 2024 proxyc authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command proxyc is the launcher: it resolves a configuration (CLI flags
// layered over an optional TOML file), serializes it into the environment,
// extends LD_PRELOAD with libproxyc.so, and execs the target program in
// place of itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"

	"github.com/evn-ch/proxyc/internal/pconfig"
)

// sharedLibPaths is the probe order for libproxyc.so, debug-build path
// first so `go run ./cmd/proxyc` works straight out of a checkout.
var sharedLibPaths = []string{"./libproxyc.so", "/usr/lib/libproxyc.so"}

// proxyList accumulates repeated -proxy flags, each of which may itself be
// a comma-delimited list (mirrors the original CLI's require_delimiter).
type proxyList struct {
	specs []pconfig.ProxySpec
}

func (p *proxyList) String() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%d proxies", len(p.specs))
}

func (p *proxyList) Set(value string) error {
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		spec, err := pconfig.ParseProxyURL(entry)
		if err != nil {
			return err
		}
		p.specs = append(p.specs, spec)
	}
	return nil
}

func findSharedLib() (string, error) {
	for _, p := range sharedLibPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}
	return "", fmt.Errorf("proxyc: libproxyc.so not found in %v", sharedLibPaths)
}

func run() error {
	var proxies proxyList
	var logLevel, chainType, fileConfig string
	var quiet bool
	var tcpReadTimeout, tcpConnectTimeout int

	flag.Var(&proxies, "proxy", "proxy URL (scheme://[user:pass@]host:port), may be repeated or comma-delimited")
	flag.StringVar(&logLevel, "log-level", "", "log level: off, error, warn, info, debug, trace")
	flag.BoolVar(&quiet, "quiet", false, "suppress output (same as -log-level off)")
	flag.StringVar(&chainType, "chain", "", "chain traversal order: strict, dynamic, random")
	flag.StringVar(&fileConfig, "file-config", "", "path to a proxyc.toml configuration file")
	flag.IntVar(&tcpReadTimeout, "tcp-read-timeout", 0, "per-read timeout in milliseconds")
	flag.IntVar(&tcpConnectTimeout, "tcp-connect-timeout", 0, "connect timeout in milliseconds")
	flag.Var(&proxies, "p", "shorthand for -proxy")
	flag.StringVar(&logLevel, "l", "", "shorthand for -log-level")
	flag.BoolVar(&quiet, "q", false, "shorthand for -quiet")
	flag.StringVar(&chainType, "c", "", "shorthand for -chain")
	flag.StringVar(&fileConfig, "f", "", "shorthand for -file-config")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] -- <command> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	program, programArgs := args[0], args[1:]

	libPath, err := findSharedLib()
	if err != nil {
		return err
	}

	path := fileConfig
	if path == "" {
		path = pconfig.FindDefaultFile()
	}

	var cfg *pconfig.Config
	if path != "" {
		cfg, err = pconfig.LoadFile(path)
		if err != nil {
			return fmt.Errorf("proxyc: loading %s: %w", path, err)
		}
		log.Info("proxyc: loaded configuration from %s", path)
	} else {
		cfg = &pconfig.Config{ProxyDNS: true}
	}

	if len(proxies.specs) > 0 {
		cfg.Proxies = proxies.specs
	}
	if quiet {
		cfg.LogLevel = pconfig.LogOff
	} else if logLevel != "" {
		lvl, err := pconfig.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if chainType != "" {
		ct, err := pconfig.ParseChainType(chainType)
		if err != nil {
			return err
		}
		cfg.ChainType = ct
	}
	if tcpConnectTimeout != 0 {
		cfg.TCPConnectTimeoutMs = tcpConnectTimeout
	}
	if tcpReadTimeout != 0 {
		cfg.TCPReadTimeoutMs = tcpReadTimeout
	}

	full := cfg.WithDefaults()
	if err := full.Validate(); err != nil {
		return fmt.Errorf("proxyc: at least one proxy is required, use -proxy or define the list in the configuration file: %w", err)
	}
	pconfig.ApplyLogLevel(full.LogLevel)

	payload, err := pconfig.Encode(&full)
	if err != nil {
		return fmt.Errorf("proxyc: encoding configuration: %w", err)
	}

	ldPreload := libPath
	if existing := os.Getenv("LD_PRELOAD"); existing != "" {
		ldPreload = existing + ":" + libPath
	}

	argv, err := exec.LookPath(program)
	if err != nil {
		return fmt.Errorf("proxyc: %s: %w", program, err)
	}

	env := append(os.Environ(),
		"LD_PRELOAD="+ldPreload,
		pconfig.EnvVar+"="+string(payload),
	)
	execArgs := append([]string{program}, programArgs...)
	return unix.Exec(argv, execArgs, env)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
