// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command catalogctl is an operator CLI for catalogd's control-plane
// socket: directory-entry mutations, catalog balancing, commits, and
// tag management (create, remove, list, rollback), mirroring the
// original implementation's history management tool.
package main

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bureau-foundation/catalogengine/lib/codec"
	"github.com/bureau-foundation/catalogengine/lib/process"
	"github.com/bureau-foundation/catalogengine/lib/service"
	"github.com/bureau-foundation/catalogengine/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		showVersion bool
		socketPath  string
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&socketPath, "socket", "", "path of catalogd's control socket")
	flag.Parse()

	if showVersion {
		version.Print("catalogctl")
		return nil
	}

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("catalogctl: usage: catalogctl -socket <path> <action> [key=value ...]")
	}
	if socketPath == "" {
		return fmt.Errorf("catalogctl: -socket is required")
	}

	action := args[0]
	fields := map[string]any{"action": action}
	for _, kv := range args[1:] {
		key, value, err := parseField(kv)
		if err != nil {
			return err
		}
		fields[key] = value
	}

	response, err := call(socketPath, fields)
	if err != nil {
		return err
	}
	fmt.Println(response)
	return nil
}

// parseField parses a "key=value" CLI argument, coercing value to an
// int64 when it parses cleanly as one, so fields like mode/uid/gid/
// mtime/size round-trip as CBOR integers rather than strings.
func parseField(kv string) (key string, value any, err error) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			key = kv[:i]
			raw := kv[i+1:]
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return key, n, nil
			}
			return key, raw, nil
		}
	}
	return "", nil, fmt.Errorf("catalogctl: malformed field %q, want key=value", kv)
}

// call dials catalogd's CBOR control socket, sends one request, and
// returns the decoded response body as diagnostic text.
func call(socketPath string, request map[string]any) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("catalogctl: connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	body, err := codec.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("catalogctl: encoding request: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return "", fmt.Errorf("catalogctl: writing request: %w", err)
	}

	var response service.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return "", fmt.Errorf("catalogctl: decoding response: %w", err)
	}
	if !response.OK {
		return "", fmt.Errorf("catalogctl: %s", response.Error)
	}
	if len(response.Data) == 0 {
		return "ok", nil
	}

	text, err := codec.Diagnose(response.Data)
	if err != nil {
		return string(response.Data), nil
	}
	return text, nil
}
