// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for catalogd and
// catalogctl. These functions centralize the one legitimate raw I/O
// pattern that exists before the structured logger is initialized:
// fatal error reporting to stderr followed by a non-zero exit.
package process
