// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/bureau-foundation/catalogengine/lib/codec"
)

// decodeRequest unmarshals a socket action's raw CBOR request body
// into dst.
func decodeRequest(raw []byte, dst any) error {
	if err := codec.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("catalogd: decoding request: %w", err)
	}
	return nil
}
