// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "testing"

func TestParseField(t *testing.T) {
	cases := []struct {
		in        string
		wantKey   string
		wantValue any
		wantErr   bool
	}{
		{in: "path=/pkg/readme.txt", wantKey: "path", wantValue: "/pkg/readme.txt"},
		{in: "mode=420", wantKey: "mode", wantValue: int64(420)},
		{in: "name=v1.0.0", wantKey: "name", wantValue: "v1.0.0"},
		{in: "empty=", wantKey: "empty", wantValue: ""},
		{in: "no-equals-sign", wantErr: true},
	}
	for _, c := range cases {
		key, value, err := parseField(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseField(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseField(%q): %v", c.in, err)
		}
		if key != c.wantKey || value != c.wantValue {
			t.Errorf("parseField(%q) = (%q, %v), want (%q, %v)", c.in, key, value, c.wantKey, c.wantValue)
		}
	}
}
