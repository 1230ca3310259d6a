// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicetoken

import (
	"testing"
	"time"
)

func TestBlacklistRevokeAndIsRevoked(t *testing.T) {
	b := NewBlacklist()

	if b.IsRevoked("abc") {
		t.Fatal("expected token to not be revoked before Revoke")
	}

	expiresAt := time.Unix(2000, 0)
	b.Revoke("abc", expiresAt)
	if !b.IsRevoked("abc") {
		t.Fatal("expected token to be revoked after Revoke")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestBlacklistCleanupRemovesExpiredEntriesOnly(t *testing.T) {
	b := NewBlacklist()

	b.Revoke("expired", time.Unix(1000, 0))
	b.Revoke("still-live", time.Unix(3000, 0))

	removed := b.Cleanup(time.Unix(2000, 0))
	if removed != 1 {
		t.Fatalf("Cleanup removed %d entries, want 1", removed)
	}
	if b.IsRevoked("expired") {
		t.Error("expected expired entry to be removed")
	}
	if !b.IsRevoked("still-live") {
		t.Error("expected live entry to survive Cleanup")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}
