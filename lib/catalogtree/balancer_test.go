// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalogtree

import (
	"fmt"
	"testing"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// buildBranchingTree populates m with a 25-entry tree: three
// directories weighing 7 each (1 directory entry plus 6 files) and
// one directory weighing 4 (1 directory entry plus 3 files), for a
// total of 4 directories + 21 files = 25 entries under the root.
func buildBranchingTree(t *testing.T, m *Manager) {
	t.Helper()

	dirs := []struct {
		name     string
		numFiles int
	}{
		{"a", 6},
		{"b", 6},
		{"c", 6},
		{"d", 3},
	}
	for _, dir := range dirs {
		dirPath := "/" + dir.name
		if err := m.AddDirectory(dirPath, 0o755, 0, 0, 1700000000); err != nil {
			t.Fatalf("AddDirectory(%s): %v", dirPath, err)
		}
		for i := 0; i < dir.numFiles; i++ {
			filePath := fmt.Sprintf("%s/f%d", dirPath, i)
			digest := hash.Chunk([]byte(filePath))
			if err := m.AddFile(filePath, 0o644, 0, 0, 1700000000, 1, digest); err != nil {
				t.Fatalf("AddFile(%s): %v", filePath, err)
			}
		}
	}
}

func TestBalanceSplitsOversizedCatalog(t *testing.T) {
	m, err := NewManager(memStoreDir(), Balancer{MaxWeight: 10, MinWeight: 3})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	buildBranchingTree(t, m)

	if err := m.Balance("/"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	var mountpoints []string
	for _, candidate := range []string{"/a", "/b", "/c", "/d"} {
		if m.IsTransitionPoint(candidate) {
			mountpoints = append(mountpoints, candidate)
		}
	}
	if len(mountpoints) < 2 {
		t.Fatalf("expected at least 2 new nested catalogs, got %d (%v)", len(mountpoints), mountpoints)
	}

	for _, mountpoint := range mountpoints {
		node := m.findCatalog(mountpoint + "/placeholder")
		weight, err := catalogWeight(node.store)
		if err != nil {
			t.Fatalf("catalogWeight(%s): %v", mountpoint, err)
		}
		if weight < 3 || weight > 10 {
			t.Errorf("nested catalog %s has weight %d, want in [3,10]", mountpoint, weight)
		}
	}

	rootWeight, err := catalogWeight(m.root.store)
	if err != nil {
		t.Fatalf("catalogWeight(root): %v", err)
	}
	if rootWeight > 10 {
		t.Errorf("root residual weight = %d, want <= 10", rootWeight)
	}
}

func TestBalanceLeavesCatalogUnderMaxWeightAlone(t *testing.T) {
	m, err := NewManager(memStoreDir(), Balancer{MaxWeight: 1000, MinWeight: 3})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	buildBranchingTree(t, m)

	if err := m.Balance("/"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	for _, candidate := range []string{"/a", "/b", "/c", "/d"} {
		if m.IsTransitionPoint(candidate) {
			t.Errorf("expected %s to remain unsplit while under max weight", candidate)
		}
	}
}

func TestBalanceMergesUndersizedCatalogWithinMaxWeight(t *testing.T) {
	m, err := NewManager(memStoreDir(), Balancer{MaxWeight: 1000, MinWeight: 3})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.AddDirectory("/small", 0o755, 0, 0, 1700000000); err != nil {
		t.Fatalf("AddDirectory: %v", err)
	}
	digest := hash.Chunk([]byte("x"))
	if err := m.AddFile("/small/f", 0o644, 0, 0, 1700000000, 1, digest); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.CreateNestedCatalog("/small"); err != nil {
		t.Fatalf("CreateNestedCatalog: %v", err)
	}
	if !m.IsTransitionPoint("/small") {
		t.Fatal("expected /small to be a transition point before balancing")
	}

	if err := m.Balance("/"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	if m.IsTransitionPoint("/small") {
		t.Error("expected undersized catalog to be merged back into its parent")
	}
}

func TestBalanceSkipsMergeThatWouldExceedMaxWeight(t *testing.T) {
	m, err := NewManager(memStoreDir(), Balancer{MaxWeight: 6, MinWeight: 3})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.AddDirectory("/small", 0o755, 0, 0, 1700000000); err != nil {
		t.Fatalf("AddDirectory: %v", err)
	}
	digest := hash.Chunk([]byte("x"))
	if err := m.AddFile("/small/f", 0o644, 0, 0, 1700000000, 1, digest); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.CreateNestedCatalog("/small"); err != nil {
		t.Fatalf("CreateNestedCatalog: %v", err)
	}

	// Pad the root with enough unrelated entries that folding /small's
	// 2 entries back in would push the root over MaxWeight, while the
	// root's own weight stays at exactly MaxWeight so it is not itself
	// a split candidate.
	for i := 0; i < 5; i++ {
		filePath := fmt.Sprintf("/pad%d", i)
		digest := hash.Chunk([]byte(filePath))
		if err := m.AddFile(filePath, 0o644, 0, 0, 1700000000, 1, digest); err != nil {
			t.Fatalf("AddFile(%s): %v", filePath, err)
		}
	}

	if err := m.Balance("/"); err != nil {
		t.Fatalf("Balance: %v", err)
	}

	if !m.IsTransitionPoint("/small") {
		t.Error("expected undersized catalog to remain split when merging would exceed max weight")
	}
}

func TestCommitRunsBalancerAutomatically(t *testing.T) {
	m, err := NewManager(memStoreDir(), Balancer{MaxWeight: 10, MinWeight: 3})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	buildBranchingTree(t, m)

	if _, err := m.Commit(0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var mountpoints int
	for _, candidate := range []string{"/a", "/b", "/c", "/d"} {
		if m.IsTransitionPoint(candidate) {
			mountpoints++
		}
	}
	if mountpoints < 2 {
		t.Errorf("expected Commit to balance the tree before finalizing, got %d new nested catalogs", mountpoints)
	}
}

func TestPickSplitCandidateTieBreaksLexicographically(t *testing.T) {
	nodes := map[string]*virtualNode{
		"/b": {path: "/b", weight: 7, isDirectory: true},
		"/a": {path: "/a", weight: 7, isDirectory: true},
		"/c": {path: "/c", weight: 7, isDirectory: true},
	}

	got := pickSplitCandidate(nodes, "/", 3, 10)
	if got != "/a" {
		t.Errorf("pickSplitCandidate = %s, want /a (lexicographically first among equal weights)", got)
	}
}

func TestPickSplitCandidateFallsBackUnderMaxWeight(t *testing.T) {
	nodes := map[string]*virtualNode{
		"/big":   {path: "/big", weight: 50, isDirectory: true},
		"/small": {path: "/small", weight: 2, isDirectory: true},
	}

	got := pickSplitCandidate(nodes, "/", 10, 20)
	if got != "/small" {
		t.Errorf("pickSplitCandidate = %s, want /small (largest value under max weight when nothing is in range)", got)
	}
}
