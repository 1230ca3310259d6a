// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalogtree implements the writable catalog manager: the
// tree of open catalog stores that together represent one publish
// transaction, path routing to the catalog that owns a given path,
// the mutation operations that change directory entries, and the
// commit protocol that finalizes every dirty catalog bottom-up.
package catalogtree

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bureau-foundation/catalogengine/lib/catalog"
	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// node is one open catalog in the tree, plus its children by
// mountpoint.
type node struct {
	store    *catalog.Store
	children map[string]*node
	parent   *node
}

// Manager owns every open catalog store for one publish transaction
// and serializes all access with a single mutex: a catalog is
// single-writer, and cross-catalog operations (splitting, merging,
// moving a subtree across a transition point) must see a consistent
// view of the whole tree.
type Manager struct {
	mu       sync.Mutex
	root     *node
	storeDir func(mountpoint string) string // returns the backing SQLite path for a new catalog
	balancer Balancer
}

// StoreDirFunc maps a catalog's mountpoint to the filesystem path of
// its backing SQLite file. The root catalog's mountpoint is "/".
type StoreDirFunc func(mountpoint string) string

// NewManager opens (or creates) the root catalog and returns a
// manager ready to accept mutations.
func NewManager(storeDir StoreDirFunc, balancer Balancer) (*Manager, error) {
	rootPath := storeDir("/")
	rootStore, err := catalog.Open(rootPath, "/")
	if err != nil {
		return nil, fmt.Errorf("catalogtree: opening root catalog: %w", err)
	}
	return &Manager{
		root:     &node{store: rootStore, children: map[string]*node{}},
		storeDir: storeDir,
		balancer: balancer,
	}, nil
}

// Close closes every open catalog store in the tree.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeSubtree(m.root)
}

func (m *Manager) closeSubtree(n *node) error {
	for _, child := range n.children {
		if err := m.closeSubtree(child); err != nil {
			return err
		}
	}
	return n.store.Close()
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

// findCatalog walks the tree from the root, descending into the
// deepest nested catalog whose mountpoint is an ancestor of path. It
// never opens a catalog that isn't already attached; the manager has
// no on-demand loading, so a path under a nested catalog that is not
// attached resolves to the nearest attached ancestor catalog.
func (m *Manager) findCatalog(targetPath string) *node {
	current := m.root
	for {
		descended := false
		for mountpoint, child := range current.children {
			if isUnderMountpoint(targetPath, mountpoint) {
				current = child
				descended = true
				break
			}
		}
		if !descended {
			return current
		}
	}
}

func isUnderMountpoint(targetPath, mountpoint string) bool {
	if targetPath == mountpoint {
		return true
	}
	return strings.HasPrefix(targetPath, mountpoint+"/") ||
		(mountpoint == "/" && strings.HasPrefix(targetPath, "/"))
}

// IsTransitionPoint reports whether path is the mountpoint of an
// already-attached nested catalog (i.e. a parent/child boundary in
// the tree, not just a directory that happens to exist).
func (m *Manager) IsTransitionPoint(targetPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	targetPath = cleanPath(targetPath)

	found := false
	var walk func(n *node)
	walk = func(n *node) {
		for mountpoint, child := range n.children {
			if mountpoint == targetPath {
				found = true
				return
			}
			walk(child)
		}
	}
	walk(m.root)
	return found
}

// AddDirectory inserts a new directory entry at entryPath, in the
// catalog that owns entryPath's parent directory.
func (m *Manager) AddDirectory(entryPath string, mode uint32, uid, gid uint32, mtime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)
	entry := &catalog.DirectoryEntry{
		Path:  entryPath,
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		MTime: mtime,
		Flags: catalog.EntryFlags{Directory: true},
	}
	if err := owner.store.InsertEntry(entry, path.Dir(entryPath)); err != nil {
		return err
	}
	return nil
}

// TouchDirectory updates an existing directory entry's metadata
// without touching its children.
func (m *Manager) TouchDirectory(entryPath string, mode uint32, uid, gid uint32, mtime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)
	existing, err := owner.store.GetByPath(entryPath)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("catalogtree: touch directory: %w: %s", catalog.ErrNotFound, entryPath)
	}
	existing.Mode, existing.UID, existing.GID, existing.MTime = mode, uid, gid, mtime
	return owner.store.UpdateEntry(existing)
}

// RemoveDirectory removes an empty directory entry. Fails if the
// directory still has children or is a nested catalog mountpoint.
func (m *Manager) RemoveDirectory(entryPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)

	if m.isMountpointLocked(entryPath) {
		return fmt.Errorf("catalogtree: cannot remove %s: still a nested catalog mountpoint", entryPath)
	}

	children, err := owner.store.ListChildren(entryPath)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("catalogtree: cannot remove %s: not empty", entryPath)
	}

	return owner.store.RemoveEntry(entryPath)
}

func (m *Manager) isMountpointLocked(entryPath string) bool {
	found := false
	var walk func(n *node)
	walk = func(n *node) {
		for mountpoint, child := range n.children {
			if mountpoint == entryPath {
				found = true
				return
			}
			walk(child)
		}
	}
	walk(m.root)
	return found
}

// AddFile inserts a new bulk (non-chunked) regular file entry.
func (m *Manager) AddFile(entryPath string, mode uint32, uid, gid uint32, mtime int64, size uint64, digest hash.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)
	entry := &catalog.DirectoryEntry{
		Path:       entryPath,
		Mode:       mode,
		UID:        uid,
		GID:        gid,
		MTime:      mtime,
		Size:       size,
		BulkDigest: digest,
		Flags:      catalog.EntryFlags{Regular: true},
	}
	return owner.store.InsertEntry(entry, path.Dir(entryPath))
}

// AddChunkedFile inserts a new chunked regular file entry. chunks
// must already satisfy the partition invariant (ascending offset,
// exact tiling of [0, size)); this is checked before the insert.
func (m *Manager) AddChunkedFile(entryPath string, mode uint32, uid, gid uint32, mtime int64, size uint64, chunks []catalog.FileChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	entry := &catalog.DirectoryEntry{
		Path:   entryPath,
		Mode:   mode,
		UID:    uid,
		GID:    gid,
		MTime:  mtime,
		Size:   size,
		Chunks: chunks,
		Flags:  catalog.EntryFlags{Regular: true, IsChunkedFile: true},
	}
	if err := entry.ValidateChunks(); err != nil {
		return err
	}

	owner := m.findCatalog(entryPath)
	return owner.store.InsertEntry(entry, path.Dir(entryPath))
}

// RemoveFile removes a regular file entry (bulk or chunked).
func (m *Manager) RemoveFile(entryPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)
	return owner.store.RemoveEntry(entryPath)
}

// AddHardlinkGroup inserts every member of a hardlink group in one
// call, sharing a single HardlinkGroup identifier and BulkDigest.
// Every member must route to the same catalog: hardlink groups cannot
// straddle a nested-catalog boundary.
func (m *Manager) AddHardlinkGroup(groupID uint64, entries []*catalog.DirectoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(entries) == 0 {
		return fmt.Errorf("catalogtree: hardlink group must have at least one member")
	}

	owner := m.findCatalog(cleanPath(entries[0].Path))
	for _, entry := range entries[1:] {
		if m.findCatalog(cleanPath(entry.Path)) != owner {
			return fmt.Errorf("catalogtree: hardlink group %d straddles a nested catalog boundary", groupID)
		}
	}

	for _, entry := range entries {
		entry.Path = cleanPath(entry.Path)
		entry.HardlinkGroup = groupID
		if err := owner.store.InsertEntry(entry, path.Dir(entry.Path)); err != nil {
			return fmt.Errorf("catalogtree: adding hardlink member %s: %w", entry.Path, err)
		}
	}
	return nil
}

// ShrinkHardlinkGroup removes one member from an existing hardlink
// group. If the group's size falls to one, the remaining member's
// hardlink-group identifier is cleared: a lone file is no longer a
// hardlink at all.
func (m *Manager) ShrinkHardlinkGroup(entryPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryPath = cleanPath(entryPath)
	owner := m.findCatalog(entryPath)

	entry, err := owner.store.GetByPath(entryPath)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("catalogtree: shrink hardlink group: %w: %s", catalog.ErrNotFound, entryPath)
	}
	groupID := entry.HardlinkGroup

	if err := owner.store.RemoveEntry(entryPath); err != nil {
		return err
	}
	if groupID == 0 {
		return nil
	}

	remaining, err := owner.store.ListHardlinkGroup(groupID)
	if err != nil {
		return err
	}
	if len(remaining) != 1 {
		return nil
	}

	survivor := remaining[0]
	survivor.HardlinkGroup = 0
	return owner.store.UpdateEntry(survivor)
}

// CreateNestedCatalog splits entryPath off into its own catalog: every
// descendant entry currently stored in the parent catalog is copied
// into a freshly opened child store, removed from the parent, and the
// parent gains a transition-point marker plus a child link.
func (m *Manager) CreateNestedCatalog(mountpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createNestedCatalogLocked(mountpoint)
}

// createNestedCatalogLocked is CreateNestedCatalog for a caller that
// already holds m.mu (the balancer, run from Commit or Balance).
func (m *Manager) createNestedCatalogLocked(mountpoint string) error {
	mountpoint = cleanPath(mountpoint)
	parent := m.findCatalog(mountpoint)

	parentEntry, err := parent.store.GetByPath(mountpoint)
	if err != nil {
		return err
	}
	if parentEntry == nil || !parentEntry.Flags.Directory {
		return fmt.Errorf("catalogtree: %s is not a directory", mountpoint)
	}

	childStorePath := m.storeDir(mountpoint)
	childStore, err := catalog.Open(childStorePath, mountpoint)
	if err != nil {
		return fmt.Errorf("catalogtree: opening nested catalog at %s: %w", mountpoint, err)
	}

	if err := m.migrateSubtree(parent.store, childStore, mountpoint); err != nil {
		childStore.Close()
		return err
	}

	parentEntry.Flags.IsNestedCatalogMountpoint = true
	if err := parent.store.UpdateEntry(parentEntry); err != nil {
		childStore.Close()
		return err
	}

	childRootEntry := *parentEntry
	childRootEntry.Flags.IsNestedCatalogMountpoint = false
	childRootEntry.Flags.IsNestedCatalogRoot = true
	if err := childStore.InsertEntry(&childRootEntry, path.Dir(mountpoint)); err != nil {
		childStore.Close()
		return err
	}
	childStore.SetParentDigest(hash.Digest{})

	child := &node{store: childStore, children: map[string]*node{}, parent: parent}
	parent.children[mountpoint] = child

	return nil
}

// migrateSubtree moves every entry whose path is strictly under root
// from src to dst. The root entry itself is not moved (the caller
// reinserts it into dst separately, flagged as a nested-catalog root).
func (m *Manager) migrateSubtree(src, dst *catalog.Store, root string) error {
	paths, err := src.AllPaths()
	if err != nil {
		return err
	}

	sort.Strings(paths)
	for _, p := range paths {
		if p == root || !isUnderMountpoint(p, root) {
			continue
		}
		entry, err := src.GetByPath(p)
		if err != nil {
			return err
		}
		if err := dst.InsertEntry(entry, path.Dir(p)); err != nil {
			return fmt.Errorf("catalogtree: migrating %s: %w", p, err)
		}
		if err := src.RemoveEntry(p); err != nil {
			return fmt.Errorf("catalogtree: removing migrated %s from source: %w", p, err)
		}
	}
	return nil
}

// RemoveNestedCatalog merges a child catalog back into its parent:
// every entry in the child is copied into the parent, the child's
// store is closed, and the parent's transition-point marker and child
// link are cleared.
func (m *Manager) RemoveNestedCatalog(mountpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeNestedCatalogLocked(mountpoint)
}

// removeNestedCatalogLocked is RemoveNestedCatalog for a caller that
// already holds m.mu (the balancer, run from Commit or Balance).
func (m *Manager) removeNestedCatalogLocked(mountpoint string) error {
	mountpoint = cleanPath(mountpoint)
	parent := m.findParentOfMountpoint(mountpoint)
	if parent == nil {
		return fmt.Errorf("catalogtree: %s is not a nested catalog mountpoint", mountpoint)
	}
	child := parent.children[mountpoint]

	if len(child.children) > 0 {
		return fmt.Errorf("catalogtree: cannot remove %s: it has nested catalogs of its own", mountpoint)
	}

	paths, err := child.store.AllPaths()
	if err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		if p == mountpoint {
			continue
		}
		entry, err := child.store.GetByPath(p)
		if err != nil {
			return err
		}
		if err := parent.store.InsertEntry(entry, path.Dir(p)); err != nil {
			return fmt.Errorf("catalogtree: merging %s into parent: %w", p, err)
		}
	}

	parentEntry, err := parent.store.GetByPath(mountpoint)
	if err != nil {
		return err
	}
	if parentEntry != nil {
		parentEntry.Flags.IsNestedCatalogMountpoint = false
		if err := parent.store.UpdateEntry(parentEntry); err != nil {
			return err
		}
	}
	if err := parent.store.UnlinkChild(mountpoint); err != nil {
		return err
	}

	delete(parent.children, mountpoint)
	return child.store.Close()
}

func (m *Manager) findParentOfMountpoint(mountpoint string) *node {
	var result *node
	var walk func(n *node)
	walk = func(n *node) {
		for mp, child := range n.children {
			if mp == mountpoint {
				result = n
				return
			}
			walk(child)
		}
	}
	walk(m.root)
	return result
}

// Commit finalizes every dirty catalog in the tree, bottom-up, so a
// parent's child links always reference its children's final digests.
// If a balancer is configured, it runs first, so the resulting
// catalog shapes are what gets snapshotted rather than what the next
// commit would reshape. manualRevision, when nonzero, overrides the
// root catalog's auto-incremented revision number; every nested
// catalog still auto-increments regardless, since a manual revision
// is a publish-time override of the repository's published revision
// line, not a reshaping of the tree beneath it. Returns the root
// catalog's finalization result.
//
// Pausing to inspect or adjust the tree before it is snapshotted (what
// administrators call "stopping for tweaks") does not need a flag
// here: call Balance to reshape catalogs, or any of the mutation
// methods to edit them, at any point before calling Commit.
func (m *Manager) Commit(manualRevision int64) (*catalog.Finalized, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balancer.MaxWeight != 0 {
		if err := m.balancer.run(m, m.root, "/"); err != nil {
			return nil, err
		}
	}

	if err := m.finalizeSubtree(m.root); err != nil {
		return nil, err
	}
	return m.finalizeNode(m.root, hash.Digest{}, manualRevision)
}

func (m *Manager) finalizeSubtree(n *node) error {
	for mountpoint, child := range n.children {
		if err := m.finalizeSubtree(child); err != nil {
			return err
		}
		result, err := m.finalizeNode(child, hash.Digest{}, 0)
		if err != nil {
			return err
		}
		if err := n.store.LinkChild(catalog.ChildLink{
			Mountpoint: mountpoint,
			Digest:     result.Digest,
			Size:       result.Size,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) finalizeNode(n *node, parentDigest hash.Digest, manualRevision int64) (*catalog.Finalized, error) {
	if parentDigest != (hash.Digest{}) {
		n.store.SetParentDigest(parentDigest)
	}
	if !n.store.IsDirty() && manualRevision == 0 {
		// Nothing changed since the last finalization; reuse the
		// existing revision rather than bumping it for a no-op commit.
		return n.store.Finalize(n.store.Revision())
	}
	return n.store.Finalize(manualRevision)
}

// Balance runs the catalog balancer over the subtree rooted at
// mountpoint, splitting catalogs that exceed the configured maximum
// weight and merging catalogs below the minimum weight back into their
// parents. Commit already runs the
// balancer over the whole tree automatically; this method exists for
// callers that want to reshape catalogs ahead of a commit, or without
// committing at all.
func (m *Manager) Balance(mountpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balancer.MaxWeight == 0 {
		return nil
	}

	mountpoint = cleanPath(mountpoint)
	owner := m.findCatalog(mountpoint)
	return m.balancer.run(m, owner, mountpoint)
}
