// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog defines the directory-entry data model and the
// single-catalog store: the typed row operations that back one
// catalog's backing database. A catalog holds every directory entry
// whose path lies in the subtree rooted at its mountpoint and not
// under any descendant nested catalog.
package catalog

import (
	"fmt"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// EntryFlags records the structural role of a directory entry.
// Exactly one of Regular, Directory, Symlink, Special is set.
type EntryFlags struct {
	Regular  bool
	Directory bool
	Symlink  bool
	Special  bool

	// IsNestedCatalogMountpoint is set on the parent catalog's copy of
	// a transition-point path.
	IsNestedCatalogMountpoint bool

	// IsNestedCatalogRoot is set on the child catalog's copy of a
	// transition-point path.
	IsNestedCatalogRoot bool

	// IsChunkedFile is set when the entry's content is represented as
	// an ordered chunk list instead of a single bulk digest.
	IsChunkedFile bool

	// IsExternal marks an entry whose content lives outside the normal
	// content-addressed store (carried through from upstream metadata;
	// this engine does not interpret it further).
	IsExternal bool
}

// Validate checks the "exactly one of regular/directory/symlink/special"
// invariant from the data model.
func (f EntryFlags) Validate() error {
	count := 0
	for _, set := range []bool{f.Regular, f.Directory, f.Symlink, f.Special} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("catalog: entry must be exactly one of regular/directory/symlink/special, got %d set", count)
	}
	return nil
}

// FileChunk is one content-defined span of a chunked file: an
// (offset, size, digest) tuple. Chunks of one file partition
// [0, size) without overlap or gap, in ascending offset order.
type FileChunk struct {
	Offset uint64
	Size   uint32
	Digest hash.Digest
}

// XAttr is a single extended attribute (name/value pair).
type XAttr struct {
	Name  string
	Value []byte
}

// DirectoryEntry is the unit of filesystem metadata the catalog
// stores for one path.
type DirectoryEntry struct {
	// Path is the entry's full path within the catalog tree, not just
	// within one catalog. It is not necessarily valid UTF-8 — stored
	// and compared as raw bytes.
	Path string

	Mode uint32
	UID  uint32
	GID  uint32
	MTime int64 // Unix seconds.
	Size  uint64

	// SymlinkTarget is set only when Flags.Symlink is true.
	SymlinkTarget string

	XAttrs []XAttr

	// BulkDigest is the content digest for a regular, non-chunked
	// file. Zero for directories, symlinks, and chunked files.
	BulkDigest hash.Digest

	// Chunks holds the ordered chunk list for a chunked file. Empty
	// for bulk files, directories, and symlinks.
	Chunks []FileChunk

	// HardlinkGroup is the shared identifier for entries that are
	// members of the same hardlink group. Zero means "not a hardlink
	// member".
	HardlinkGroup uint64

	Flags EntryFlags
}

// IsBulk reports whether the entry's content is a single bulk object
// rather than a chunk list. A file is either bulk or chunked; per the
// data model, both representations may briefly coexist for legacy
// compatibility, so this checks the chunked flag rather than deriving
// from digest/chunk presence alone.
func (e *DirectoryEntry) IsBulk() bool {
	return !e.Flags.IsChunkedFile
}

// ValidateChunks checks the partition invariant from §3: chunks must
// be sorted by offset and must exactly tile [0, e.Size) without
// overlap or gap.
func (e *DirectoryEntry) ValidateChunks() error {
	if len(e.Chunks) == 0 {
		return nil
	}
	var expected uint64
	for i, chunk := range e.Chunks {
		if chunk.Offset != expected {
			return fmt.Errorf("catalog: chunk %d offset %d does not continue from %d", i, chunk.Offset, expected)
		}
		expected += uint64(chunk.Size)
	}
	if expected != e.Size {
		return fmt.Errorf("catalog: chunks cover %d bytes, entry size is %d", expected, e.Size)
	}
	return nil
}

// ChildLink records a nested catalog attached under this catalog:
// (child mountpoint, child digest, child size).
type ChildLink struct {
	Mountpoint string
	Digest     hash.Digest
	Size       int64
}

// Counters are the aggregated per-catalog statistics. Finalize computes
// them from the catalog's rows; they are not updated as rows change.
// SubtreeSize is not computed and stays zero.
type Counters struct {
	EntryCount        int64
	ChunkedFileCount  int64
	NestedCatalogCount int64
	SubtreeSize       int64
}

// Metadata is a catalog's header information, independent of its row
// contents: everything needed to address and link it.
type Metadata struct {
	Mountpoint       string
	Revision         int64
	PreviousDigest   hash.Digest // zero value if no previous revision
	ParentDigest     hash.Digest // zero value for the root catalog
	Counters         Counters
	Children         []ChildLink
}
