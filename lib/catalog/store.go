// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/catalogengine/lib/codec"
	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// schema creates the tables backing one catalog: directory entries,
// their chunk lists, their extended attributes, and nested-catalog
// child links. One catalog is one SQLite file; there is no
// cross-catalog join, so there is no need for per-catalog table name
// suffixes the way the telemetry store partitions by day.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path            TEXT PRIMARY KEY,
	mode            INTEGER NOT NULL,
	uid             INTEGER NOT NULL,
	gid             INTEGER NOT NULL,
	mtime           INTEGER NOT NULL,
	size            INTEGER NOT NULL,
	symlink_target  TEXT,
	bulk_digest     BLOB,
	hardlink_group  INTEGER NOT NULL DEFAULT 0,
	flags           INTEGER NOT NULL,
	parent          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent);

CREATE TABLE IF NOT EXISTS xattrs (
	path  TEXT NOT NULL,
	name  TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (path, name)
);

CREATE TABLE IF NOT EXISTS chunks (
	path       TEXT NOT NULL,
	chunk_idx  INTEGER NOT NULL,
	offset_val INTEGER NOT NULL,
	size_val   INTEGER NOT NULL,
	digest     BLOB NOT NULL,
	PRIMARY KEY (path, chunk_idx)
);

CREATE TABLE IF NOT EXISTS children (
	mountpoint TEXT PRIMARY KEY,
	digest     BLOB NOT NULL,
	size_val   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Flag bit values persisted in the entries.flags column.
const (
	flagRegular = 1 << iota
	flagDirectory
	flagSymlink
	flagSpecial
	flagMountpoint
	flagNestedRoot
	flagChunkedFile
	flagExternal
)

func flagsToBits(f EntryFlags) int64 {
	var bits int64
	if f.Regular {
		bits |= flagRegular
	}
	if f.Directory {
		bits |= flagDirectory
	}
	if f.Symlink {
		bits |= flagSymlink
	}
	if f.Special {
		bits |= flagSpecial
	}
	if f.IsNestedCatalogMountpoint {
		bits |= flagMountpoint
	}
	if f.IsNestedCatalogRoot {
		bits |= flagNestedRoot
	}
	if f.IsChunkedFile {
		bits |= flagChunkedFile
	}
	if f.IsExternal {
		bits |= flagExternal
	}
	return bits
}

func bitsToFlags(bits int64) EntryFlags {
	return EntryFlags{
		Regular:                   bits&flagRegular != 0,
		Directory:                 bits&flagDirectory != 0,
		Symlink:                   bits&flagSymlink != 0,
		Special:                   bits&flagSpecial != 0,
		IsNestedCatalogMountpoint: bits&flagMountpoint != 0,
		IsNestedCatalogRoot:       bits&flagNestedRoot != 0,
		IsChunkedFile:             bits&flagChunkedFile != 0,
		IsExternal:                bits&flagExternal != 0,
	}
}

// DecodeFlags converts a raw entries.flags column value into
// EntryFlags. Exported so callers querying the entries table directly
// over their own connection, such as a read-only catalogreader pool,
// can decode rows without duplicating the bit layout.
func DecodeFlags(bits int64) EntryFlags { return bitsToFlags(bits) }

// Store is the single-catalog store: typed row operations over one
// catalog's backing database. A catalog is owned by exactly one
// goroutine at a time (the writable catalog manager serializes access
// with its tree-wide mutex), so Store holds one dedicated SQLite
// connection rather than a pool.
type Store struct {
	conn  *sqlite.Conn
	path  string // database path passed to Open (":memory:" for a transient catalog)
	dirty bool

	mountpoint     string
	revision       int64
	previousDigest hash.Digest
	parentDigest   hash.Digest
}

// Open creates or opens a single catalog's backing database at path.
// Pass ":memory:" for a transient catalog that is never written to a
// file.
func Open(path string, mountpoint string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: creating schema: %w", err)
	}

	store := &Store{conn: conn, path: path, mountpoint: mountpoint}
	if err := store.loadMeta(); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("catalog: closing %s: %w", s.path, err)
	}
	return nil
}

// Mountpoint returns the path this catalog is rooted at.
func (s *Store) Mountpoint() string { return s.mountpoint }

// Revision returns the catalog's current revision counter.
func (s *Store) Revision() int64 { return s.revision }

// IsDirty reports whether the store has pending mutations since the
// last Finalize.
func (s *Store) IsDirty() bool { return s.dirty }

// MarkDirty flags the store as having pending mutations even when the
// caller didn't go through one of the mutation methods directly (used
// when a child link changes without an entries-table write).
func (s *Store) MarkDirty() { s.dirty = true }

func (s *Store) loadMeta() error {
	return sqlitex.Execute(s.conn, "SELECT key, value FROM meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			key := stmt.ColumnText(0)
			value := stmt.ColumnText(1)
			switch key {
			case "revision":
				fmt.Sscanf(value, "%d", &s.revision)
			case "previous_digest":
				digest, err := hash.Parse(value)
				if err == nil {
					s.previousDigest = digest
				}
			case "parent_digest":
				digest, err := hash.Parse(value)
				if err == nil {
					s.parentDigest = digest
				}
			}
			return nil
		},
	})
}

// Begin opens a savepoint: it starts a transaction when none is open
// and nests inside one that is, so the mutation methods (which call
// Begin themselves) can run inside a caller's Begin. The caller must
// call the returned function (typically via defer) with a pointer to
// the error that determines commit or rollback.
func (s *Store) Begin() (func(*error), error) {
	return sqlitex.Save(s.conn), nil
}

// InsertEntry inserts a new directory entry. Fails if the path
// already exists. The entry row, its xattrs, and its chunk list are
// written atomically: a failure partway through leaves no partial
// entry behind.
func (s *Store) InsertEntry(entry *DirectoryEntry, parent string) (err error) {
	if err := entry.Flags.Validate(); err != nil {
		return err
	}
	if existing, _ := s.GetByPath(entry.Path); existing != nil {
		return fmt.Errorf("catalog: %w: %s", ErrAlreadyExists, entry.Path)
	}

	end, err := s.Begin()
	if err != nil {
		return err
	}
	defer end(&err)

	var bulkDigest any
	if !entry.Flags.IsChunkedFile {
		bulkDigest = entry.BulkDigest[:]
	}

	err = sqlitex.Execute(s.conn,
		`INSERT INTO entries
			(path, mode, uid, gid, mtime, size, symlink_target,
			 bulk_digest, hardlink_group, flags, parent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.Path, int64(entry.Mode), int64(entry.UID), int64(entry.GID),
				entry.MTime, int64(entry.Size), nullableString(entry.SymlinkTarget),
				bulkDigest, int64(entry.HardlinkGroup), flagsToBits(entry.Flags), parent,
			},
		})
	if err != nil {
		return fmt.Errorf("catalog: insert entry %s: %w", entry.Path, err)
	}

	for _, attr := range entry.XAttrs {
		if err = s.insertXAttr(entry.Path, attr); err != nil {
			return err
		}
	}
	for i, chunk := range entry.Chunks {
		if err = s.insertChunk(entry.Path, i, chunk); err != nil {
			return err
		}
	}

	s.dirty = true
	return nil
}

func (s *Store) insertXAttr(path string, attr XAttr) error {
	err := sqlitex.Execute(s.conn,
		"INSERT INTO xattrs (path, name, value) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{path, attr.Name, attr.Value}})
	if err != nil {
		return fmt.Errorf("catalog: insert xattr %s on %s: %w", attr.Name, path, err)
	}
	return nil
}

func (s *Store) insertChunk(path string, index int, chunk FileChunk) error {
	err := sqlitex.Execute(s.conn,
		`INSERT INTO chunks (path, chunk_idx, offset_val, size_val, digest)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{path, int64(index), int64(chunk.Offset), int64(chunk.Size), chunk.Digest[:]},
		})
	if err != nil {
		return fmt.Errorf("catalog: insert chunk %d for %s: %w", index, path, err)
	}
	return nil
}

// UpdateEntry updates an existing entry's metadata in place. Fails if
// the path does not exist. Chunk lists and extended attributes are
// fully replaced, all within one transaction: a failure partway
// through rolls back to the entry's previous state rather than
// leaving the row, its xattrs, and its chunks inconsistent.
func (s *Store) UpdateEntry(entry *DirectoryEntry) (err error) {
	if err := entry.Flags.Validate(); err != nil {
		return err
	}
	if existing, _ := s.GetByPath(entry.Path); existing == nil {
		return fmt.Errorf("catalog: %w: %s", ErrNotFound, entry.Path)
	}

	end, err := s.Begin()
	if err != nil {
		return err
	}
	defer end(&err)

	var bulkDigest any
	if !entry.Flags.IsChunkedFile {
		bulkDigest = entry.BulkDigest[:]
	}

	err = sqlitex.Execute(s.conn,
		`UPDATE entries SET mode=?, uid=?, gid=?, mtime=?, size=?, symlink_target=?,
			bulk_digest=?, hardlink_group=?, flags=? WHERE path=?`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(entry.Mode), int64(entry.UID), int64(entry.GID), entry.MTime,
				int64(entry.Size), nullableString(entry.SymlinkTarget), bulkDigest,
				int64(entry.HardlinkGroup), flagsToBits(entry.Flags), entry.Path,
			},
		})
	if err != nil {
		return fmt.Errorf("catalog: update entry %s: %w", entry.Path, err)
	}

	if err = sqlitex.Execute(s.conn, "DELETE FROM xattrs WHERE path=?",
		&sqlitex.ExecOptions{Args: []any{entry.Path}}); err != nil {
		return fmt.Errorf("catalog: clearing xattrs for %s: %w", entry.Path, err)
	}
	for _, attr := range entry.XAttrs {
		if err = s.insertXAttr(entry.Path, attr); err != nil {
			return err
		}
	}

	if err = sqlitex.Execute(s.conn, "DELETE FROM chunks WHERE path=?",
		&sqlitex.ExecOptions{Args: []any{entry.Path}}); err != nil {
		return fmt.Errorf("catalog: clearing chunks for %s: %w", entry.Path, err)
	}
	for i, chunk := range entry.Chunks {
		if err = s.insertChunk(entry.Path, i, chunk); err != nil {
			return err
		}
	}

	s.dirty = true
	return nil
}

// RemoveEntry deletes an entry and its associated chunks/xattrs.
// Fails if the path does not exist. The three deletes run in one
// transaction so a failure partway through cannot strand orphaned
// xattr or chunk rows for a path whose entry row is already gone.
func (s *Store) RemoveEntry(path string) (err error) {
	if existing, _ := s.GetByPath(path); existing == nil {
		return fmt.Errorf("catalog: %w: %s", ErrNotFound, path)
	}

	end, err := s.Begin()
	if err != nil {
		return err
	}
	defer end(&err)

	for _, table := range []string{"entries", "xattrs", "chunks"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE path=?", table)
		if err = sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{Args: []any{path}}); err != nil {
			return fmt.Errorf("catalog: remove from %s for %s: %w", table, path, err)
		}
	}

	s.dirty = true
	return nil
}

// GetByPath returns the entry at path, or nil if none exists.
func (s *Store) GetByPath(path string) (*DirectoryEntry, error) {
	var entry *DirectoryEntry
	err := sqlitex.Execute(s.conn,
		`SELECT path, mode, uid, gid, mtime, size, symlink_target,
			bulk_digest, hardlink_group, flags FROM entries WHERE path=?`,
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = scanEntry(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", path, err)
	}
	if entry == nil {
		return nil, nil
	}

	if err := s.loadXAttrs(entry); err != nil {
		return nil, err
	}
	if entry.Flags.IsChunkedFile {
		if err := s.loadChunks(entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// ListChildren returns all entries whose parent column equals dir,
// ordered by path for stable iteration.
func (s *Store) ListChildren(dir string) ([]*DirectoryEntry, error) {
	var entries []*DirectoryEntry
	err := sqlitex.Execute(s.conn,
		`SELECT path, mode, uid, gid, mtime, size, symlink_target,
			bulk_digest, hardlink_group, flags FROM entries WHERE parent=? ORDER BY path`,
		&sqlitex.ExecOptions{
			Args: []any{dir},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanEntry(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: list children of %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := s.loadXAttrs(entry); err != nil {
			return nil, err
		}
		if entry.Flags.IsChunkedFile {
			if err := s.loadChunks(entry); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// ListHardlinkGroup returns every entry sharing groupID, ordered by
// path. Used when a hardlink group shrinks to decide whether the
// survivor's group identifier must be cleared.
func (s *Store) ListHardlinkGroup(groupID uint64) ([]*DirectoryEntry, error) {
	var entries []*DirectoryEntry
	err := sqlitex.Execute(s.conn,
		`SELECT path, mode, uid, gid, mtime, size, symlink_target,
			bulk_digest, hardlink_group, flags FROM entries WHERE hardlink_group=? ORDER BY path`,
		&sqlitex.ExecOptions{
			Args: []any{int64(groupID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, scanEntry(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing hardlink group %d: %w", groupID, err)
	}

	for _, entry := range entries {
		if err := s.loadXAttrs(entry); err != nil {
			return nil, err
		}
		if entry.Flags.IsChunkedFile {
			if err := s.loadChunks(entry); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// AllPaths returns every entry path in the catalog, ordered
// lexicographically. Used by the balancer to build its virtual
// subtree and by Finalize to compute counters.
func (s *Store) AllPaths() ([]string, error) {
	var paths []string
	err := sqlitex.Execute(s.conn, "SELECT path FROM entries ORDER BY path", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			paths = append(paths, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing all paths: %w", err)
	}
	return paths, nil
}

func (s *Store) loadXAttrs(entry *DirectoryEntry) error {
	return sqlitex.Execute(s.conn, "SELECT name, value FROM xattrs WHERE path=? ORDER BY name",
		&sqlitex.ExecOptions{
			Args: []any{entry.Path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, value)
				entry.XAttrs = append(entry.XAttrs, XAttr{Name: stmt.ColumnText(0), Value: value})
				return nil
			},
		})
}

func (s *Store) loadChunks(entry *DirectoryEntry) error {
	return sqlitex.Execute(s.conn,
		"SELECT offset_val, size_val, digest FROM chunks WHERE path=? ORDER BY chunk_idx",
		&sqlitex.ExecOptions{
			Args: []any{entry.Path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var digest hash.Digest
				stmt.ColumnBytes(2, digest[:])
				entry.Chunks = append(entry.Chunks, FileChunk{
					Offset: uint64(stmt.ColumnInt64(0)),
					Size:   uint32(stmt.ColumnInt64(1)),
					Digest: digest,
				})
				return nil
			},
		})
}

func scanEntry(stmt *sqlite.Stmt) *DirectoryEntry {
	entry := &DirectoryEntry{
		Path:  stmt.ColumnText(0),
		Mode:  uint32(stmt.ColumnInt64(1)),
		UID:   uint32(stmt.ColumnInt64(2)),
		GID:   uint32(stmt.ColumnInt64(3)),
		MTime: stmt.ColumnInt64(4),
		Size:  uint64(stmt.ColumnInt64(5)),
	}
	if !stmt.ColumnIsNull(6) {
		entry.SymlinkTarget = stmt.ColumnText(6)
	}
	if !stmt.ColumnIsNull(7) {
		stmt.ColumnBytes(7, entry.BulkDigest[:])
	}
	entry.HardlinkGroup = uint64(stmt.ColumnInt64(8))
	entry.Flags = bitsToFlags(stmt.ColumnInt64(9))
	return entry
}

// LinkChild records a nested-catalog child under this catalog.
func (s *Store) LinkChild(link ChildLink) error {
	err := sqlitex.Execute(s.conn,
		"INSERT OR REPLACE INTO children (mountpoint, digest, size_val) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{link.Mountpoint, link.Digest[:], link.Size}})
	if err != nil {
		return fmt.Errorf("catalog: link child %s: %w", link.Mountpoint, err)
	}
	s.dirty = true
	return nil
}

// UnlinkChild removes a nested-catalog child link.
func (s *Store) UnlinkChild(mountpoint string) error {
	err := sqlitex.Execute(s.conn, "DELETE FROM children WHERE mountpoint=?",
		&sqlitex.ExecOptions{Args: []any{mountpoint}})
	if err != nil {
		return fmt.Errorf("catalog: unlink child %s: %w", mountpoint, err)
	}
	s.dirty = true
	return nil
}

// Children returns all nested-catalog child links, ordered by
// mountpoint.
func (s *Store) Children() ([]ChildLink, error) {
	var links []ChildLink
	err := sqlitex.Execute(s.conn,
		"SELECT mountpoint, digest, size_val FROM children ORDER BY mountpoint",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var link ChildLink
				link.Mountpoint = stmt.ColumnText(0)
				stmt.ColumnBytes(1, link.Digest[:])
				link.Size = stmt.ColumnInt64(2)
				links = append(links, link)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing children: %w", err)
	}
	return links, nil
}

// Finalized is the result of finalizing a catalog store: its
// serialized snapshot bytes, content digest, and byte size.
type Finalized struct {
	Digest   hash.Digest
	Size     int64
	Snapshot []byte
	Metadata Metadata
}

// catalogSnapshot is the CBOR-serializable form of a finalized
// catalog, covering everything needed to reconstruct it: header
// metadata, every directory entry, and every child link.
type catalogSnapshot struct {
	Metadata Metadata
	Entries  []DirectoryEntry
}

// Finalize computes aggregated counters, serializes the catalog to a
// compact deterministic form, and computes its content digest. The
// returned snapshot bytes are what gets uploaded; the store itself
// remains open and mutable (a new revision can still be written
// later, e.g. by the next publish cycle).
func (s *Store) Finalize(manualRevision int64) (*Finalized, error) {
	paths, err := s.AllPaths()
	if err != nil {
		return nil, err
	}

	entries := make([]DirectoryEntry, 0, len(paths))
	var counters Counters
	for _, path := range paths {
		entry, err := s.GetByPath(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
		counters.EntryCount++
		if entry.Flags.IsChunkedFile {
			counters.ChunkedFileCount++
		}
	}

	children, err := s.Children()
	if err != nil {
		return nil, err
	}
	counters.NestedCatalogCount = int64(len(children))

	revision := s.revision + 1
	if manualRevision > 0 {
		revision = manualRevision
	}

	metadata := Metadata{
		Mountpoint:     s.mountpoint,
		Revision:       revision,
		PreviousDigest: s.previousDigest,
		ParentDigest:   s.parentDigest,
		Counters:       counters,
		Children:       children,
	}

	// Stable entry ordering makes the snapshot byte-identical across
	// two publishes of the same mutation sequence (commit determinism,
	// §8).
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	data, err := codec.Marshal(catalogSnapshot{Metadata: metadata, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("catalog: serializing snapshot: %w", err)
	}

	digest := hash.Catalog(data)

	if err := s.writeMeta(revision, digest); err != nil {
		return nil, err
	}
	s.revision = revision
	s.previousDigest = digest
	s.dirty = false

	return &Finalized{
		Digest:   digest,
		Size:     int64(len(data)),
		Snapshot: data,
		Metadata: metadata,
	}, nil
}

// SetParentDigest records the finalized digest of the parent catalog.
// Unused for the root catalog, whose ParentDigest stays zero.
func (s *Store) SetParentDigest(digest hash.Digest) {
	s.parentDigest = digest
}

func (s *Store) writeMeta(revision int64, digest hash.Digest) error {
	values := map[string]string{
		"revision":        fmt.Sprintf("%d", revision),
		"previous_digest": hash.Format(digest),
	}
	if s.parentDigest != (hash.Digest{}) {
		values["parent_digest"] = hash.Format(s.parentDigest)
	}
	for key, value := range values {
		err := sqlitex.Execute(s.conn, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("catalog: writing meta %s: %w", key, err)
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Errors returned by Store methods. Callers should use errors.Is to
// check against these, not string comparison.
var (
	ErrAlreadyExists = fmt.Errorf("entry already exists")
	ErrNotFound      = fmt.Errorf("entry not found")
)
