// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalogreader serves concurrent read-only queries against a
// repository's finalized catalog files: GetEntry and ListChildren, the
// same two lookups lib/catalog.Store answers on the write path, but
// fanned out over a connection pool instead of the single connection
// a catalogtree.Manager holds open for mutation.
//
// A catalog file is plain WAL-mode SQLite, so a read-only pool can
// open it alongside the writer's own connection without contention:
// WAL readers never block the writer and the writer never blocks
// readers. Reader only ever issues SELECT statements, so it is safe
// to keep pools open across commits; each query simply observes
// whatever revision was last committed to disk at query time.
package catalogreader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/catalogengine/lib/catalog"
	"github.com/bureau-foundation/catalogengine/lib/catalogtree"
	"github.com/bureau-foundation/catalogengine/lib/hash"
	"github.com/bureau-foundation/catalogengine/lib/sqlitepool"
)

// Reader answers read-only queries against a repository's catalog
// files, opening one pooled connection set per mountpoint on first
// use. The zero value is not usable; construct with New.
type Reader struct {
	storeDir catalogtree.StoreDirFunc
	logger   *slog.Logger
	poolSize int

	mu    sync.Mutex
	pools map[string]*sqlitepool.Pool
}

// New returns a Reader that resolves each mountpoint's catalog file
// through storeDir, the same function a catalogtree.Manager uses to
// lay out catalog files on disk. poolSize is the number of read
// connections opened per mountpoint; zero lets lib/sqlitepool choose.
func New(storeDir catalogtree.StoreDirFunc, logger *slog.Logger, poolSize int) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{
		storeDir: storeDir,
		logger:   logger,
		poolSize: poolSize,
		pools:    make(map[string]*sqlitepool.Pool),
	}
}

// Close closes every pool the reader has opened so far.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for mountpoint, pool := range r.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("catalogreader: closing pool for %s: %w", mountpoint, err)
		}
	}
	r.pools = make(map[string]*sqlitepool.Pool)
	return firstErr
}

func (r *Reader) poolFor(mountpoint string) (*sqlitepool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[mountpoint]; ok {
		return pool, nil
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     r.storeDir(mountpoint),
		PoolSize: r.poolSize,
		Logger:   r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("catalogreader: opening pool for %s: %w", mountpoint, err)
	}
	r.pools[mountpoint] = pool
	return pool, nil
}

// GetEntry returns the directory entry at path within the catalog
// rooted at mountpoint, or nil if no such entry exists.
func (r *Reader) GetEntry(ctx context.Context, mountpoint, path string) (*catalog.DirectoryEntry, error) {
	pool, err := r.poolFor(mountpoint)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)

	var entry *catalog.DirectoryEntry
	err = sqlitex.Execute(conn,
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
		return nil, fmt.Errorf("catalogreader: get %s: %w", path, err)
	}
	if entry == nil {
		return nil, nil
	}
	if err := loadXAttrs(conn, entry); err != nil {
		return nil, err
	}
	if entry.Flags.IsChunkedFile {
		if err := loadChunks(conn, entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// ListChildren returns every entry whose parent is dir within the
// catalog rooted at mountpoint, ordered by path.
func (r *Reader) ListChildren(ctx context.Context, mountpoint, dir string) ([]*catalog.DirectoryEntry, error) {
	pool, err := r.poolFor(mountpoint)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)

	var entries []*catalog.DirectoryEntry
	err = sqlitex.Execute(conn,
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
		return nil, fmt.Errorf("catalogreader: list children of %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := loadXAttrs(conn, entry); err != nil {
			return nil, err
		}
		if entry.Flags.IsChunkedFile {
			if err := loadChunks(conn, entry); err != nil {
				return nil, err
			}
		}
	}
	return entries, nil
}

// LoadNested returns the nested-catalog child link for mountpoint's
// child at childMountpoint, so a caller can resolve which digest to
// fetch before descending into it. Returns nil if no such child link
// exists.
func (r *Reader) LoadNested(ctx context.Context, mountpoint, childMountpoint string) (*catalog.ChildLink, error) {
	pool, err := r.poolFor(mountpoint)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)

	var link *catalog.ChildLink
	err = sqlitex.Execute(conn,
		"SELECT mountpoint, digest, size_val FROM children WHERE mountpoint=?",
		&sqlitex.ExecOptions{
			Args: []any{childMountpoint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var l catalog.ChildLink
				l.Mountpoint = stmt.ColumnText(0)
				stmt.ColumnBytes(1, l.Digest[:])
				l.Size = stmt.ColumnInt64(2)
				link = &l
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalogreader: load nested %s: %w", childMountpoint, err)
	}
	return link, nil
}

func loadXAttrs(conn *sqlite.Conn, entry *catalog.DirectoryEntry) error {
	return sqlitex.Execute(conn, "SELECT name, value FROM xattrs WHERE path=? ORDER BY name",
		&sqlitex.ExecOptions{
			Args: []any{entry.Path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, value)
				entry.XAttrs = append(entry.XAttrs, catalog.XAttr{Name: stmt.ColumnText(0), Value: value})
				return nil
			},
		})
}

func loadChunks(conn *sqlite.Conn, entry *catalog.DirectoryEntry) error {
	return sqlitex.Execute(conn,
		"SELECT offset_val, size_val, digest FROM chunks WHERE path=? ORDER BY chunk_idx",
		&sqlitex.ExecOptions{
			Args: []any{entry.Path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var digest hash.Digest
				stmt.ColumnBytes(2, digest[:])
				entry.Chunks = append(entry.Chunks, catalog.FileChunk{
					Offset: uint64(stmt.ColumnInt64(0)),
					Size:   uint32(stmt.ColumnInt64(1)),
					Digest: digest,
				})
				return nil
			},
		})
}

func scanEntry(stmt *sqlite.Stmt) *catalog.DirectoryEntry {
	entry := &catalog.DirectoryEntry{
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
	entry.Flags = catalog.DecodeFlags(stmt.ColumnInt64(9))
	return entry
}
