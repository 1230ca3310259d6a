// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tagstore implements the tag history store: the durable
// record of named revisions (tags), the channels that group them
// (trunk, devel, test, prod, ...), and the rollback operation that
// retargets a channel's tip to an earlier tag.
package tagstore

import (
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

const schema = `
CREATE TABLE IF NOT EXISTS tags (
	name        TEXT PRIMARY KEY,
	channel     TEXT NOT NULL,
	revision    INTEGER NOT NULL,
	root_digest BLOB NOT NULL,
	size_val    INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tags_channel_revision ON tags(channel, revision);
CREATE INDEX IF NOT EXISTS idx_tags_created_at ON tags(created_at);
`

// Tag is one named revision: a channel membership, the revision
// number and root catalog digest it points at, and when it was
// created.
type Tag struct {
	Name        string
	Channel     string
	Revision    int64
	RootDigest  hash.Digest
	Size        int64
	CreatedAt   int64 // Unix seconds
	Description string
}

// Store is the SQLite-backed tag history store for one repository.
type Store struct {
	conn *sqlite.Conn
}

// Open creates or opens a tag history database at path.
func Open(path string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("tagstore: opening %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tagstore: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tagstore: creating schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close releases the store's SQLite connection.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("tagstore: closing: %w", err)
	}
	return nil
}

// Begin starts an IMMEDIATE transaction. The caller must call the
// returned function (typically via defer) with a pointer to the
// error that determines commit or rollback.
func (s *Store) Begin() (func(*error), error) {
	end, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return nil, fmt.Errorf("tagstore: begin transaction: %w", err)
	}
	return end, nil
}

// Insert records a new tag. Fails if a tag of the same name already
// exists.
func (s *Store) Insert(tag Tag) error {
	if existing, err := s.GetByName(tag.Name); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("tagstore: %w: %s", ErrAlreadyExists, tag.Name)
	}

	err := sqlitex.Execute(s.conn,
		`INSERT INTO tags (name, channel, revision, root_digest, size_val, created_at, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{tag.Name, tag.Channel, tag.Revision, tag.RootDigest[:], tag.Size, tag.CreatedAt, tag.Description},
		})
	if err != nil {
		return fmt.Errorf("tagstore: insert %s: %w", tag.Name, err)
	}
	return nil
}

// Remove deletes a tag by name. Fails if the tag does not exist.
func (s *Store) Remove(name string) error {
	existing, err := s.GetByName(name)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("tagstore: %w: %s", ErrNotFound, name)
	}

	err = sqlitex.Execute(s.conn, "DELETE FROM tags WHERE name=?", &sqlitex.ExecOptions{Args: []any{name}})
	if err != nil {
		return fmt.Errorf("tagstore: remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a tag with the given name is recorded.
func (s *Store) Exists(name string) (bool, error) {
	tag, err := s.GetByName(name)
	if err != nil {
		return false, err
	}
	return tag != nil, nil
}

// GetByName returns the tag with the given name, or nil if none
// exists.
func (s *Store) GetByName(name string) (*Tag, error) {
	var tag *Tag
	err := sqlitex.Execute(s.conn,
		`SELECT name, channel, revision, root_digest, size_val, created_at, description
		 FROM tags WHERE name=?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tag = scanTag(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("tagstore: get %s: %w", name, err)
	}
	return tag, nil
}

// List returns every tag in a channel, ordered by descending revision
// (the newest tag first). When revisions are equal (which the catalog
// manager's design leaves undefined across concurrent tag creation in
// the same publish cycle), ties break by name for a total, reproducible
// order; callers must not rely on tie-break order reflecting creation
// sequence.
func (s *Store) List(channel string) ([]Tag, error) {
	var tags []Tag
	err := sqlitex.Execute(s.conn,
		`SELECT name, channel, revision, root_digest, size_val, created_at, description
		 FROM tags WHERE channel=? ORDER BY revision DESC, name`,
		&sqlitex.ExecOptions{
			Args: []any{channel},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tags = append(tags, *scanTag(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("tagstore: list channel %s: %w", channel, err)
	}
	return tags, nil
}

// Tip returns the highest-revision tag in a channel, or nil if the
// channel has no tags. Ties at the same revision are broken by name,
// matching List's ordering.
func (s *Store) Tip(channel string) (*Tag, error) {
	tags, err := s.List(channel)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return &tags[0], nil
}

// GetByDate returns the most recent tag in channel created at or
// before asOf (Unix seconds), or nil if none qualifies.
func (s *Store) GetByDate(channel string, asOf int64) (*Tag, error) {
	var tag *Tag
	err := sqlitex.Execute(s.conn,
		`SELECT name, channel, revision, root_digest, size_val, created_at, description
		 FROM tags WHERE channel=? AND created_at<=? ORDER BY created_at DESC, name DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{channel, asOf},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tag = scanTag(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("tagstore: get by date: %w", err)
	}
	return tag, nil
}

// GetHashes returns the root digests of every tag in a channel, in
// the same order as List.
func (s *Store) GetHashes(channel string) ([]hash.Digest, error) {
	tags, err := s.List(channel)
	if err != nil {
		return nil, err
	}
	digests := make([]hash.Digest, len(tags))
	for i, tag := range tags {
		digests[i] = tag.RootDigest
	}
	return digests, nil
}

// Rollback retargets channel's tip to newRevision/newDigest, replacing
// target's own record as well as discarding every tag in the channel
// with a revision greater than or equal to target's original
// revision. target's name keeps resolving afterward, but to
// newRevision and newDigest rather than the revision it was tagged at
// before the rollback. Returns the names of the peer tags it removed
// (target itself is not included, since its name survives under the
// new revision). The whole operation runs in one transaction.
func (s *Store) Rollback(channel, target string, newRevision int64, newDigest hash.Digest) (removed []string, err error) {
	targetTag, err := s.GetByName(target)
	if err != nil {
		return nil, err
	}
	if targetTag == nil {
		return nil, fmt.Errorf("tagstore: rollback target %w: %s", ErrNotFound, target)
	}
	if targetTag.Channel != channel {
		return nil, fmt.Errorf("tagstore: rollback target %s is not in channel %s", target, channel)
	}

	affected, err := s.ListTagsAffectedByRollback(channel, target)
	if err != nil {
		return nil, err
	}

	end, err := s.Begin()
	if err != nil {
		return nil, err
	}
	defer end(&err)

	for _, tag := range affected {
		if err = s.Remove(tag.Name); err != nil {
			return nil, err
		}
		if tag.Name != target {
			removed = append(removed, tag.Name)
		}
	}

	replacement := *targetTag
	replacement.Revision = newRevision
	replacement.RootDigest = newDigest
	if err = s.Insert(replacement); err != nil {
		return nil, err
	}

	return removed, nil
}

// ListTagsAffectedByRollback returns every tag in channel whose
// revision is greater than or equal to target's, ordered the same way
// List orders a channel. These are the tags a rollback to target
// would discard (plus target itself, included for reference).
func (s *Store) ListTagsAffectedByRollback(channel, target string) ([]Tag, error) {
	targetTag, err := s.GetByName(target)
	if err != nil {
		return nil, err
	}
	if targetTag == nil {
		return nil, fmt.Errorf("tagstore: %w: %s", ErrNotFound, target)
	}

	tags, err := s.List(channel)
	if err != nil {
		return nil, err
	}

	var affected []Tag
	for _, tag := range tags {
		if tag.Revision >= targetTag.Revision {
			affected = append(affected, tag)
		}
	}
	sort.Slice(affected, func(i, j int) bool {
		if affected[i].Revision != affected[j].Revision {
			return affected[i].Revision > affected[j].Revision
		}
		return affected[i].Name < affected[j].Name
	})
	return affected, nil
}

func scanTag(stmt *sqlite.Stmt) *Tag {
	tag := &Tag{
		Name:        stmt.ColumnText(0),
		Channel:     stmt.ColumnText(1),
		Revision:    stmt.ColumnInt64(2),
		Size:        stmt.ColumnInt64(4),
		CreatedAt:   stmt.ColumnInt64(5),
		Description: stmt.ColumnText(6),
	}
	stmt.ColumnBytes(3, tag.RootDigest[:])
	return tag
}

// Errors returned by Store methods.
var (
	ErrAlreadyExists = fmt.Errorf("tag already exists")
	ErrNotFound      = fmt.Errorf("tag not found")
)
