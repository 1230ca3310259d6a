// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore implements the local half of the upload/download
// path: content-addressed storage of individual compressed objects
// (catalog snapshots, file chunks, bulk file bodies) keyed by their
// digest, sharded across directories so no single directory collects
// an unbounded number of entries.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/catalogengine/lib/hash"
)

const tmpDirName = "tmp"

// Store is a content-addressed object store rooted at one directory.
// Objects are immutable once written: writing the same digest twice
// is a no-op, since the content (by construction) must be identical.
type Store struct {
	root string
}

// Open creates the store's directory layout if it does not already
// exist and returns a handle to it.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Path returns the sharded filesystem path for an object, e.g.
// objects/a3/f9/a3f9b2c1....
func (s *Store) Path(digest hash.Digest) string {
	hex := hash.Format(digest)
	return filepath.Join(s.root, "objects", hex[:2], hex[2:4], hex)
}

// Has reports whether an object is already present.
func (s *Store) Has(digest hash.Digest) bool {
	_, err := os.Stat(s.Path(digest))
	return err == nil
}

// Put writes data under digest via a temp-file-then-rename sequence,
// so a reader never observes a partially written object. If an object
// already exists at digest, Put is a no-op: content addressing
// guarantees the existing bytes are identical.
func (s *Store) Put(digest hash.Digest, data []byte) error {
	if s.Has(digest) {
		return nil
	}

	finalPath := s.Path(digest)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("blobstore: creating shard directory for %s: %w", hash.Format(digest), err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "obj-*")
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("blobstore: writing %s: %w", hash.Format(digest), err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("blobstore: closing temp file for %s: %w", hash.Format(digest), err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if s.Has(digest) {
			// Lost a race with a concurrent Put of the same digest; the
			// winning write is byte-identical by construction.
			success = true
			os.Remove(tmpPath)
			return nil
		}
		return fmt.Errorf("blobstore: renaming to %s: %w", finalPath, err)
	}

	success = true
	return nil
}

// Get reads an object's full content.
func (s *Store) Get(digest hash.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.Path(digest))
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading %s: %w", hash.Format(digest), err)
	}
	return data, nil
}

// OpenReader returns a reader for an object's content without loading it
// fully into memory. The caller must close the returned reader.
func (s *Store) OpenReader(digest hash.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(digest))
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening %s: %w", hash.Format(digest), err)
	}
	return f, nil
}

// Delete removes an object. It is not an error to delete an object
// that does not exist.
func (s *Store) Delete(digest hash.Digest) error {
	if err := os.Remove(s.Path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: deleting %s: %w", hash.Format(digest), err)
	}
	return nil
}
