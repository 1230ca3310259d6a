// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/catalogengine/lib/blobstore"
	"github.com/bureau-foundation/catalogengine/lib/catalog"
	"github.com/bureau-foundation/catalogengine/lib/catalogreader"
	"github.com/bureau-foundation/catalogengine/lib/catalogtree"
	"github.com/bureau-foundation/catalogengine/lib/clock"
	"github.com/bureau-foundation/catalogengine/lib/hash"
	"github.com/bureau-foundation/catalogengine/lib/manifest"
	"github.com/bureau-foundation/catalogengine/lib/service"
	"github.com/bureau-foundation/catalogengine/lib/tagstore"
)

// CatalogService is the daemon's control-plane state: the catalog
// tree for the open publish transaction, the tag history, the object
// store, and the manifest signing key. One CatalogService instance
// handles exactly one repository.
type CatalogService struct {
	logger *slog.Logger
	clock  clock.Clock

	blobs      *blobstore.Store
	tree       *catalogtree.Manager
	tags       *tagstore.Store
	reader     *catalogreader.Reader
	signingKey ed25519.PrivateKey

	payloads       *payloadAdapter
	tokens         *tokenAdapter
	lastManifest   *manifest.Signed
	historyDigests []hash.Digest
}

func (s *CatalogService) registerActions(server *service.SocketServer) {
	server.Handle("status", s.handleStatus)
	server.Handle("add_directory", s.handleAddDirectory)
	server.Handle("remove_directory", s.handleRemoveDirectory)
	server.Handle("add_file", s.handleAddFile)
	server.Handle("add_chunked_file", s.handleAddChunkedFile)
	server.Handle("remove_file", s.handleRemoveFile)
	server.Handle("create_nested_catalog", s.handleCreateNestedCatalog)
	server.Handle("remove_nested_catalog", s.handleRemoveNestedCatalog)
	server.Handle("balance", s.handleBalance)
	server.Handle("commit", s.handleCommit)
	server.Handle("tag_create", s.handleTagCreate)
	server.Handle("tag_remove", s.handleTagRemove)
	server.Handle("tag_list", s.handleTagList)
	server.Handle("tag_rollback", s.handleTagRollback)
	server.Handle("get_entry", s.handleGetEntry)
	server.Handle("list_children", s.handleListChildren)
}

type statusResponse struct {
	Revision       int64 `cbor:"revision"`
	PendingUploads int   `cbor:"pending_uploads"`
}

func (s *CatalogService) handleStatus(_ context.Context, _ []byte) (any, error) {
	return statusResponse{
		PendingUploads: s.payloads.Pending(),
	}, nil
}

type pathEntryRequest struct {
	Action string `cbor:"action"`
	Path   string `cbor:"path"`
	Mode   uint32 `cbor:"mode"`
	UID    uint32 `cbor:"uid"`
	GID    uint32 `cbor:"gid"`
	MTime  int64  `cbor:"mtime"`
}

func (s *CatalogService) handleAddDirectory(_ context.Context, raw []byte) (any, error) {
	var req pathEntryRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tree.AddDirectory(req.Path, req.Mode, req.UID, req.GID, req.MTime)
}

func (s *CatalogService) handleRemoveDirectory(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Path string `cbor:"path"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tree.RemoveDirectory(req.Path)
}

type addFileRequest struct {
	Path      string `cbor:"path"`
	Mode      uint32 `cbor:"mode"`
	UID       uint32 `cbor:"uid"`
	GID       uint32 `cbor:"gid"`
	MTime     int64  `cbor:"mtime"`
	Size      uint64 `cbor:"size"`
	Digest    string `cbor:"digest"`
	FromQueue bool   `cbor:"from_queue"`
}

func (s *CatalogService) handleAddFile(_ context.Context, raw []byte) (any, error) {
	var req addFileRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}

	digest, err := s.resolveDigest(req.Path, req.Digest, req.FromQueue)
	if err != nil {
		return nil, err
	}
	return nil, s.tree.AddFile(req.Path, req.Mode, req.UID, req.GID, req.MTime, req.Size, digest)
}

// resolveDigest returns an explicit digest, or the one recorded by a
// prior SubmitPayload call for the same path when fromQueue is set.
func (s *CatalogService) resolveDigest(path, digestHex string, fromQueue bool) (hash.Digest, error) {
	if fromQueue {
		entry, ok := s.payloads.take(path)
		if !ok {
			return hash.Digest{}, fmt.Errorf("catalogd: no submitted payload pending for %s", path)
		}
		return entry.Digest, nil
	}
	return hash.Parse(digestHex)
}

type chunkRequest struct {
	Offset uint64 `cbor:"offset"`
	Size   uint32 `cbor:"size"`
	Digest string `cbor:"digest"`
}

type addChunkedFileRequest struct {
	Path   string         `cbor:"path"`
	Mode   uint32         `cbor:"mode"`
	UID    uint32         `cbor:"uid"`
	GID    uint32         `cbor:"gid"`
	MTime  int64          `cbor:"mtime"`
	Size   uint64         `cbor:"size"`
	Chunks []chunkRequest `cbor:"chunks"`
}

func (s *CatalogService) handleAddChunkedFile(_ context.Context, raw []byte) (any, error) {
	var req addChunkedFileRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}

	chunks := make([]catalog.FileChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		digest, err := hash.Parse(c.Digest)
		if err != nil {
			return nil, fmt.Errorf("catalogd: chunk %d: %w", i, err)
		}
		chunks[i] = catalog.FileChunk{Offset: c.Offset, Size: c.Size, Digest: digest}
	}

	return nil, s.tree.AddChunkedFile(req.Path, req.Mode, req.UID, req.GID, req.MTime, req.Size, chunks)
}

func (s *CatalogService) handleRemoveFile(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Path string `cbor:"path"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tree.RemoveFile(req.Path)
}

func (s *CatalogService) handleCreateNestedCatalog(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Mountpoint string `cbor:"mountpoint"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tree.CreateNestedCatalog(req.Mountpoint)
}

func (s *CatalogService) handleRemoveNestedCatalog(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Mountpoint string `cbor:"mountpoint"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tree.RemoveNestedCatalog(req.Mountpoint)
}

func (s *CatalogService) handleBalance(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Mountpoint string `cbor:"mountpoint"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	if req.Mountpoint == "" {
		req.Mountpoint = "/"
	}
	return nil, s.tree.Balance(req.Mountpoint)
}

type commitResponse struct {
	Revision    int64  `cbor:"revision"`
	RootDigest  string `cbor:"root_digest"`
	CatalogSize int64  `cbor:"catalog_size"`
}

func (s *CatalogService) handleCommit(_ context.Context, raw []byte) (any, error) {
	var req struct {
		ManualRevision int64 `cbor:"manual_revision"`
	}
	if len(raw) > 0 {
		if err := decodeRequest(raw, &req); err != nil {
			return nil, err
		}
	}

	finalized, err := s.tree.Commit(req.ManualRevision)
	if err != nil {
		return nil, err
	}

	historyDigest := hash.Catalog([]byte("history-placeholder"))
	if len(s.historyDigests) > 0 {
		historyDigest = hash.MerkleRoot(s.historyDigests)
	}

	unsigned := manifest.NewAt(finalized.Digest, finalized.Metadata.Revision, historyDigest, finalized.Metadata.Counters.NestedCatalogCount+1, finalized.Size, s.clock.Now().Unix())
	signed, err := manifest.Sign(unsigned, s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("catalogd: signing manifest: %w", err)
	}
	s.lastManifest = signed
	s.historyDigests = append(s.historyDigests, finalized.Digest)

	s.logger.Info("committed revision", "revision", finalized.Metadata.Revision, "root_digest", hash.Format(finalized.Digest))

	return commitResponse{
		Revision:    finalized.Metadata.Revision,
		RootDigest:  hash.Format(finalized.Digest),
		CatalogSize: finalized.Size,
	}, nil
}

type tagCreateRequest struct {
	Name        string `cbor:"name"`
	Channel     string `cbor:"channel"`
	Description string `cbor:"description"`
}

func (s *CatalogService) handleTagCreate(_ context.Context, raw []byte) (any, error) {
	var req tagCreateRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	if s.lastManifest == nil {
		return nil, fmt.Errorf("catalogd: tag create: no committed revision yet")
	}

	tag := tagstore.Tag{
		Name:        req.Name,
		Channel:     req.Channel,
		Revision:    s.lastManifest.Manifest.Revision,
		RootDigest:  s.lastManifest.Manifest.RootDigest,
		Size:        s.lastManifest.Manifest.RootCatalogSize,
		CreatedAt:   s.clock.Now().Unix(),
		Description: req.Description,
	}
	return nil, s.tags.Insert(tag)
}

func (s *CatalogService) handleTagRemove(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Name string `cbor:"name"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	return nil, s.tags.Remove(req.Name)
}

type tagResponse struct {
	Name        string `cbor:"name"`
	Channel     string `cbor:"channel"`
	Revision    int64  `cbor:"revision"`
	RootDigest  string `cbor:"root_digest"`
	CreatedAt   int64  `cbor:"created_at"`
	Description string `cbor:"description"`
}

func (s *CatalogService) handleTagList(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Channel string `cbor:"channel"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	tags, err := s.tags.List(req.Channel)
	if err != nil {
		return nil, err
	}

	out := make([]tagResponse, len(tags))
	for i, t := range tags {
		out[i] = tagResponse{
			Name:        t.Name,
			Channel:     t.Channel,
			Revision:    t.Revision,
			RootDigest:  hash.Format(t.RootDigest),
			CreatedAt:   t.CreatedAt,
			Description: t.Description,
		}
	}
	return out, nil
}

type getEntryRequest struct {
	Mountpoint string `cbor:"mountpoint"`
	Path       string `cbor:"path"`
}

type entryResponse struct {
	Path          string `cbor:"path"`
	Mode          uint32 `cbor:"mode"`
	UID           uint32 `cbor:"uid"`
	GID           uint32 `cbor:"gid"`
	MTime         int64  `cbor:"mtime"`
	Size          uint64 `cbor:"size"`
	SymlinkTarget string `cbor:"symlink_target,omitempty"`
	BulkDigest    string `cbor:"bulk_digest,omitempty"`
	IsDirectory   bool   `cbor:"is_directory"`
	IsChunked     bool   `cbor:"is_chunked"`
}

func toEntryResponse(entry *catalog.DirectoryEntry) entryResponse {
	resp := entryResponse{
		Path:          entry.Path,
		Mode:          entry.Mode,
		UID:           entry.UID,
		GID:           entry.GID,
		MTime:         entry.MTime,
		Size:          entry.Size,
		SymlinkTarget: entry.SymlinkTarget,
		IsDirectory:   entry.Flags.Directory,
		IsChunked:     entry.Flags.IsChunkedFile,
	}
	if entry.Flags.Regular && !entry.Flags.IsChunkedFile {
		resp.BulkDigest = hash.Format(entry.BulkDigest)
	}
	return resp
}

// handleGetEntry answers a read-only lookup over the finalized catalog
// file for mountpoint, bypassing the write-path tree mutex entirely
// since it never touches the open transaction's in-memory state.
func (s *CatalogService) handleGetEntry(ctx context.Context, raw []byte) (any, error) {
	var req getEntryRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	if req.Mountpoint == "" {
		req.Mountpoint = "/"
	}

	entry, err := s.reader.GetEntry(ctx, req.Mountpoint, req.Path)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("catalogd: no entry at %s", req.Path)
	}
	return toEntryResponse(entry), nil
}

func (s *CatalogService) handleListChildren(ctx context.Context, raw []byte) (any, error) {
	var req getEntryRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	if req.Mountpoint == "" {
		req.Mountpoint = "/"
	}

	entries, err := s.reader.ListChildren(ctx, req.Mountpoint, req.Path)
	if err != nil {
		return nil, err
	}
	out := make([]entryResponse, len(entries))
	for i, entry := range entries {
		out[i] = toEntryResponse(entry)
	}
	return out, nil
}

func (s *CatalogService) handleTagRollback(_ context.Context, raw []byte) (any, error) {
	var req struct {
		Channel     string `cbor:"channel"`
		Target      string `cbor:"target"`
		NewRevision int64  `cbor:"new_revision"`
		NewDigest   string `cbor:"new_digest"`
	}
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	newDigest, err := hash.Parse(req.NewDigest)
	if err != nil {
		return nil, fmt.Errorf("catalogd: tag rollback: new_digest: %w", err)
	}
	removed, err := s.tags.Rollback(req.Channel, req.Target, req.NewRevision, newDigest)
	if err != nil {
		return nil, err
	}
	if s.tokens != nil {
		if revoked := s.tokens.revokeOutstanding(); revoked > 0 {
			s.logger.Info("revoked outstanding session leases after rollback",
				"channel", req.Channel, "target", req.Target, "leases_revoked", revoked)
		}
	}
	return struct {
		Removed []string `cbor:"removed"`
	}{Removed: removed}, nil
}
