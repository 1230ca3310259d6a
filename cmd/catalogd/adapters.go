// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/catalogengine/lib/hash"
	"github.com/bureau-foundation/catalogengine/lib/servicetoken"
	"github.com/bureau-foundation/catalogengine/lib/sessiontoken"
)

// tokenAdapter implements receiveripc.TokenIssuer over
// lib/sessiontoken. A generated token's public id is handed to callers
// as the wire "token"; the full encoded, self-verifying token is
// handed back separately as the wire "secret" and never logged.
//
// blacklist holds public ids revoked by revokeOutstanding before their
// lease would otherwise have expired, so Check rejects them even
// though their MAC still verifies. leases remembers every outstanding
// public id and its expiry, so a tag rollback can revoke all of them:
// a rollback rewrites the channel's revision line out from under any
// upload in progress, so a lease issued before it can no longer be
// allowed to land.
type tokenAdapter struct {
	key       []byte
	blacklist *servicetoken.Blacklist

	mu     sync.Mutex
	leases map[string]time.Time
}

func newTokenAdapter(key []byte) *tokenAdapter {
	return &tokenAdapter{
		key:       key,
		blacklist: servicetoken.NewBlacklist(),
		leases:    make(map[string]time.Time),
	}
}

func (t *tokenAdapter) Generate(keyID, path string, maxLeaseSeconds int64) (token, publicID, secret string, err error) {
	now := time.Now()
	issued, err := sessiontoken.Generate(t.key, path, now.Unix(), maxLeaseSeconds)
	if err != nil {
		return "", "", "", err
	}

	expiresAt := now.Add(time.Duration(maxLeaseSeconds) * time.Second)
	t.mu.Lock()
	t.leases[issued.PublicID] = expiresAt
	t.mu.Unlock()

	return issued.PublicID, issued.PublicID, issued.Encode(), nil
}

func (t *tokenAdapter) GetPublicID(token string) (string, error) {
	return sessiontoken.GetPublicID(token)
}

// Check treats secret as the full encoded bearer token (the thing a
// MAC actually covers) and confirms it carries the public id the
// caller claims as token. It rejects the token outright, without
// reaching the MAC check, once the public id has been revoked.
func (t *tokenAdapter) Check(token, secret string) (valid bool, expired bool, path string, err error) {
	if t.blacklist.IsRevoked(token) {
		return false, false, "", nil
	}

	result, parsed, err := sessiontoken.Check(t.key, secret, time.Now().Unix())
	if err != nil {
		return false, false, "", err
	}
	switch result {
	case sessiontoken.CheckInvalid:
		return false, false, "", nil
	case sessiontoken.CheckExpired:
		return false, true, parsed.Path, nil
	}
	if parsed.PublicID != token {
		return false, false, "", nil
	}
	if t.blacklist.IsRevoked(parsed.PublicID) {
		return false, false, parsed.Path, nil
	}
	return true, false, parsed.Path, nil
}

// revokeOutstanding blacklists every lease issued so far, returning
// the number of leases revoked. Called after a tag rollback, which
// moves the channel's tip out from under any upload holding a lease
// issued against the state before the rollback.
func (t *tokenAdapter) revokeOutstanding() int {
	t.mu.Lock()
	leases := t.leases
	t.leases = make(map[string]time.Time)
	t.mu.Unlock()

	for publicID, expiresAt := range leases {
		t.blacklist.Revoke(publicID, expiresAt)
	}
	return len(leases)
}

// cleanupRevocations discards blacklist entries for leases that have
// expired on their own, keeping the revocation set bounded. Callers
// run it periodically, independent of any particular rollback.
func (t *tokenAdapter) cleanupRevocations(now time.Time) int {
	return t.blacklist.Cleanup(now)
}

// payloadAdapter implements receiveripc.PayloadSink. It records a
// submitted payload's blob digest for a path, once the blob itself is
// already present in the object store, so a later commit can attach
// it to the catalog tree via AddFile/AddChunkedFile.
type payloadAdapter struct {
	blobs interface {
		Has(hash.Digest) bool
	}

	mu      sync.Mutex
	pending map[string]pendingPayload
}

type pendingPayload struct {
	Digest           hash.Digest
	CompressedSize   int64
	UncompressedSize int64
}

func newPayloadAdapter(blobs interface{ Has(hash.Digest) bool }) *payloadAdapter {
	return &payloadAdapter{blobs: blobs, pending: make(map[string]pendingPayload)}
}

func (p *payloadAdapter) SubmitPayload(path, digestHex string, compressedSize, uncompressedSize int64) error {
	if path == "" {
		return errors.New("catalogd: submit payload: empty path")
	}
	digest, err := hash.Parse(digestHex)
	if err != nil {
		return fmt.Errorf("catalogd: submit payload: %w", err)
	}
	if !p.blobs.Has(digest) {
		return fmt.Errorf("catalogd: submit payload: object %s not present in blob store", digestHex)
	}

	p.mu.Lock()
	p.pending[path] = pendingPayload{
		Digest:           digest,
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressedSize,
	}
	p.mu.Unlock()
	return nil
}

// take removes and returns the pending payload recorded for path, if
// any, so add_file can consume a prior SubmitPayload exactly once.
func (p *payloadAdapter) take(path string) (pendingPayload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[path]
	if ok {
		delete(p.pending, path)
	}
	return entry, ok
}

// Pending reports how many submitted payloads are awaiting an
// add_file call to attach them to the catalog tree.
func (p *payloadAdapter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
