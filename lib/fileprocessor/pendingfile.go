// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fileprocessor

import "sync"

// PendingFile tracks one file's pieces from the moment processing
// finishes until every piece has been uploaded. A file is only safe
// to add to the catalog once processing has produced its final piece
// list AND every piece in that list has confirmed its upload; either
// side can finish first, so completion is checked from both directions.
type PendingFile struct {
	mu sync.Mutex

	path       string
	onComplete func(*PendingFile, error)

	result         *Result
	uploaded       map[int]bool // piece index -> uploaded
	firstUploadErr error
	processingDone bool
	processingErr  error
	notified       bool
}

// NewPendingFile creates a tracker for path. onComplete is invoked
// exactly once, from whichever goroutine (processing or upload)
// observes the file's last outstanding piece finish, with a non-nil
// error if any piece failed to upload or processing itself failed.
func NewPendingFile(path string, onComplete func(*PendingFile, error)) *PendingFile {
	return &PendingFile{path: path, onComplete: onComplete, uploaded: map[int]bool{}}
}

// Path returns the file path this tracker covers.
func (p *PendingFile) Path() string { return p.path }

// FinalizeProcessing records that chunking/digesting has produced the
// file's final piece list. Called once processing (not uploading)
// completes. If processing itself failed, pass a nil result and a
// non-nil err.
func (p *PendingFile) FinalizeProcessing(result *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processingDone = true
	if err != nil {
		p.processingErr = err
		p.checkCompletionLocked()
		return
	}
	p.result = result
	p.checkCompletionLocked()
}

// UploadCallback records that one piece (identified by index into
// result.Pieces) finished uploading, successfully or not.
func (p *PendingFile) UploadCallback(pieceIndex int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploaded[pieceIndex] = true
	if err != nil && p.firstUploadErr == nil {
		p.firstUploadErr = err
	}
	p.checkCompletionLocked()
}

// checkCompletionLocked notifies onComplete once every known piece has
// reported its upload outcome (successful or not) and processing has
// finished. Completion is gated purely on the uploaded-piece count
// reaching the expected piece count; an upload error does not shortcut
// that wait, it only changes what error (if any) onComplete receives.
// A processing failure has no piece list to wait on, so it notifies
// immediately. Must be called with mu held.
func (p *PendingFile) checkCompletionLocked() {
	if p.notified {
		return
	}

	if p.processingDone && p.processingErr != nil {
		p.notified = true
		p.onComplete(p, p.processingErr)
		return
	}

	if !p.processingDone || p.result == nil {
		return
	}
	if len(p.uploaded) < len(p.result.Pieces) {
		return
	}

	p.notified = true
	p.onComplete(p, p.firstUploadErr)
}

// IsCompleted reports whether this tracker has already notified its
// completion callback.
func (p *PendingFile) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notified
}

// Coordinator owns every PendingFile tracker for one publish session,
// keyed by path, and fans completion notifications back to the
// caller as each file finishes.
type Coordinator struct {
	pool *Pool

	mu      sync.Mutex
	pending map[string]*PendingFile
}

// NewCoordinator creates a coordinator backed by pool for processing
// work. Each file's completion callback is the onComplete passed to
// Submit, invoked once per file from whatever goroutine observes its
// completion.
func NewCoordinator(pool *Pool) *Coordinator {
	return &Coordinator{pool: pool, pending: map[string]*PendingFile{}}
}

// Submit begins processing job and registers a tracker for its path.
// upload is called once per produced piece to begin its asynchronous
// upload; the caller must eventually call Coordinator.UploadCallback
// for each one. onComplete fires once both processing and every
// piece's upload have finished.
func (c *Coordinator) Submit(job Job, upload func(path string, pieceIndex int, piece Piece), onComplete func(*Result, error)) {
	tracker := NewPendingFile(job.Path, func(p *PendingFile, err error) {
		c.mu.Lock()
		delete(c.pending, p.Path())
		c.mu.Unlock()
		if err != nil {
			onComplete(nil, err)
			return
		}
		onComplete(p.result, nil)
	})

	c.mu.Lock()
	c.pending[job.Path] = tracker
	c.mu.Unlock()

	c.pool.Submit(job, func(result *Result, err error) {
		tracker.FinalizeProcessing(result, err)
		if err != nil || result == nil {
			return
		}
		for i, piece := range result.Pieces {
			upload(job.Path, i, piece)
		}
	})
}

// UploadCallback reports that one piece of path finished uploading.
// Safe to call concurrently with Submit and with other
// UploadCallback calls.
func (c *Coordinator) UploadCallback(path string, pieceIndex int, err error) {
	c.mu.Lock()
	tracker := c.pending[path]
	c.mu.Unlock()
	if tracker == nil {
		return
	}
	tracker.UploadCallback(pieceIndex, err)
}

// Pending returns the number of files still awaiting completion.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
