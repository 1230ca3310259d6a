// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fileprocessor turns raw file content into catalog-ready
// chunk or bulk digests, and tracks each file's upload progress until
// every piece has reached the backing store. Chunking and digesting
// run on a bounded pool of workers; uploads are asynchronous and
// report back through a callback, so a file is not known to be
// finished until both sides agree it is.
package fileprocessor

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/catalogengine/lib/catalog"
	"github.com/bureau-foundation/catalogengine/lib/chunker"
	"github.com/bureau-foundation/catalogengine/lib/compress"
	"github.com/bureau-foundation/catalogengine/lib/hash"
)

// Job describes one file ready for chunking, compression, and
// digesting.
type Job struct {
	Path     string
	Data     []byte
	Params   chunker.Params
	Compress compress.Tag

	// ForceBulk skips chunking entirely and always produces a single
	// bulk object, even if Data exceeds Params.Max. Used for files the
	// caller knows are small or that must not be split (e.g. files
	// explicitly exempted from chunking).
	ForceBulk bool
}

// PieceKind distinguishes a job result's single bulk object from one
// chunk among several.
type PieceKind int

const (
	PieceBulk PieceKind = iota
	PieceChunk
)

// Piece is one compressed, digested unit of a file's content, ready
// for upload. A bulk file produces exactly one Piece; a chunked file
// produces one Piece per chunk.
type Piece struct {
	Kind       PieceKind
	Offset     uint64
	Size       uint32 // uncompressed size
	Digest     hash.Digest
	Compressed []byte
}

// Result is the outcome of processing one job: its pieces (ready for
// upload) and, for a chunked file, the chunk metadata the catalog
// will eventually store.
type Result struct {
	Path   string
	Pieces []Piece
	Chunks []catalog.FileChunk // empty for a bulk file
	Size   uint64
}

// Process chunks (unless ForceBulk or the data is small enough to
// stay whole), compresses, and digests one job. It does no I/O: Data
// is expected to already be the full file content in memory, and the
// caller is responsible for uploading the returned pieces.
func Process(job Job) (*Result, error) {
	if err := job.Params.Validate(); err != nil && !job.ForceBulk {
		return nil, err
	}

	if job.ForceBulk || len(job.Data) <= job.Params.Min {
		compressed, err := compress.Compress(job.Data, job.Compress)
		if err != nil {
			return nil, fmt.Errorf("fileprocessor: compressing %s: %w", job.Path, err)
		}
		digest := hash.Chunk(compressed)
		return &Result{
			Path: job.Path,
			Size: uint64(len(job.Data)),
			Pieces: []Piece{{
				Kind:       PieceBulk,
				Size:       uint32(len(job.Data)),
				Digest:     digest,
				Compressed: compressed,
			}},
		}, nil
	}

	chunks := chunker.All(job.Data, job.Params)
	pieces := make([]Piece, len(chunks))
	fileChunks := make([]catalog.FileChunk, len(chunks))

	for i, chunk := range chunks {
		compressed, err := compress.Compress(chunk.Data, job.Compress)
		if err != nil {
			return nil, fmt.Errorf("fileprocessor: compressing chunk %d of %s: %w", i, job.Path, err)
		}
		digest := hash.Chunk(compressed)

		pieces[i] = Piece{
			Kind:       PieceChunk,
			Offset:     uint64(chunk.Offset),
			Size:       uint32(len(chunk.Data)),
			Digest:     digest,
			Compressed: compressed,
		}
		fileChunks[i] = catalog.FileChunk{
			Offset: uint64(chunk.Offset),
			Size:   uint32(len(chunk.Data)),
			Digest: digest,
		}
	}

	// A file that happens to produce exactly one chunk (no internal
	// boundary found between Min and Max) is promoted to a bulk
	// representation: the chunk list is emptied and that chunk's piece
	// becomes the single bulk piece.
	if len(pieces) == 1 {
		pieces[0].Kind = PieceBulk
		pieces[0].Offset = 0
		return &Result{
			Path:   job.Path,
			Size:   uint64(len(job.Data)),
			Pieces: pieces,
		}, nil
	}

	return &Result{
		Path:   job.Path,
		Size:   uint64(len(job.Data)),
		Pieces: pieces,
		Chunks: fileChunks,
	}, nil
}

// Pool runs Process across a bounded number of worker goroutines. Jobs
// submitted via Submit are processed in the order workers become
// available, not submission order.
type Pool struct {
	jobs    chan poolJob
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

type poolJob struct {
	job      Job
	callback func(*Result, error)
}

// NewPool starts a pool of workerCount goroutines, each pulling jobs
// from a shared channel. queueDepth bounds how many submitted jobs can
// be pending before Submit blocks, providing backpressure against an
// upload stage that can't keep up.
func NewPool(workerCount, queueDepth int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	pool := &Pool{jobs: make(chan poolJob, queueDepth)}
	pool.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go pool.runWorker()
	}
	return pool
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for job := range p.jobs {
		result, err := Process(job.job)
		job.callback(result, err)
	}
}

// Submit enqueues a job for processing. callback is invoked from a
// worker goroutine once processing finishes, successfully or not.
// Submit panics if called after Close.
func (p *Pool) Submit(job Job, callback func(*Result, error)) {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		panic("fileprocessor: Submit called on a closed pool")
	}
	p.jobs <- poolJob{job: job, callback: callback}
}

// Close stops accepting new jobs and waits for every already-submitted
// job to finish processing.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.jobs)
	p.wg.Wait()
}
