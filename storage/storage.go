// Package storage implements the page-granular virtual storage that backs
// an embedded SQL database: a PageStore the SQL engine's own virtual file
// system reads and writes through, with writes accumulating as pending
// pages until committed as a single storage-journal entry.
package storage

import (
	"bytes"
	"encoding/binary"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
	"github.com/orbitinghail/sqlsync/page"
)

// fileChangeCounterOffset is the byte offset, within page 0, of SQLite's
// file-change-counter field.
const fileChangeCounterOffset = 24

// PageStore is the contract an embedded SQL engine's virtual file system
// reads and writes pages through. Wiring this to a concrete engine's VFS
// API is an external integration left to the embedder.
type PageStore interface {
	ReadPage(idx page.Index) (page.Page, error)
	WritePage(idx page.Index, p page.Page) error
	SizeInPages() (uint32, error)
	BeginTransaction() error
	CommitTransaction() error
	RollbackTransaction() error
}

// Storage is the virtual storage of both the coordinator and the client:
// a PageStore whose commits append directly to the storage journal.
type Storage struct {
	Journal *journal.Journal

	pending *page.Set
	cache   *lru.Cache // page.Index -> page.Page, committed pages only

	fileChangeCounter uint32
	inTx              bool
}

// New wraps j as virtual storage with a page read cache of the given size.
func New(j *journal.Journal, cacheSize int) (*Storage, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "storage.New: creating page cache")
	}
	return &Storage{Journal: j, pending: page.NewSet(), cache: cache}, nil
}

// BeginTransaction marks the start of a SQL engine transaction.
func (s *Storage) BeginTransaction() error {
	if s.inTx {
		return errors.New("storage: transaction already in progress")
	}
	s.inTx = true
	return nil
}

// CommitTransaction ends the SQL engine's transaction scope. It does not
// itself append to the journal; callers call Commit explicitly once ready
// to publish the accumulated pending pages (see §4.2's commit semantics).
func (s *Storage) CommitTransaction() error {
	if !s.inTx {
		return errors.New("storage: no transaction in progress")
	}
	s.inTx = false
	return nil
}

// RollbackTransaction discards pages written during the open transaction.
func (s *Storage) RollbackTransaction() error {
	if !s.inTx {
		return errors.New("storage: no transaction in progress")
	}
	s.inTx = false
	s.Revert()
	return nil
}

// WritePage places p into the pending set, never touching the journal.
func (s *Storage) WritePage(idx page.Index, p page.Page) error {
	s.pending.Write(idx, p)
	return nil
}

// ReadPage returns the most recent committed page at idx, overlaid by any
// pending write, or a zero-filled page if idx has never been written.
func (s *Storage) ReadPage(idx page.Index) (page.Page, error) {
	if p, ok := s.pending.Read(idx); ok {
		return s.maybeDefeatFileChangeCounter(idx, p), nil
	}
	if cached, ok := s.cache.Get(idx); ok {
		return s.maybeDefeatFileChangeCounter(idx, cached.(page.Page)), nil
	}

	p, found, err := s.readCommitted(idx)
	if err != nil {
		return page.Page{}, err
	}
	if !found {
		return page.Page{}, nil
	}
	s.cache.Add(idx, p)
	return s.maybeDefeatFileChangeCounter(idx, p), nil
}

// readCommitted scans storage-journal entries newest-first for idx,
// matching spec §4.2's "reading at an entry handle" algorithm.
func (s *Storage) readCommitted(idx page.Index) (page.Page, bool, error) {
	entries, err := s.Journal.Iter(nil)
	if err != nil {
		return page.Page{}, false, errors.Wrap(err, "storage: reading journal for page lookup")
	}
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := entries[i].Bytes()
		if err != nil {
			return page.Page{}, false, errors.Wrapf(err, "storage: reading entry %d", entries[i].Lsn())
		}
		reader, err := page.NewReader(data)
		if err != nil {
			return page.Page{}, false, errors.Wrapf(err, "storage: decoding entry %d", entries[i].Lsn())
		}
		if raw, ok := reader.Find(idx); ok {
			var p page.Page
			copy(p[:], raw)
			return p, true, nil
		}
	}
	return page.Page{}, false, nil
}

// maybeDefeatFileChangeCounter flips the file-change-counter bytes inside
// page 0 on every read, so the embedding SQL engine can never serve a
// stale cached read of page 0 across a sync_receive.
func (s *Storage) maybeDefeatFileChangeCounter(idx page.Index, p page.Page) page.Page {
	if idx != 0 {
		return p
	}
	s.fileChangeCounter ^= 1
	binary.BigEndian.PutUint32(p[fileChangeCounterOffset:fileChangeCounterOffset+4], s.fileChangeCounter)
	return p
}

// SizeInPages derives the page count from the maximum index ever written,
// across both committed and pending pages.
func (s *Storage) SizeInPages() (uint32, error) {
	var max page.Index
	var found bool

	if idx, ok := s.pending.MaxIndex(); ok {
		max, found = idx, true
	}

	entries, err := s.Journal.Iter(nil)
	if err != nil {
		return 0, errors.Wrap(err, "storage: reading journal for size")
	}
	for _, e := range entries {
		data, err := e.Bytes()
		if err != nil {
			return 0, errors.Wrapf(err, "storage: reading entry %d", e.Lsn())
		}
		reader, err := page.NewReader(data)
		if err != nil {
			return 0, errors.Wrapf(err, "storage: decoding entry %d", e.Lsn())
		}
		if idx, ok := reader.MaxIndex(); ok && (!found || idx > max) {
			max, found = idx, true
		}
	}
	if !found {
		return 0, nil
	}
	return max + 1, nil
}

// Commit serializes pending as one sparse page set, appends it to the
// storage journal, and clears pending. A no-op if pending is empty, so
// repeated commits with no intervening writes are idempotent.
func (s *Storage) Commit() (lsn.Lsn, bool, error) {
	if s.pending.NumPages() == 0 {
		return 0, false, nil
	}
	pending := s.pending
	var buf bytes.Buffer
	if err := pending.Encode(&buf); err != nil {
		return 0, false, errors.Wrap(err, "storage.Commit: encoding pending pages")
	}
	newLsn, err := s.Journal.Append(func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
	if err != nil {
		return 0, false, errors.Wrap(err, "storage.Commit: appending journal entry")
	}
	s.invalidateCache(pending)
	s.pending = page.NewSet()
	return newLsn, true, nil
}

func (s *Storage) invalidateCache(written *page.Set) {
	for _, idx := range written.Indices() {
		s.cache.Remove(idx)
	}
}

// Revert discards the pending set without touching the journal.
func (s *Storage) Revert() {
	s.pending.Clear()
}

// SyncReceive feeds partial into the storage journal. Callers must call
// Revert first so stale pending pages never shadow newly-synced committed
// ones, per spec §4.2.
func (s *Storage) SyncReceive(partial *journal.Partial) (lsn.Range, error) {
	rng, err := s.Journal.SyncReceive(partial)
	if err != nil {
		return lsn.Range{}, err
	}
	s.cache.Purge()
	return rng, nil
}
