// Package journal implements the ordered, append-at-tail log of opaque
// entries addressed by LSN that backs both storage and timeline state.
// Sync between two journals is range-based and idempotent under resend.
package journal

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/orbitinghail/sqlsync/lsn"
)

// Id identifies a journal. Storage and timeline journals for the same
// document share the document's Id namespace but are never confused, since
// they live in distinct directories.
type Id = uuid.UUID

// NewId returns a fresh random Id.
func NewId() Id { return uuid.New() }

var (
	// ErrWrongJournal is returned when a Partial's Id does not match the
	// journal it is being applied to.
	ErrWrongJournal = errors.New("journal: wrong journal id")
	// ErrNonContiguous is returned by SyncReceive when a partial neither
	// extends nor overlaps the journal's current range.
	ErrNonContiguous = errors.New("journal: partial is non-contiguous with journal range")
)

// Entry is a random-access handle onto one journal entry's payload,
// avoiding the need to materialize large entries (e.g. a multi-page sparse
// page set) just to read a handful of bytes out of them.
type Entry struct {
	lsn  lsn.Lsn
	size int64
	open func() (io.ReadSeeker, error)
}

// Lsn returns the entry's log sequence number.
func (e *Entry) Lsn() lsn.Lsn { return e.lsn }

// Size returns the entry's payload size in bytes.
func (e *Entry) Size() int64 { return e.size }

// ReadAt reads len(p) bytes from the entry starting at off.
func (e *Entry) ReadAt(p []byte, off int64) (int, error) {
	r, err := e.open()
	if err != nil {
		return 0, err
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r, p)
}

// Bytes reads the entry's full payload.
func (e *Entry) Bytes() ([]byte, error) {
	buf := make([]byte, e.size)
	if _, err := e.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Partial is a contiguous run of entries exchanged during sync, per
// spec §4.1's sync_prepare/sync_receive contract.
type Partial struct {
	JournalId Id
	First     lsn.Lsn
	Entries   [][]byte
}

// Range returns the Lsn range the partial covers.
func (p *Partial) Range() lsn.Range {
	if len(p.Entries) == 0 {
		return lsn.EmptyAt(p.First)
	}
	return lsn.New(p.First, p.First+lsn.Lsn(len(p.Entries))-1)
}

// fileName returns the sortable on-disk name for an entry at l.
func fileName(l lsn.Lsn) string {
	return fmt.Sprintf("%020d.entry", l)
}

// Journal is an ordered sequence of opaque byte-string entries backed by
// an afero.Fs, so the same implementation serves an in-memory backend
// (afero.MemMapFs) and a durable one (afero.OsFs), per SPEC_FULL.md's
// pluggable-backing requirement.
type Journal struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
	id  Id
	rng lsn.Range
}

// Open loads (or creates, if dir does not yet exist) the journal with the
// given id rooted at dir on fs.
func Open(fs afero.Fs, dir string, id Id) (*Journal, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "journal.Open: creating %s", dir)
	}
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "journal.Open: reading %s", dir)
	}

	var lsns []lsn.Lsn
	for _, info := range infos {
		name := info.Name()
		if !strings.HasSuffix(name, ".entry") {
			continue
		}
		var l lsn.Lsn
		if n, err := fmt.Sscanf(name, "%020d.entry", &l); err == nil && n == 1 {
			lsns = append(lsns, l)
		}
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })

	j := &Journal{fs: fs, dir: dir, id: id, rng: lsn.Empty()}
	if len(lsns) == 0 {
		return j, nil
	}

	// A gap in an on-disk journal indicates corruption or a partially
	// applied compaction; refuse to open rather than silently skip it.
	for i := 1; i < len(lsns); i++ {
		if lsns[i] != lsns[i-1]+1 {
			return nil, errors.Errorf("journal.Open: gap in on-disk entries between lsn %d and %d", lsns[i-1], lsns[i])
		}
	}
	j.rng = lsn.New(lsns[0], lsns[len(lsns)-1])
	return j, nil
}

// ID returns the journal's identity.
func (j *Journal) ID() Id { return j.id }

// Range returns the journal's current [first, last] window.
func (j *Journal) Range() lsn.Range {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng
}

// Append allocates the next Lsn, invokes write to stream the entry's bytes,
// and commits the entry atomically: write lands in a temp file which is
// renamed into place, so a reader never observes a partial entry.
func (j *Journal) Append(write func(w io.Writer) error) (lsn.Lsn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	l := j.rng.Next()
	if l == lsn.MaxLsn {
		return 0, errors.Errorf("journal.Append: refusing to append at MaxLsn %d", l)
	}
	tmp := fileName(l) + ".tmp"
	tmpPath := j.dir + "/" + tmp
	f, err := j.fs.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "journal.Append: creating %s", tmpPath)
	}
	if err := write(f); err != nil {
		f.Close()
		j.fs.Remove(tmpPath)
		return 0, errors.Wrap(err, "journal.Append: writer failed")
	}
	if err := f.Close(); err != nil {
		j.fs.Remove(tmpPath)
		return 0, errors.Wrap(err, "journal.Append: closing entry")
	}
	finalPath := j.dir + "/" + fileName(l)
	if err := j.fs.Rename(tmpPath, finalPath); err != nil {
		return 0, errors.Wrapf(err, "journal.Append: committing %s", finalPath)
	}

	j.rng = j.rng.Append(l)
	return l, nil
}

func (j *Journal) path(l lsn.Lsn) string {
	return j.dir + "/" + fileName(l)
}

func (j *Journal) entryAt(l lsn.Lsn) (*Entry, error) {
	path := j.path(l)
	info, err := j.fs.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: stat entry %d", l)
	}
	fs := j.fs
	return &Entry{
		lsn:  l,
		size: info.Size(),
		open: func() (io.ReadSeeker, error) { return fs.Open(path) },
	}, nil
}

// Iter returns entries whose Lsn lies within r, in ascending order. A nil
// r means the journal's full range.
func (j *Journal) Iter(r *lsn.Range) ([]*Entry, error) {
	j.mu.Lock()
	full := j.rng
	j.mu.Unlock()

	target := full
	if r != nil {
		target = full.Intersect(*r)
	}
	if target.IsEmpty() {
		return nil, nil
	}
	var entries []*Entry
	it := target.Iter()
	for {
		l, ok := it.Next()
		if !ok {
			break
		}
		e, err := j.entryAt(l)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SyncRequest builds a request for up to max entries starting at this
// journal's next expected Lsn.
func (j *Journal) SyncRequest(max int) lsn.RequestedRange {
	j.mu.Lock()
	defer j.mu.Unlock()
	return lsn.RequestedRange{First: j.rng.Next(), Max: max}
}

// SyncPrepare answers a peer's RequestedRange with a Partial, or (nil,
// nil) if this journal holds nothing useful to the requester.
func (j *Journal) SyncPrepare(req lsn.RequestedRange) (*Partial, error) {
	j.mu.Lock()
	full := j.rng
	j.mu.Unlock()

	want, ok := full.Satisfy(req)
	if !ok {
		return nil, nil
	}

	wantFirst, _ := want.First()
	partial := &Partial{JournalId: j.id, First: wantFirst}
	it := want.Iter()
	for {
		l, ok := it.Next()
		if !ok {
			break
		}
		e, err := j.entryAt(l)
		if err != nil {
			return nil, err
		}
		b, err := e.Bytes()
		if err != nil {
			return nil, errors.Wrapf(err, "journal.SyncPrepare: reading entry %d", l)
		}
		partial.Entries = append(partial.Entries, b)
	}
	return partial, nil
}

// SyncReceive merges partial's entries into the journal, per §4.1: the
// partial's first Lsn must fall within [range.first, range.end], allowing
// a contiguous extension or an overlap that is accepted and replaces
// existing entries only when doing so would advance the journal's end.
func (j *Journal) SyncReceive(partial *Partial) (lsn.Range, error) {
	if partial.JournalId != j.id {
		return lsn.Range{}, ErrWrongJournal
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(partial.Entries) == 0 {
		return j.rng, nil
	}
	incoming := partial.Range()

	if j.rng.IsEmpty() {
		if partial.First != j.rng.Next() {
			return lsn.Range{}, ErrNonContiguous
		}
	} else {
		rngFirst, _ := j.rng.First()
		if partial.First < rngFirst || partial.First > j.rng.Next() {
			return lsn.Range{}, ErrNonContiguous
		}
		last, _ := incoming.Last()
		current, _ := j.rng.Last()
		if last <= current && partial.First <= current {
			// Entirely already present: nothing to do but no error,
			// matching the idempotent-resend requirement.
			return j.rng, nil
		}
	}

	l := partial.First
	for _, data := range partial.Entries {
		path := j.path(l)
		if err := afero.WriteFile(j.fs, path, data, 0o644); err != nil {
			return lsn.Range{}, errors.Wrapf(err, "journal.SyncReceive: writing entry %d", l)
		}
		l++
	}

	j.rng = j.rng.Union(incoming)
	return j.rng, nil
}

// DropPrefix deletes the one on-disk file backing each entry at or
// before upTo and advances range.first past them. There is no separate
// compaction step: each entry is already its own file, so dropping a
// prefix reclaims its space immediately.
func (j *Journal) DropPrefix(upTo lsn.Lsn) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.rng.IsEmpty() {
		return nil
	}
	trimmed := j.rng.TrimPrefix(upTo)

	it := j.rng.Intersect(lsn.New(0, upTo)).Iter()
	for {
		l, ok := it.Next()
		if !ok {
			break
		}
		if err := j.fs.Remove(j.path(l)); err != nil {
			return errors.Wrapf(err, "journal.DropPrefix: removing entry %d", l)
		}
	}
	j.rng = trimmed
	return nil
}
