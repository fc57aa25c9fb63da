package document

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/sqlengine"
	"github.com/orbitinghail/sqlsync/storage"
	"github.com/orbitinghail/sqlsync/syncproto"
	"github.com/orbitinghail/sqlsync/timeline"
)

// CoordinatorDocument is the server-side half of one document: the
// durable storage journal every client eventually converges on, plus one
// timeline per connected client and the oldest-arrival queue of received
// timeline ranges awaiting application. Grounded on coordinator.rs's
// CoordinatorDocument.
type CoordinatorDocument struct {
	id      Id
	engine  *sqlengine.Engine
	storage *storage.Storage
	host    *reducerhost.Host
	reducer reducerhost.Reducer
	fs      afero.Fs
	dir     string

	mu        sync.Mutex
	timelines map[journal.Id]*timeline.Timeline
	queue     timeline.PriorityHeap
	failures  map[journal.Id]string

	subs *subscribers
}

// OpenCoordinator constructs a CoordinatorDocument. fs/dir root where
// per-client timeline journals are created on first contact, alongside
// the document's own storage journal.
func OpenCoordinator(
	id Id,
	st *storage.Storage,
	engine *sqlengine.Engine,
	fs afero.Fs,
	dir string,
	reducer reducerhost.Reducer,
	budget reducerhost.Budget,
) (*CoordinatorDocument, error) {
	tx, err := engine.DB().Begin()
	if err != nil {
		return nil, errors.Wrap(err, "document.OpenCoordinator: beginning schema tx")
	}
	if err := timeline.EnsureSchema(context.Background(), tx); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "document.OpenCoordinator: ensuring timeline schema")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "document.OpenCoordinator: committing schema tx")
	}

	return &CoordinatorDocument{
		id:        id,
		engine:    engine,
		storage:   st,
		host:      reducerhost.New(budget),
		reducer:   reducer,
		fs:        fs,
		dir:       dir,
		timelines: make(map[journal.Id]*timeline.Timeline),
		failures:  make(map[journal.Id]string),
		subs:      newSubscribers(),
	}, nil
}

// recordFailure remembers that id's mutation failed to apply and wakes
// every connected link so the originating client's serveAnnouncements
// can pick it up and report it. A later failure for the same id
// overwrites the earlier one; only the most recent is delivered.
func (d *CoordinatorDocument) recordFailure(id journal.Id, err error) {
	d.mu.Lock()
	d.failures[id] = err.Error()
	d.mu.Unlock()
	d.subs.notify()
}

// takeFailure returns and clears the recorded failure for id, if any.
func (d *CoordinatorDocument) takeFailure(id journal.Id) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.failures[id]
	if ok {
		delete(d.failures, id)
	}
	return msg, ok
}

func (d *CoordinatorDocument) getOrCreateTimeline(id journal.Id) (*timeline.Timeline, error) {
	if tl, ok := d.timelines[id]; ok {
		return tl, nil
	}
	j, err := journal.Open(d.fs, d.dir+"/timelines/"+id.String(), id)
	if err != nil {
		return nil, errors.Wrapf(err, "document.CoordinatorDocument: opening timeline %s", id)
	}
	tl := timeline.Open(id, j)
	d.timelines[id] = tl
	return tl, nil
}

// HasPendingWork reports whether Step would do anything right now.
func (d *CoordinatorDocument) HasPendingWork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0
}

// Step applies the oldest-queued timeline range to the shared database,
// commits the resulting pages to the storage journal, and returns the
// timeline id that was advanced so the caller can notify that client's
// link. Returns (zero, false, nil) if there was no pending work.
//
// A mutation that fails to apply (timeline.ErrMutationFailed) does not
// fail Step: the failure is recorded against the offending timeline via
// recordFailure and reported asynchronously to that client alone by
// HandleLink's serveAnnouncements, matching spec §4.3/§7: an applied-
// with-error mutation is surfaced to its originator and otherwise does
// not block the pipeline. Only an infrastructure error (storage, the
// database connection, a corrupt queue) is returned here.
func (d *CoordinatorDocument) Step(ctx context.Context) (journal.Id, bool, error) {
	d.mu.Lock()
	entry, ok := timeline.Pop(&d.queue)
	d.mu.Unlock()
	if !ok {
		return journal.Id{}, false, nil
	}

	d.mu.Lock()
	tl, ok := d.timelines[entry.TimelineId]
	d.mu.Unlock()
	if !ok {
		return journal.Id{}, false, errors.New("document.CoordinatorDocument.Step: timeline missing but present in receive queue")
	}

	if err := tl.ApplyRange(ctx, d.engine, d.host, d.reducer, entry.Range); err != nil {
		if errors.Is(err, timeline.ErrMutationFailed) {
			ReducerFailuresTotal.Inc()
			logrus.WithError(err).WithField("timeline", entry.TimelineId).Warn("mutation failed to apply, reporting to client and continuing")
			d.recordFailure(entry.TimelineId, err)
			return entry.TimelineId, true, nil
		}
		return journal.Id{}, false, errors.Wrap(err, "document.CoordinatorDocument.Step: applying timeline range")
	}

	if _, committed, err := d.storage.Commit(); err != nil {
		return journal.Id{}, false, errors.Wrap(err, "document.CoordinatorDocument.Step: committing storage")
	} else if committed {
		StorageCommitsTotal.Inc()
		d.subs.notify()
	}

	return entry.TimelineId, true, nil
}

// StorageSyncPrepare offers storage journal entries to a client.
func (d *CoordinatorDocument) StorageSyncPrepare(req lsn.RequestedRange) (*journal.Partial, error) {
	return d.storage.Journal.SyncPrepare(req)
}

// TimelineSyncRequest reports what range of id's timeline the coordinator
// still needs, creating the timeline on first contact.
func (d *CoordinatorDocument) TimelineSyncRequest(id journal.Id, max int) (lsn.RequestedRange, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tl, err := d.getOrCreateTimeline(id)
	if err != nil {
		return lsn.RequestedRange{}, err
	}
	return tl.Journal.SyncRequest(max), nil
}

// TimelineRange reports id's current range as held by the coordinator,
// creating the timeline on first contact.
func (d *CoordinatorDocument) TimelineRange(id journal.Id) (lsn.Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tl, err := d.getOrCreateTimeline(id)
	if err != nil {
		return lsn.Range{}, err
	}
	return tl.Journal.Range(), nil
}

// TimelineSyncReceive merges a client's offered timeline partial and
// enqueues the resulting range for application by Step, ordered by
// arrival time across all clients (spec §4.4).
func (d *CoordinatorDocument) TimelineSyncReceive(partial *journal.Partial, receivedAtUnixMillis int64) (lsn.Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tl, err := d.getOrCreateTimeline(partial.JournalId)
	if err != nil {
		return lsn.Range{}, err
	}
	out, err := tl.Journal.SyncReceive(partial)
	if err != nil {
		return lsn.Range{}, err
	}

	// Re-queuing an already-applied range is harmless: ApplyRange trims
	// to the unapplied suffix and is a no-op if nothing remains, matching
	// coordinator.rs's own accepted imprecision here.
	timeline.Push(&d.queue, timeline.ReceiveQueueEntry{
		TimelineId:       partial.JournalId,
		Range:            out,
		ReceiveTimestamp: receivedAtUnixMillis,
	})
	return out, nil
}

// Subscribe registers for a notification whenever Step commits new data.
func (d *CoordinatorDocument) Subscribe() (<-chan struct{}, func()) {
	return d.subs.Subscribe()
}

// Serve accepts connections from ln, handling each with HandleLink until
// ctx is cancelled.
func (d *CoordinatorDocument) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "document.CoordinatorDocument.Serve: accept")
		}
		go func() {
			if err := d.HandleLink(ctx, conn); err != nil && ctx.Err() == nil {
				logrus.WithError(err).WithField("document", d.id).Warn("client link closed")
			}
		}()
	}
}

// HandleLink services one client connection: an Open handshake, then a
// read/write pump exchanging timeline and storage partials until the
// link drops.
func (d *CoordinatorDocument) HandleLink(ctx context.Context, link syncproto.Link) error {
	defer link.Close()

	msg, err := syncproto.Decode(link)
	if err != nil {
		return errors.Wrap(err, "document.CoordinatorDocument: reading open")
	}
	open, ok := msg.(*syncproto.Open)
	if !ok {
		return syncproto.Encode(link, &syncproto.Error{Code: syncproto.CodeProtocolError, Message: "expected Open"})
	}

	rng, err := d.TimelineRange(open.TimelineId)
	if err != nil {
		return errors.Wrap(err, "document.CoordinatorDocument: preparing timeline range ack")
	}
	if err := syncproto.Encode(link, &syncproto.TimelineRangeAck{
		TimelineId: open.TimelineId,
		Range:      rng,
	}); err != nil {
		return errors.Wrap(err, "document.CoordinatorDocument: sending timeline range ack")
	}

	ch, cancel := d.Subscribe()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.serveReads(gctx, link, open) })
	g.Go(func() error { return d.serveAnnouncements(gctx, link, open, ch) })
	return g.Wait()
}

func (d *CoordinatorDocument) serveReads(ctx context.Context, link syncproto.Link, open *syncproto.Open) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := syncproto.Decode(link)
		if err != nil {
			return errors.Wrap(err, "document.CoordinatorDocument: decoding frame")
		}
		switch m := msg.(type) {
		case *syncproto.TimelineSync:
			out, err := d.TimelineSyncReceive(m.Partial, time.Now().UnixMilli())
			if err != nil {
				return errors.Wrap(err, "document.CoordinatorDocument: receiving timeline sync")
			}
			if err := syncproto.Encode(link, &syncproto.TimelineSyncAck{
				TimelineId: m.Partial.JournalId,
				NewRange:   out,
			}); err != nil {
				return err
			}
		case *syncproto.StorageRequest:
			partial, err := d.StorageSyncPrepare(m.Request)
			if err != nil {
				return errors.Wrap(err, "document.CoordinatorDocument: preparing storage sync")
			}
			if partial == nil {
				continue
			}
			if err := syncproto.Encode(link, &syncproto.StorageSync{Partial: partial}); err != nil {
				return err
			}
		default:
			logrus.WithField("tag", msg.Tag()).Warn("unexpected message from client")
		}
	}
}

// serveAnnouncements pushes ChangeAvailable whenever Step commits,
// completing coordinator.rs's step()'s "// TODO: announce" stub. It
// also drains any failure recordFailure left for open's own timeline,
// reporting it to this client alone as a non-fatal Error (spec §4.3,
// §7): the failing mutation is reported but the link, and every other
// client's link, stays up.
func (d *CoordinatorDocument) serveAnnouncements(ctx context.Context, link syncproto.Link, open *syncproto.Open, ch <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if msg, ok := d.takeFailure(open.TimelineId); ok {
				if err := syncproto.Encode(link, &syncproto.Error{Code: syncproto.CodeReducerFailed, Message: msg}); err != nil {
					return errors.Wrap(err, "document.CoordinatorDocument: reporting mutation failure")
				}
			}
			if err := syncproto.Encode(link, &syncproto.ChangeAvailable{DocId: d.id}); err != nil {
				return errors.Wrap(err, "document.CoordinatorDocument: announcing change")
			}
		}
	}
}

// Run drives Step in a loop until ctx is cancelled. When a Step applies
// nothing, Run waits 10ms before polling the receive queue again.
func (d *CoordinatorDocument) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, applied, err := d.Step(ctx)
		if err != nil {
			return err
		}
		if !applied {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
}
