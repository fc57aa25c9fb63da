package document

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/sqlengine"
	"github.com/orbitinghail/sqlsync/storage"
	"github.com/orbitinghail/sqlsync/syncproto"
	"github.com/orbitinghail/sqlsync/timeline"
)

// ClientDocument is one application's local replica of a document: a
// private SQLite database that local mutations run against, the storage
// journal synced from the coordinator, plus a timeline of locally applied
// mutations waiting to be acknowledged by the coordinator. The SQLite
// database is not loaded from storage.Storage pages. Grounded on
// document/client.rs's ClientDocument.
type ClientDocument struct {
	id       Id
	engine   *sqlengine.Engine
	storage  *storage.Storage
	timeline *timeline.Timeline
	host     *reducerhost.Host
	reducer  reducerhost.Reducer

	subs *subscribers
	link *syncproto.LinkManager

	mu sync.Mutex
}

// OpenClient constructs a ClientDocument from an already-open storage
// journal and engine. The caller is responsible for choosing where the
// storage and timeline journals live (in-memory for a transient session,
// durable afero.OsFs for a persisted one).
func OpenClient(
	id Id,
	st *storage.Storage,
	tl *timeline.Timeline,
	engine *sqlengine.Engine,
	reducer reducerhost.Reducer,
	budget reducerhost.Budget,
) (*ClientDocument, error) {
	tx, err := engine.DB().Begin()
	if err != nil {
		return nil, errors.Wrap(err, "document.OpenClient: beginning schema tx")
	}
	if err := timeline.EnsureSchema(context.Background(), tx); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "document.OpenClient: ensuring timeline schema")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "document.OpenClient: committing schema tx")
	}

	d := &ClientDocument{
		id:       id,
		engine:   engine,
		storage:  st,
		timeline: tl,
		host:     reducerhost.New(budget),
		reducer:  reducer,
		subs:     newSubscribers(),
	}
	return d, nil
}

// Mutate records mutation on the client's timeline, so it can be offered
// to the coordinator, and then applies it to the local replica inside a
// transaction. If the reducer fails, the error is returned and the
// timeline entry remains.
func (d *ClientDocument) Mutate(ctx context.Context, mutation []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.timeline.Append(ctx, d.engine, d.host, d.reducer, mutation)
	if err != nil {
		MutationsTotal.WithLabelValues("fail").Inc()
		if errors.Is(err, reducerhost.ErrReducerFailed) || errors.Is(err, reducerhost.ErrReducerTimeout) {
			ReducerFailuresTotal.Inc()
		}
		return err
	}
	MutationsTotal.WithLabelValues("ok").Inc()
	d.subs.notify()
	return nil
}

// Query runs f against a read-only view of the local replica's current
// state.
func (d *ClientDocument) Query(ctx context.Context, f QueryFunc) error {
	return runReadOnlyQuery(ctx, d.engine.DB(), f)
}

// Subscribe registers for a best-effort notification on every state
// change (a successful Mutate or an applied sync), so a host application
// knows when to re-run its queries.
func (d *ClientDocument) Subscribe() (<-chan struct{}, func()) {
	return d.subs.Subscribe()
}

// SyncPrepare offers the client's pending timeline entries to the
// coordinator.
func (d *ClientDocument) SyncPrepare(req lsn.RequestedRange) (*journal.Partial, error) {
	return d.timeline.Journal.SyncPrepare(req)
}

// SyncReceive applies a storage partial offered by the coordinator:
// pending local writes are discarded, the partial is merged into the
// storage journal, and the timeline is rebased against the new
// pre-image. Matches client.rs's sync_receive exactly.
func (d *ClientDocument) SyncReceive(partial *journal.Partial) (lsn.Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.storage.Revert()
	out, err := d.storage.SyncReceive(partial)
	if err != nil {
		return lsn.Range{}, errors.Wrap(err, "document.ClientDocument.SyncReceive: merging storage partial")
	}
	if err := d.timeline.Rebase(context.Background(), d.engine, d.host, d.reducer); err != nil {
		return lsn.Range{}, errors.Wrap(err, "document.ClientDocument.SyncReceive: rebasing timeline")
	}
	d.subs.notify()
	return out, nil
}

// SetConnectionEnabled starts or stops the client's sync link per spec
// §4's host-facing API: a host may want to work fully offline and
// reconnect later.
func (d *ClientDocument) SetConnectionEnabled(ctx context.Context, enabled bool) {
	if d.link == nil {
		return
	}
	if enabled {
		d.link.Enable(ctx)
	} else {
		d.link.Disable()
	}
}

// ConnectionStatus reports the client's current link state.
func (d *ClientDocument) ConnectionStatus() syncproto.State {
	if d.link == nil {
		return syncproto.Disabled
	}
	return d.link.State()
}

// AttachLink wires dial as this client's coordinator connection. Call
// SetConnectionEnabled(ctx, true) to begin connecting.
func (d *ClientDocument) AttachLink(dial syncproto.Dialer) {
	d.link = syncproto.NewLinkManager(dial, d.runLink)
}

// runLink drives one connected Link to conclusion: sends Open, then
// alternates offering timeline entries and applying storage entries
// until the link drops or ctx is cancelled.
func (d *ClientDocument) runLink(ctx context.Context, link syncproto.Link) error {
	log := logrus.WithField("document", d.id)

	storageRange := d.storage.Journal.Range()
	if err := syncproto.Encode(link, &syncproto.Open{
		DocId:        d.id,
		TimelineId:   d.timeline.Id,
		StorageRange: storageRange,
	}); err != nil {
		return errors.Wrap(err, "document.ClientDocument: sending open")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.linkReadLoop(gctx, link, log) })
	g.Go(func() error { return d.linkWriteLoop(gctx, link, log) })
	return g.Wait()
}

// linkReadLoop applies whatever the coordinator pushes: storage syncs,
// and change-available pings, each answered with a storage request.
func (d *ClientDocument) linkReadLoop(ctx context.Context, link syncproto.Link, log logrus.FieldLogger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := syncproto.Decode(link)
		if err != nil {
			return errors.Wrap(err, "document.ClientDocument: decoding frame")
		}
		switch m := msg.(type) {
		case *syncproto.StorageSync:
			if _, err := d.SyncReceive(m.Partial); err != nil {
				return errors.Wrap(err, "document.ClientDocument: applying storage sync")
			}
		case *syncproto.TimelineRangeAck:
			log.WithField("range", m.Range).Debug("timeline range acked")
		case *syncproto.TimelineSyncAck:
			log.WithField("range", m.NewRange).Debug("timeline sync acked")
		case *syncproto.ChangeAvailable:
			req := d.storage.Journal.SyncRequest(0)
			if err := syncproto.Encode(link, &syncproto.StorageRequest{Request: req}); err != nil {
				return errors.Wrap(err, "document.ClientDocument: requesting storage sync")
			}
		case *syncproto.Error:
			if m.Code == syncproto.CodeReducerFailed {
				ReducerFailuresTotal.Inc()
				log.WithField("message", m.Message).Warn("coordinator reported a mutation reducer failure")
				continue
			}
			return errors.Errorf("document.ClientDocument: coordinator error %d: %s", m.Code, m.Message)
		default:
			log.WithField("tag", msg.Tag()).Warn("unexpected message from coordinator")
		}
	}
}

// linkWriteLoop offers pending timeline entries whenever Mutate (or a
// prior rebase) has produced new ones, woken by the subscription channel
// rather than polling.
func (d *ClientDocument) linkWriteLoop(ctx context.Context, link syncproto.Link, log logrus.FieldLogger) error {
	ch, cancel := d.Subscribe()
	defer cancel()

	offer := func() error {
		partial, err := d.SyncPrepare(lsn.RequestedRange{First: 0})
		if err != nil {
			return err
		}
		if partial == nil {
			return nil
		}
		return syncproto.Encode(link, &syncproto.TimelineSync{Partial: partial})
	}

	if err := offer(); err != nil {
		return errors.Wrap(err, "document.ClientDocument: offering timeline")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if err := offer(); err != nil {
				return errors.Wrap(err, "document.ClientDocument: offering timeline")
			}
		}
	}
}

var _ Document = (*ClientDocument)(nil)
