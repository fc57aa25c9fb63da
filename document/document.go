// Package document implements the two document roles spec.md describes:
// a ClientDocument, owned by one application instance with a local
// replica and a pending-mutation timeline, and a CoordinatorDocument,
// owned by the server with the durable storage journal and every
// connected client's timeline. Both wrap a sqlengine.Engine, a
// storage.Storage, and the reducerhost/timeline machinery that applies
// mutations deterministically.
package document

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
)

// Id identifies a document. Its storage journal and every timeline that
// syncs against it live under this Id's namespace.
type Id = journal.Id

// Document is the sync-half of a document: offering locally-held entries
// to a peer and accepting entries a peer offers in return. ClientDocument
// implements it, offering its timeline and receiving storage;
// CoordinatorDocument does not, and exposes its own per-timeline and
// storage sync methods instead.
type Document interface {
	SyncPrepare(req lsn.RequestedRange) (*journal.Partial, error)
	SyncReceive(partial *journal.Partial) (lsn.Range, error)
}

// subscribers fan out a revision bump to every interested goroutine,
// typically a host's UI re-render or re-query trigger, without blocking
// the document's own mutation path on a slow or absent reader.
type subscribers struct {
	mu     sync.Mutex
	nextId int
	chans  map[int]chan struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives a value (non-blocking, best
// effort) every time the document's visible state changes, and a cancel
// function that unregisters it.
func (s *subscribers) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextId
	s.nextId++
	ch := make(chan struct{}, 1)
	s.chans[id] = ch
	SubscriberCount.Set(float64(len(s.chans)))
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.chans, id)
		SubscriberCount.Set(float64(len(s.chans)))
	}
}

func (s *subscribers) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// QueryFunc runs read-only statements against tx. Returning an error
// rolls the transaction back; a query should never mutate state.
type QueryFunc func(ctx context.Context, tx *sql.Tx) error

// runReadOnlyQuery begins a read-only transaction, runs f, and always
// rolls back: queries never need to commit, per spec §4 (Mutate is the
// only way to durably change a document's state).
func runReadOnlyQuery(ctx context.Context, db *sql.DB, f QueryFunc) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "document: beginning read-only query")
	}
	defer tx.Rollback()
	return f(ctx, tx)
}
