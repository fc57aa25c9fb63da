package document

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/sqlengine"
	"github.com/orbitinghail/sqlsync/storage"
)

func newTestCoordinatorWithReducer(t *testing.T, reducer reducerhost.Reducer) (*CoordinatorDocument, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()

	storageJournal, err := journal.Open(fs, "/storage", journal.NewId())
	require.NoError(t, err)
	st, err := storage.New(storageJournal, 16)
	require.NoError(t, err)

	engine, err := sqlengine.Open(sqlengine.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	require.NoError(t, engine.Exec(context.Background(),
		`CREATE TABLE counters (name TEXT PRIMARY KEY, value INTEGER NOT NULL)`))

	d, err := OpenCoordinator(journal.NewId(), st, engine, fs, "/coordinator",
		reducer, reducerhost.Budget{TimeBudget: time.Second})
	require.NoError(t, err)
	return d, fs
}

func newTestCoordinator(t *testing.T) (*CoordinatorDocument, afero.Fs) {
	t.Helper()
	return newTestCoordinatorWithReducer(t, incrementReducer)
}

func TestCoordinatorTimelineSyncReceiveEnqueuesWork(t *testing.T) {
	d, _ := newTestCoordinator(t)

	partial := &journal.Partial{
		JournalId: journal.NewId(),
		First:     0,
		Entries:   [][]byte{[]byte("a"), []byte("a")},
	}
	_, err := d.TimelineSyncReceive(partial, 1000)
	require.NoError(t, err)
	assert.True(t, d.HasPendingWork())
}

func TestCoordinatorStepAppliesQueuedRangeAndCommitsStorage(t *testing.T) {
	d, _ := newTestCoordinator(t)
	ctx := context.Background()

	partial := &journal.Partial{
		JournalId: journal.NewId(),
		First:     0,
		Entries:   [][]byte{[]byte("a"), []byte("a")},
	}
	_, err := d.TimelineSyncReceive(partial, 1000)
	require.NoError(t, err)

	id, applied, err := d.Step(ctx)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, partial.JournalId, id)

	var v int
	require.NoError(t, d.engine.DB().QueryRow(`SELECT value FROM counters WHERE name = 'a'`).Scan(&v))
	assert.Equal(t, 2, v)

	assert.False(t, d.HasPendingWork())
}

func TestCoordinatorStepIsNoOpWhenQueueEmpty(t *testing.T) {
	d, _ := newTestCoordinator(t)
	_, applied, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestCoordinatorOldestTimelineAppliedFirst(t *testing.T) {
	d, _ := newTestCoordinator(t)

	partialLate := &journal.Partial{JournalId: journal.NewId(), First: 0, Entries: [][]byte{[]byte("a")}}
	partialEarly := &journal.Partial{JournalId: journal.NewId(), First: 0, Entries: [][]byte{[]byte("a")}}

	_, err := d.TimelineSyncReceive(partialLate, 2000)
	require.NoError(t, err)
	_, err = d.TimelineSyncReceive(partialEarly, 1000)
	require.NoError(t, err)

	id, applied, err := d.Step(context.Background())
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, partialEarly.JournalId, id)
}

func TestCoordinatorStorageSyncPrepareReturnsNilOnEmptyStorage(t *testing.T) {
	d, _ := newTestCoordinator(t)
	partial, err := d.StorageSyncPrepare(d.storage.Journal.SyncRequest(0))
	require.NoError(t, err)
	assert.Nil(t, partial)
}

func TestCoordinatorStepRecordsFailureAndContinuesInsteadOfReturningError(t *testing.T) {
	failing := func(ctx context.Context, tx reducerhost.SQLTx, mutation []byte) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO no_such_table VALUES (1)`)
		return err
	}
	d, _ := newTestCoordinatorWithReducer(t, failing)
	ctx := context.Background()

	partial := &journal.Partial{JournalId: journal.NewId(), First: 0, Entries: [][]byte{[]byte("a")}}
	_, err := d.TimelineSyncReceive(partial, 1000)
	require.NoError(t, err)

	id, applied, err := d.Step(ctx)
	require.NoError(t, err, "a mutation failure must not surface as a Step error")
	assert.True(t, applied)
	assert.Equal(t, partial.JournalId, id)

	msg, ok := d.takeFailure(partial.JournalId)
	assert.True(t, ok, "the failure must be recorded against the offending timeline")
	assert.NotEmpty(t, msg)

	// Recorded once, delivered once.
	_, ok = d.takeFailure(partial.JournalId)
	assert.False(t, ok)
}

func TestCoordinatorRunContinuesPastMutationFailures(t *testing.T) {
	callCount := 0
	failing := func(ctx context.Context, tx reducerhost.SQLTx, mutation []byte) error {
		callCount++
		_, err := tx.ExecContext(ctx, `INSERT INTO no_such_table VALUES (1)`)
		return err
	}
	d, _ := newTestCoordinatorWithReducer(t, failing)

	partial := &journal.Partial{JournalId: journal.NewId(), First: 0, Entries: [][]byte{[]byte("a")}}
	_, err := d.TimelineSyncReceive(partial, 1000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, callCount, "Run must not retry a failed mutation forever")

	_, ok := d.takeFailure(partial.JournalId)
	assert.True(t, ok)
}
