// Package timeline owns per-client pending mutations and the deterministic
// rebase algorithm that reconciles them against a fresh storage pre-image
// (spec §4.4), plus the coordinator's oldest-arrival-first scheduling
// queue over many clients' timelines.
package timeline

import (
	"context"
	"database/sql"
	"io"

	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
	"github.com/orbitinghail/sqlsync/reducerhost"
)

// TableName is the reserved table tracking, per timeline, the last Lsn
// whose mutation has been applied. The name is reserved: a reducer must not
// create a table or property path by this name. Nothing in this module
// checks that.
const TableName = "__sqlsync_timelines"

const schemaSQL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	timeline_id BLOB PRIMARY KEY,
	lsn INTEGER NOT NULL
)`

const readLsnSQL = `SELECT lsn FROM ` + TableName + ` WHERE timeline_id = ?`

const upsertLsnSQL = `INSERT INTO ` + TableName + ` (timeline_id, lsn) VALUES (?, ?)
	ON CONFLICT (timeline_id) DO UPDATE SET lsn = excluded.lsn`

// EnsureSchema creates the reserved timeline table if it does not exist.
func EnsureSchema(ctx context.Context, tx reducerhost.SQLTx) error {
	_, err := tx.ExecContext(ctx, schemaSQL)
	return errors.Wrap(err, "timeline: creating reserved schema")
}

// ReadAppliedLsn returns the last applied Lsn recorded for id, or
// (0, false) if the timeline has never been applied against this
// database.
func ReadAppliedLsn(ctx context.Context, tx reducerhost.SQLTx, id journal.Id) (lsn.Lsn, bool, error) {
	row := tx.QueryRowContext(ctx, readLsnSQL, id[:])
	var l int64
	if err := row.Scan(&l); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "timeline: reading applied lsn")
	}
	return lsn.Lsn(l), true, nil
}

// WriteAppliedLsn records the last applied Lsn for id.
func WriteAppliedLsn(ctx context.Context, tx reducerhost.SQLTx, id journal.Id, l lsn.Lsn) error {
	_, err := tx.ExecContext(ctx, upsertLsnSQL, id[:], int64(l))
	return errors.Wrap(err, "timeline: updating applied lsn")
}

// TxBeginner is the subset of *sql.DB a Timeline needs to run each
// mutation in its own transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Timeline owns one client's pending-mutation journal and knows how to
// replay it against a database via a Reducer.
type Timeline struct {
	Id      journal.Id
	Journal *journal.Journal
}

// Open wraps j as a Timeline identified by id.
func Open(id journal.Id, j *journal.Journal) *Timeline {
	return &Timeline{Id: id, Journal: j}
}

// Append records mutation in the timeline journal and immediately runs it
// against the live connection so the local user sees the result, per
// spec §4.4's append operation.
func (t *Timeline) Append(ctx context.Context, db TxBeginner, host *reducerhost.Host, reducer reducerhost.Reducer, mutation []byte) (lsn.Lsn, error) {
	l, err := t.Journal.Append(func(w io.Writer) error {
		_, err := w.Write(mutation)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "timeline.Append: appending to journal")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return l, errors.Wrap(err, "timeline.Append: beginning transaction")
	}
	if runErr := host.Run(ctx, reducer, tx, mutation); runErr != nil {
		tx.Rollback()
		return l, runErr
	}
	if err := tx.Commit(); err != nil {
		return l, errors.Wrap(err, "timeline.Append: committing transaction")
	}
	return l, nil
}

// Rebase re-executes every not-yet-applied mutation in the timeline
// against db, per spec §4.4:
//  1. read the applied cursor for this timeline
//  2. drop_prefix(applied cursor) on the local timeline journal
//  3. run each remaining mutation in a fresh transaction, in Lsn order
//
// A mutation that still fails against the new pre-image is skipped (it
// remains in the timeline for a future rebase) rather than aborting the
// whole rebase, since later mutations are independent attempts and one
// failing should not block the rest from being retried.
func (t *Timeline) Rebase(ctx context.Context, db TxBeginner, host *reducerhost.Host, reducer reducerhost.Reducer) error {
	cursorTx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "timeline.Rebase: beginning cursor read")
	}
	applied, ok, err := ReadAppliedLsn(ctx, cursorTx, t.Id)
	cursorTx.Rollback()
	if err != nil {
		return errors.Wrap(err, "timeline.Rebase: reading applied cursor")
	}

	if ok {
		if err := t.Journal.DropPrefix(applied); err != nil {
			return errors.Wrap(err, "timeline.Rebase: dropping applied prefix")
		}
	}

	entries, err := t.Journal.Iter(nil)
	if err != nil {
		return errors.Wrap(err, "timeline.Rebase: iterating remaining mutations")
	}

	for _, e := range entries {
		mutation, err := e.Bytes()
		if err != nil {
			return errors.Wrapf(err, "timeline.Rebase: reading mutation at lsn %d", e.Lsn())
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "timeline.Rebase: beginning mutation transaction")
		}
		if runErr := host.Run(ctx, reducer, tx, mutation); runErr != nil {
			tx.Rollback()
			continue
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "timeline.Rebase: committing mutation at lsn %d", e.Lsn())
		}
	}
	return nil
}

// ApplyRange runs the subset of range not yet applied (per the reserved
// table's cursor) against db inside one transaction, then advances the
// cursor, matching the coordinator-side apply_timeline_range algorithm.
// It is the coordinator's counterpart to the client's per-mutation
// Rebase: all mutations in the trimmed range commit together with the
// cursor update, so a crash never leaves the cursor ahead of applied
// state.
func (t *Timeline) ApplyRange(ctx context.Context, db TxBeginner, host *reducerhost.Host, reducer reducerhost.Reducer, r lsn.Range) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "timeline.ApplyRange: beginning transaction")
	}

	applied, ok, err := ReadAppliedLsn(ctx, tx, t.Id)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "timeline.ApplyRange: reading applied cursor")
	}
	target := r
	if ok {
		target = r.TrimPrefix(applied)
	}
	if target.IsEmpty() {
		tx.Rollback()
		return nil
	}

	entries, err := t.Journal.Iter(&target)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "timeline.ApplyRange: iterating range")
	}
	for _, e := range entries {
		mutation, err := e.Bytes()
		if err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "timeline.ApplyRange: reading mutation at lsn %d", e.Lsn())
		}
		if err := host.Run(ctx, reducer, tx, mutation); err != nil {
			tx.Rollback()
			return errors.Wrapf(ErrMutationFailed, "lsn %d: %s", e.Lsn(), err)
		}
	}

	last, _ := target.Last()
	if err := WriteAppliedLsn(ctx, tx, t.Id, last); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "timeline.ApplyRange: committing")
}

// ErrMutationFailed is returned by ApplyRange when a mutation in the
// range fails; the coordinator's caller is expected to record this as
// applied-with-error per spec §4.3 rather than retry indefinitely.
var ErrMutationFailed = errors.New("timeline: mutation failed to apply")
