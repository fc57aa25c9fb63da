package sqlengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/timeline"
)

func TestOpenInMemoryAndExecBootstrap(t *testing.T) {
	e, err := Open(DefaultOptions)
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	require.NoError(t, e.Exec(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`))

	tx, err := e.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'gear')`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var name string
	require.NoError(t, e.DB().QueryRowContext(ctx, `SELECT name FROM widgets WHERE id = 1`).Scan(&name))
	assert.Equal(t, "gear", name)
}

func TestEngineSatisfiesTimelineTxBeginner(t *testing.T) {
	e, err := Open(DefaultOptions)
	require.NoError(t, err)
	defer e.Close()

	var _ timeline.TxBeginner = e
}
