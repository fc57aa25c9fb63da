package storage

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/page"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	j, err := journal.Open(afero.NewMemMapFs(), "/doc", journal.NewId())
	require.NoError(t, err)
	s, err := New(j, 16)
	require.NoError(t, err)
	return s
}

func mkPage(fill byte) page.Page {
	var p page.Page
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestReadUnwrittenPageIsZeroFilled(t *testing.T) {
	s := newTestStorage(t)
	p, err := s.ReadPage(5)
	require.NoError(t, err)
	assert.Equal(t, page.Page{}, p)
}

func TestWriteThenReadPendingOverlay(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(1, mkPage(0xaa)))

	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0xaa), got)
}

func TestWriteOverwritesPendingInPlace(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(1, mkPage(0x01)))
	require.NoError(t, s.WritePage(1, mkPage(0x02)))

	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0x02), got)
	size, err := s.SizeInPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), size)
}

func TestCommitAppendsJournalEntryAndClearsPending(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(2, mkPage(0xbb)))

	l, committed, err := s.Commit()
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, uint64(0), l)
	assert.Equal(t, 0, s.pending.NumPages())

	// Now read should find it via the journal scan, not pending.
	got, err := s.ReadPage(2)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0xbb), got)
}

func TestCommitIsNoOpWhenPendingEmpty(t *testing.T) {
	s := newTestStorage(t)
	_, committed, err := s.Commit()
	require.NoError(t, err)
	assert.False(t, committed)
	assert.True(t, s.Journal.Range().IsEmpty())
}

func TestCommitMultipleTimesReadsLatestVersion(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(1, mkPage(0x01)))
	_, _, err := s.Commit()
	require.NoError(t, err)

	require.NoError(t, s.WritePage(1, mkPage(0x02)))
	_, _, err = s.Commit()
	require.NoError(t, err)

	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0x02), got)
}

func TestRevertDiscardsPendingWithoutTouchingJournal(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(1, mkPage(0x01)))
	s.Revert()

	assert.True(t, s.Journal.Range().IsEmpty())
	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, page.Page{}, got)
}

func TestSizeInPagesGrowsMonotonically(t *testing.T) {
	s := newTestStorage(t)
	size, err := s.SizeInPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), size)

	require.NoError(t, s.WritePage(0, mkPage(0x00)))
	size, err = s.SizeInPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), size)

	require.NoError(t, s.WritePage(9, mkPage(0x09)))
	size, err = s.SizeInPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), size)

	_, _, err = s.Commit()
	require.NoError(t, err)

	size, err = s.SizeInPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), size)
}

func TestFileChangeCounterFlipsOnEachPage0Read(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(0, mkPage(0x00)))

	p1, err := s.ReadPage(0)
	require.NoError(t, err)
	p2, err := s.ReadPage(0)
	require.NoError(t, err)

	c1 := p1[fileChangeCounterOffset : fileChangeCounterOffset+4]
	c2 := p2[fileChangeCounterOffset : fileChangeCounterOffset+4]
	assert.NotEqual(t, c1, c2)
}

func TestFileChangeCounterDoesNotAffectOtherPages(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.WritePage(1, mkPage(0x11)))

	p1, err := s.ReadPage(1)
	require.NoError(t, err)
	p2, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestSyncReceiveRequiresPrecedingRevert(t *testing.T) {
	id := journal.NewId()
	srcJ, err := journal.Open(afero.NewMemMapFs(), "/src", id)
	require.NoError(t, err)
	src, err := New(srcJ, 16)
	require.NoError(t, err)
	require.NoError(t, src.WritePage(1, mkPage(0x01)))
	_, _, err = src.Commit()
	require.NoError(t, err)

	dstJ, err := journal.Open(afero.NewMemMapFs(), "/dst", id)
	require.NoError(t, err)
	dst, err := New(dstJ, 16)
	require.NoError(t, err)

	// A stale pending write would shadow the synced committed page if
	// Revert were skipped.
	require.NoError(t, dst.WritePage(1, mkPage(0xff)))
	dst.Revert()

	partial, err := srcJ.SyncPrepare(dstJ.SyncRequest(10))
	require.NoError(t, err)
	require.NotNil(t, partial)

	_, err = dst.SyncReceive(partial)
	require.NoError(t, err)

	got, err := dst.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0x01), got)
}

func TestTransactionBrackets(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.BeginTransaction())
	assert.Error(t, s.BeginTransaction())

	require.NoError(t, s.WritePage(1, mkPage(0x01)))
	require.NoError(t, s.RollbackTransaction())

	got, err := s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, page.Page{}, got)

	require.NoError(t, s.BeginTransaction())
	require.NoError(t, s.WritePage(1, mkPage(0x02)))
	require.NoError(t, s.CommitTransaction())

	got, err = s.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, mkPage(0x02), got)
}
