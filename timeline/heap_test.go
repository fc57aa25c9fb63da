package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
)

func TestPriorityHeapOldestFirst(t *testing.T) {
	idA, idB, idC := journal.NewId(), journal.NewId(), journal.NewId()

	h := &PriorityHeap{}
	Push(h, ReceiveQueueEntry{TimelineId: idA, Range: lsn.New(0, 0), ReceiveTimestamp: 30})
	Push(h, ReceiveQueueEntry{TimelineId: idB, Range: lsn.New(0, 0), ReceiveTimestamp: 10})
	Push(h, ReceiveQueueEntry{TimelineId: idC, Range: lsn.New(0, 0), ReceiveTimestamp: 20})

	first, ok := Pop(h)
	require.True(t, ok)
	assert.Equal(t, idB, first.TimelineId)

	second, ok := Pop(h)
	require.True(t, ok)
	assert.Equal(t, idC, second.TimelineId)

	third, ok := Pop(h)
	require.True(t, ok)
	assert.Equal(t, idA, third.TimelineId)

	_, ok = Pop(h)
	assert.False(t, ok)
}

func TestPriorityHeapTieBreaksOnTimelineId(t *testing.T) {
	var lo, hi journal.Id
	// Construct two ids that differ only in their first byte so ordering
	// is deterministic regardless of how uuid.New() happens to generate
	// the rest.
	for i := range lo {
		lo[i], hi[i] = 0x00, 0x00
	}
	lo[0], hi[0] = 0x01, 0x02

	h := &PriorityHeap{}
	Push(h, ReceiveQueueEntry{TimelineId: hi, ReceiveTimestamp: 100})
	Push(h, ReceiveQueueEntry{TimelineId: lo, ReceiveTimestamp: 100})

	first, ok := Pop(h)
	require.True(t, ok)
	assert.Equal(t, lo, first.TimelineId)
}
