package timeline

import (
	"bytes"
	"container/heap"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
)

// ReceiveQueueEntry is one pending unit of coordinator work: a timeline
// that has received a sync partial and is waiting to be applied.
type ReceiveQueueEntry struct {
	TimelineId       journal.Id
	Range            lsn.Range
	ReceiveTimestamp int64
}

// less reports whether a should be applied before b: oldest
// ReceiveTimestamp first, lower TimelineId breaking ties, per spec §4.4.
func (a ReceiveQueueEntry) less(b ReceiveQueueEntry) bool {
	if a.ReceiveTimestamp != b.ReceiveTimestamp {
		return a.ReceiveTimestamp < b.ReceiveTimestamp
	}
	return bytes.Compare(a.TimelineId[:], b.TimelineId[:]) < 0
}

// PriorityHeap is a container/heap.Interface giving oldest-arrival
// priority across many clients' timelines, grounded on the coordinator's
// binary heap of receive-queue entries.
type PriorityHeap []ReceiveQueueEntry

func (h PriorityHeap) Len() int            { return len(h) }
func (h PriorityHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h PriorityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }

func (h *PriorityHeap) Push(x any) {
	*h = append(*h, x.(ReceiveQueueEntry))
}

func (h *PriorityHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

var _ heap.Interface = (*PriorityHeap)(nil)

// Push pushes entry onto h via container/heap, restoring heap order.
func Push(h *PriorityHeap, entry ReceiveQueueEntry) {
	heap.Push(h, entry)
}

// Pop removes and returns the highest-priority entry, or (zero, false) if
// h is empty.
func Pop(h *PriorityHeap) (ReceiveQueueEntry, bool) {
	if h.Len() == 0 {
		return ReceiveQueueEntry{}, false
	}
	return heap.Pop(h).(ReceiveQueueEntry), true
}
