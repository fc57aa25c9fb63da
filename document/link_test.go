package document

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/reducerhost"
	"github.com/orbitinghail/sqlsync/syncproto"
)

// TestOpenHandshakeAcksCurrentTimelineRange exercises the first leg of
// HandleLink end to end over a real net.Pipe, without exercising the full
// long-lived read/write pumps.
func TestOpenHandshakeAcksCurrentTimelineRange(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	timelineId := journal.NewId()

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.HandleLink(ctx, serverConn) }()

	require.NoError(t, syncproto.Encode(clientConn, &syncproto.Open{
		DocId:        coord.id,
		TimelineId:   timelineId,
		StorageRange: coord.storage.Journal.Range(),
	}))

	msg, err := syncproto.Decode(clientConn)
	require.NoError(t, err)
	ack, ok := msg.(*syncproto.TimelineRangeAck)
	require.True(t, ok)
	assert.Equal(t, timelineId, ack.TimelineId)
	assert.True(t, ack.Range.IsEmpty())

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleLink did not return after the client closed its side")
	}
}

// TestHandleLinkReportsMutationFailureWithoutClosingLink exercises a
// coordinator-side reducer failure end to end: the failing client's link
// receives a non-fatal syncproto.Error and the link itself stays open, per
// spec.md §4.3/§7.
func TestHandleLinkReportsMutationFailureWithoutClosingLink(t *testing.T) {
	failing := func(ctx context.Context, tx reducerhost.SQLTx, mutation []byte) error {
		return assert.AnError
	}
	coord, _ := newTestCoordinatorWithReducer(t, failing)
	timelineId := journal.NewId()

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- coord.HandleLink(ctx, serverConn) }()

	require.NoError(t, syncproto.Encode(clientConn, &syncproto.Open{
		DocId:        coord.id,
		TimelineId:   timelineId,
		StorageRange: coord.storage.Journal.Range(),
	}))
	msg, err := syncproto.Decode(clientConn)
	require.NoError(t, err)
	_, ok := msg.(*syncproto.TimelineRangeAck)
	require.True(t, ok)

	require.NoError(t, syncproto.Encode(clientConn, &syncproto.TimelineSync{
		Partial: &journal.Partial{JournalId: timelineId, First: 0, Entries: [][]byte{[]byte("a")}},
	}))
	msg, err = syncproto.Decode(clientConn)
	require.NoError(t, err)
	_, ok = msg.(*syncproto.TimelineSyncAck)
	require.True(t, ok)

	_, applied, err := coord.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)

	msg, err = syncproto.Decode(clientConn)
	require.NoError(t, err)
	errMsg, ok := msg.(*syncproto.Error)
	require.True(t, ok)
	assert.Equal(t, syncproto.CodeReducerFailed, errMsg.Code)

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleLink did not return after the client closed its side")
	}
}
