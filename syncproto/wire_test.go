package syncproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))
	got, err := Decode(&buf)
	require.NoError(t, err)
	return got
}

func TestOpenRoundTrip(t *testing.T) {
	msg := &Open{
		DocId:        journal.NewId(),
		TimelineId:   journal.NewId(),
		StorageRange: lsn.New(3, 9),
	}
	got := roundTrip(t, msg).(*Open)
	assert.Equal(t, msg, got)
}

func TestOpenRoundTripWithEmptyRange(t *testing.T) {
	msg := &Open{
		DocId:        journal.NewId(),
		TimelineId:   journal.NewId(),
		StorageRange: lsn.EmptyAt(42),
	}
	got := roundTrip(t, msg).(*Open)
	assert.Equal(t, msg, got)
}

func TestTimelineRangeAckRoundTrip(t *testing.T) {
	msg := &TimelineRangeAck{TimelineId: journal.NewId(), Range: lsn.New(0, 0)}
	got := roundTrip(t, msg).(*TimelineRangeAck)
	assert.Equal(t, msg, got)
}

func TestTimelineSyncRoundTrip(t *testing.T) {
	msg := &TimelineSync{Partial: &journal.Partial{
		JournalId: journal.NewId(),
		First:     5,
		Entries:   [][]byte{[]byte("abc"), []byte(""), []byte("xyz123")},
	}}
	got := roundTrip(t, msg).(*TimelineSync)
	assert.Equal(t, msg.Partial.JournalId, got.Partial.JournalId)
	assert.Equal(t, msg.Partial.First, got.Partial.First)
	assert.Equal(t, msg.Partial.Entries, got.Partial.Entries)
}

func TestStorageRequestRoundTrip(t *testing.T) {
	msg := &StorageRequest{Request: lsn.RequestedRange{First: 7, Max: 100}}
	got := roundTrip(t, msg).(*StorageRequest)
	assert.Equal(t, msg, got)
}

func TestStorageSyncRoundTripEmptyEntries(t *testing.T) {
	msg := &StorageSync{Partial: &journal.Partial{
		JournalId: journal.NewId(),
		First:     0,
		Entries:   nil,
	}}
	got := roundTrip(t, msg).(*StorageSync)
	assert.Equal(t, msg.Partial.JournalId, got.Partial.JournalId)
	assert.Equal(t, msg.Partial.First, got.Partial.First)
	assert.Empty(t, got.Partial.Entries)
}

func TestChangeAvailableRoundTrip(t *testing.T) {
	msg := &ChangeAvailable{DocId: journal.NewId()}
	got := roundTrip(t, msg).(*ChangeAvailable)
	assert.Equal(t, msg, got)
}

func TestErrorRoundTrip(t *testing.T) {
	msg := &Error{Code: 42, Message: "wrong journal"}
	got := roundTrip(t, msg).(*Error)
	assert.Equal(t, msg, got)
}

func TestDecodeUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 0, 0, 0}) // length 1
	buf.WriteByte(0x99)
	_, err := Decode(&buf)
	assert.Error(t, err)
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	buf.Write(lenBuf[:])
	_, err := Decode(&buf)
	assert.Error(t, err)
}

func TestEncodeThenDecodeMultipleFramesOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	first := &ChangeAvailable{DocId: journal.NewId()}
	second := &Error{Code: 1, Message: "boom"}
	require.NoError(t, Encode(&buf, first))
	require.NoError(t, Encode(&buf, second))

	got1, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got1)

	got2, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got2)
}
