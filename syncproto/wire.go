// Package syncproto implements the coordinator wire protocol: length-
// framed binary messages exchanged between one client Document and one
// coordinator Document over a shared JournalId (spec §4.5, §6).
package syncproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/orbitinghail/sqlsync/journal"
	"github.com/orbitinghail/sqlsync/lsn"
)

// Tag identifies a message's wire type.
type Tag byte

const (
	TagOpen             Tag = 0x01
	TagTimelineRangeAck Tag = 0x02
	TagTimelineSync     Tag = 0x03
	TagTimelineSyncAck  Tag = 0x04
	TagStorageRequest   Tag = 0x05
	TagStorageSync      Tag = 0x06
	TagChangeAvailable  Tag = 0x07
	TagError            Tag = 0xFE
)

// Message is satisfied by every wire message type; Tag identifies which
// one, and encodeBody/decodeBody (un)marshal its payload.
type Message interface {
	Tag() Tag
	encodeBody(w *bytes.Buffer)
	decodeBody(r *bytes.Reader) error
}

// Open declares interest in a document on link establishment.
type Open struct {
	DocId         journal.Id
	TimelineId    journal.Id
	StorageRange  lsn.Range
}

func (m *Open) Tag() Tag { return TagOpen }
func (m *Open) encodeBody(w *bytes.Buffer) {
	writeId(w, m.DocId)
	writeId(w, m.TimelineId)
	writeRange(w, m.StorageRange)
}
func (m *Open) decodeBody(r *bytes.Reader) (err error) {
	if m.DocId, err = readId(r); err != nil {
		return err
	}
	if m.TimelineId, err = readId(r); err != nil {
		return err
	}
	m.StorageRange, err = readRange(r)
	return err
}

// TimelineRangeAck informs the client of the coordinator's current
// timeline range.
type TimelineRangeAck struct {
	TimelineId journal.Id
	Range      lsn.Range
}

func (m *TimelineRangeAck) Tag() Tag { return TagTimelineRangeAck }
func (m *TimelineRangeAck) encodeBody(w *bytes.Buffer) {
	writeId(w, m.TimelineId)
	writeRange(w, m.Range)
}
func (m *TimelineRangeAck) decodeBody(r *bytes.Reader) (err error) {
	if m.TimelineId, err = readId(r); err != nil {
		return err
	}
	m.Range, err = readRange(r)
	return err
}

// TimelineSync carries timeline entries from client to coordinator.
type TimelineSync struct {
	Partial *journal.Partial
}

func (m *TimelineSync) Tag() Tag { return TagTimelineSync }
func (m *TimelineSync) encodeBody(w *bytes.Buffer) { writePartial(w, m.Partial) }
func (m *TimelineSync) decodeBody(r *bytes.Reader) (err error) {
	m.Partial, err = readPartial(r)
	return err
}

// TimelineSyncAck confirms receipt and reports the coordinator's new
// range for the timeline.
type TimelineSyncAck struct {
	TimelineId journal.Id
	NewRange   lsn.Range
}

func (m *TimelineSyncAck) Tag() Tag { return TagTimelineSyncAck }
func (m *TimelineSyncAck) encodeBody(w *bytes.Buffer) {
	writeId(w, m.TimelineId)
	writeRange(w, m.NewRange)
}
func (m *TimelineSyncAck) decodeBody(r *bytes.Reader) (err error) {
	if m.TimelineId, err = readId(r); err != nil {
		return err
	}
	m.NewRange, err = readRange(r)
	return err
}

// StorageRequest asks the coordinator for entries at or after Request.
type StorageRequest struct {
	Request lsn.RequestedRange
}

func (m *StorageRequest) Tag() Tag { return TagStorageRequest }
func (m *StorageRequest) encodeBody(w *bytes.Buffer) { writeRequestedRange(w, m.Request) }
func (m *StorageRequest) decodeBody(r *bytes.Reader) (err error) {
	m.Request, err = readRequestedRange(r)
	return err
}

// StorageSync carries storage-journal entries from coordinator to client.
type StorageSync struct {
	Partial *journal.Partial
}

func (m *StorageSync) Tag() Tag { return TagStorageSync }
func (m *StorageSync) encodeBody(w *bytes.Buffer) { writePartial(w, m.Partial) }
func (m *StorageSync) decodeBody(r *bytes.Reader) (err error) {
	m.Partial, err = readPartial(r)
	return err
}

// ChangeAvailable is pushed to connected clients after a storage commit.
type ChangeAvailable struct {
	DocId journal.Id
}

func (m *ChangeAvailable) Tag() Tag { return TagChangeAvailable }
func (m *ChangeAvailable) encodeBody(w *bytes.Buffer) { writeId(w, m.DocId) }
func (m *ChangeAvailable) decodeBody(r *bytes.Reader) (err error) {
	m.DocId, err = readId(r)
	return err
}

// Error codes carried by an Error message. CodeProtocolError closes the
// link; CodeReducerFailed reports a single mutation's failure and does
// not.
const (
	CodeProtocolError uint16 = 1
	CodeReducerFailed uint16 = 2
)

// Error reports a failure to the peer. Whether it is fatal to the link
// depends on Code: see CodeProtocolError and CodeReducerFailed.
type Error struct {
	Code    uint16
	Message string
}

func (m *Error) Tag() Tag { return TagError }
func (m *Error) encodeBody(w *bytes.Buffer) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], m.Code)
	w.Write(buf[:])
	writeBytes(w, []byte(m.Message))
}
func (m *Error) decodeBody(r *bytes.Reader) error {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	m.Code = binary.LittleEndian.Uint16(buf[:])
	b, err := readBytes(r)
	if err != nil {
		return err
	}
	m.Message = string(b)
	return nil
}

// --- low-level field codecs ---

func writeId(w *bytes.Buffer, id journal.Id) { w.Write(id[:]) }

func readId(r *bytes.Reader) (journal.Id, error) {
	var id journal.Id
	_, err := io.ReadFull(r, id[:])
	return id, err
}

func writeUvarint(w *bytes.Buffer, v uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	w.Write(buf[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeU64(w *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeBytes(w *bytes.Buffer, b []byte) {
	writeUvarint(w, uint64(len(b)))
	w.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeRange encodes an lsn.Range as: empty(bool byte), then either
// nextlsn(u64) if empty, or first(u64)+last(u64) if not.
func writeRange(w *bytes.Buffer, r lsn.Range) {
	if r.IsEmpty() {
		w.WriteByte(1)
		writeU64(w, r.Next())
		return
	}
	w.WriteByte(0)
	first, _ := r.First()
	last, _ := r.Last()
	writeU64(w, first)
	writeU64(w, last)
}

func readRange(r *bytes.Reader) (lsn.Range, error) {
	empty, err := r.ReadByte()
	if err != nil {
		return lsn.Range{}, err
	}
	if empty == 1 {
		next, err := readU64(r)
		if err != nil {
			return lsn.Range{}, err
		}
		return lsn.EmptyAt(next), nil
	}
	first, err := readU64(r)
	if err != nil {
		return lsn.Range{}, err
	}
	last, err := readU64(r)
	if err != nil {
		return lsn.Range{}, err
	}
	return lsn.New(first, last), nil
}

func writeRequestedRange(w *bytes.Buffer, req lsn.RequestedRange) {
	writeU64(w, req.First)
	writeUvarint(w, uint64(req.Max))
}

func readRequestedRange(r *bytes.Reader) (lsn.RequestedRange, error) {
	first, err := readU64(r)
	if err != nil {
		return lsn.RequestedRange{}, err
	}
	max, err := readUvarint(r)
	if err != nil {
		return lsn.RequestedRange{}, err
	}
	return lsn.RequestedRange{First: first, Max: int(max)}, nil
}

// writePartial encodes journal_id, first_lsn(u64), entry_count(varint),
// then each entry as length(varint), bytes[length], per spec §6.
func writePartial(w *bytes.Buffer, p *journal.Partial) {
	writeId(w, p.JournalId)
	writeU64(w, p.First)
	writeUvarint(w, uint64(len(p.Entries)))
	for _, e := range p.Entries {
		writeBytes(w, e)
	}
}

func readPartial(r *bytes.Reader) (*journal.Partial, error) {
	id, err := readId(r)
	if err != nil {
		return nil, err
	}
	first, err := readU64(r)
	if err != nil {
		return nil, err
	}
	count, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	p := &journal.Partial{JournalId: id, First: first}
	for i := uint64(0); i < count; i++ {
		entry, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

// Encode serializes msg as a length-prefixed frame: length(u32 LE) of
// everything that follows, tag byte, then the message body.
func Encode(w io.Writer, msg Message) error {
	var body bytes.Buffer
	body.WriteByte(byte(msg.Tag()))
	msg.encodeBody(&body)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "syncproto.Encode: writing frame length")
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return errors.Wrap(err, "syncproto.Encode: writing frame body")
	}
	return nil
}

// MaxFrameSize bounds a single decoded frame, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20

// Decode reads one length-framed message from r.
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, errors.New("syncproto.Decode: empty frame")
	}
	if n > MaxFrameSize {
		return nil, errors.Errorf("syncproto.Decode: frame size %d exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	br := bytes.NewReader(body)
	tagByte, err := br.ReadByte()
	if err != nil {
		return nil, err
	}

	msg, err := newMessage(Tag(tagByte))
	if err != nil {
		return nil, err
	}
	if err := msg.decodeBody(br); err != nil {
		return nil, errors.Wrapf(err, "syncproto.Decode: decoding %T body", msg)
	}
	return msg, nil
}

func newMessage(tag Tag) (Message, error) {
	switch tag {
	case TagOpen:
		return &Open{}, nil
	case TagTimelineRangeAck:
		return &TimelineRangeAck{}, nil
	case TagTimelineSync:
		return &TimelineSync{}, nil
	case TagTimelineSyncAck:
		return &TimelineSyncAck{}, nil
	case TagStorageRequest:
		return &StorageRequest{}, nil
	case TagStorageSync:
		return &StorageSync{}, nil
	case TagChangeAvailable:
		return &ChangeAvailable{}, nil
	case TagError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("syncproto: unknown tag 0x%02x", byte(tag))
	}
}
