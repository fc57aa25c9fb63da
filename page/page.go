// Package page implements the fixed 4096-byte page abstraction and the
// sparse page set which is the payload of one storage-journal entry.
package page

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Size is the fixed byte size of a page, matching SQLite's own page
// convention for the configurations sqlsync supports.
const Size = 4096

// Page is one fixed-size page of the backing database file.
type Page [Size]byte

// Index is the 1-based page number within the database file. Index 0 is
// reserved and never written, matching SQLite's page-numbering convention.
type Index = uint32

// Set is a mapping from Index to Page with no duplicate indices. It is the
// payload of one storage-journal entry: every page dirtied between two
// commits.
type Set struct {
	pages map[Index]Page
	// order is sorted ascending; kept alongside the map so callers that
	// only need the index list don't re-sort on every call.
	order []Index
	dirty bool
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{pages: make(map[Index]Page)}
}

// NumPages returns the number of distinct pages held.
func (s *Set) NumPages() int { return len(s.pages) }

// Clear empties the set in place.
func (s *Set) Clear() {
	s.pages = make(map[Index]Page)
	s.order = nil
	s.dirty = false
}

// Write inserts or replaces the page at idx.
func (s *Set) Write(idx Index, p Page) {
	if s.pages == nil {
		s.pages = make(map[Index]Page)
	}
	if _, exists := s.pages[idx]; !exists {
		s.dirty = true
	}
	s.pages[idx] = p
}

// Read returns the page at idx, if present.
func (s *Set) Read(idx Index) (Page, bool) {
	p, ok := s.pages[idx]
	return p, ok
}

// MaxIndex returns the largest index held, or (0, false) if empty.
func (s *Set) MaxIndex() (Index, bool) {
	if len(s.pages) == 0 {
		return 0, false
	}
	idxs := s.sortedIndices()
	return idxs[len(idxs)-1], true
}

// Indices returns the held page indices in ascending order.
func (s *Set) Indices() []Index {
	idxs := s.sortedIndices()
	out := make([]Index, len(idxs))
	copy(out, idxs)
	return out
}

func (s *Set) sortedIndices() []Index {
	if !s.dirty && s.order != nil {
		return s.order
	}
	idxs := make([]Index, 0, len(s.pages))
	for idx := range s.pages {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	s.order = idxs
	s.dirty = false
	return idxs
}

// Encode serializes the set to w as:
//
//	page_count(uvarint)
//	for each page, sorted ascending by index:
//	  page_index(u32 little-endian)
//	  page_bytes([Size]byte)
//
// Keeping sorted order is load-bearing: it lets a reader binary-search
// inside an encoded entry without materializing the whole thing (see
// Reader.Find).
func (s *Set) Encode(w io.Writer) error {
	idxs := s.sortedIndices()

	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(idxs)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("encoding page count: %w", err)
	}

	var idxBuf [4]byte
	for _, idx := range idxs {
		binary.LittleEndian.PutUint32(idxBuf[:], idx)
		if _, err := w.Write(idxBuf[:]); err != nil {
			return fmt.Errorf("encoding page index %d: %w", idx, err)
		}
		p := s.pages[idx]
		if _, err := w.Write(p[:]); err != nil {
			return fmt.Errorf("encoding page %d: %w", idx, err)
		}
	}
	return nil
}

// Decode parses the Encode wire format from r into a new Set. It rejects a
// set with a duplicate or out-of-order index, since that can never have been
// produced by Encode and indicates a corrupt or hostile payload.
func Decode(r io.Reader) (*Set, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufReader{r}
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("decoding page count: %w", err)
	}

	s := NewSet()
	var lastIdx Index
	var haveLast bool
	var idxBuf [4]byte
	var p Page
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, idxBuf[:]); err != nil {
			return nil, fmt.Errorf("decoding page index %d: %w", i, err)
		}
		idx := binary.LittleEndian.Uint32(idxBuf[:])
		if haveLast && idx <= lastIdx {
			return nil, fmt.Errorf("page.Decode: out-of-order or duplicate page index %d", idx)
		}
		lastIdx, haveLast = idx, true

		if _, err := io.ReadFull(r, p[:]); err != nil {
			return nil, fmt.Errorf("decoding page %d bytes: %w", idx, err)
		}
		s.pages[idx] = p
	}
	return s, nil
}

// bufReader adapts an io.Reader lacking ReadByte, for binary.ReadUvarint.
type bufReader struct{ io.Reader }

func (b bufReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Reader finds a single page's bytes inside an Encode-d blob without
// decoding the whole thing, via binary search over the sorted index header.
type Reader struct {
	data  []byte
	count int
}

// NewReader wraps an Encode-d byte slice for random-access page lookup.
func NewReader(data []byte) (*Reader, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("page.NewReader: reading count: %w", err)
	}
	headerLen := len(data) - r.Len()
	return &Reader{data: data[headerLen:], count: int(count)}, nil
}

const recordSize = 4 + Size

// Find returns the bytes of the page at idx, or (nil, false) if absent.
func (r *Reader) Find(idx Index) ([]byte, bool) {
	lo, hi := 0, r.count
	for lo < hi {
		mid := lo + (hi-lo)/2
		off := mid * recordSize
		midIdx := binary.LittleEndian.Uint32(r.data[off : off+4])
		switch {
		case midIdx == idx:
			return r.data[off+4 : off+4+Size], true
		case midIdx < idx:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false
}

// MaxIndex returns the largest page index present, or (0, false) if empty.
func (r *Reader) MaxIndex() (Index, bool) {
	if r.count == 0 {
		return 0, false
	}
	off := (r.count - 1) * recordSize
	return binary.LittleEndian.Uint32(r.data[off : off+4]), true
}
