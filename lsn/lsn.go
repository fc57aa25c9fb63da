// Package lsn implements the log sequence number and range arithmetic which
// underpins every journal and sync decision in sqlsync. Constructors and
// some operations (New, Append, ExtendBy, TrimPrefix, Difference) panic on
// arguments that would form an invalid range.
package lsn

import "fmt"

// Lsn is a 64-bit monotonic counter local to one journal. Successive
// journal entries are assigned successive Lsns starting at 0; gaps are
// impossible.
type Lsn = uint64

// MaxLsn is the largest representable Lsn. Appending at MaxLsn is refused
// by journal.Journal, forcing compaction rather than wraparound.
const MaxLsn Lsn = 1<<64 - 1

// Range is a half-open [First, Last+1) window over Lsn space. The empty
// range carries no First; it instead remembers NextLsn, the Lsn a future
// append into this range would be assigned. This mirrors a journal that has
// been entirely compacted away but must still hand out the correct next Lsn.
type Range struct {
	empty   bool
	first   Lsn
	last    Lsn
	nextlsn Lsn
}

// New returns the non-empty range [first, last]. It panics if first > last.
func New(first, last Lsn) Range {
	if first > last {
		panic(fmt.Sprintf("lsn.New: first (%d) must be <= last (%d)", first, last))
	}
	return Range{first: first, last: last}
}

// Empty returns the empty range whose NextLsn is 0.
func Empty() Range {
	return Range{empty: true}
}

// EmptyAt returns the empty range with the given NextLsn.
func EmptyAt(nextlsn Lsn) Range {
	return Range{empty: true, nextlsn: nextlsn}
}

// EmptyFollowing returns an empty range whose NextLsn immediately follows r.
func EmptyFollowing(r Range) Range {
	return EmptyAt(r.Next())
}

// EmptyPreceding returns an empty range whose NextLsn is r's first Lsn
// (or r's own NextLsn, if r is itself empty).
func EmptyPreceding(r Range) Range {
	if r.empty {
		return EmptyAt(r.nextlsn)
	}
	return EmptyAt(r.first)
}

// IsEmpty reports whether the range contains no entries.
func (r Range) IsEmpty() bool { return r.empty }

// Len returns the number of Lsns covered by the range.
func (r Range) Len() int {
	if r.empty {
		return 0
	}
	return int(r.last-r.first) + 1
}

// First returns the range's first Lsn and true, or (0, false) if empty.
func (r Range) First() (Lsn, bool) {
	if r.empty {
		return 0, false
	}
	return r.first, true
}

// Last returns the range's last Lsn and true, or (0, false) if empty.
func (r Range) Last() (Lsn, bool) {
	if r.empty {
		return 0, false
	}
	return r.last, true
}

// Next returns the Lsn a new entry appended to this range would receive.
func (r Range) Next() Lsn {
	if r.empty {
		return r.nextlsn
	}
	return r.last + 1
}

// Contains reports whether lsn falls within the range.
func (r Range) Contains(l Lsn) bool {
	return !r.empty && r.first <= l && l <= r.last
}

// Intersects reports whether the two ranges share any Lsn.
func (r Range) Intersects(o Range) bool {
	if r.empty || o.empty {
		return false
	}
	return r.last >= o.first && r.first <= o.last
}

// ImmediatelyPrecedes reports whether r's Next() equals o's First.
func (r Range) ImmediatelyPrecedes(o Range) bool {
	if o.empty {
		return false
	}
	return r.Next() == o.first
}

// ImmediatelyFollows reports whether o immediately precedes r.
func (r Range) ImmediatelyFollows(o Range) bool {
	return o.ImmediatelyPrecedes(r)
}

// Offset returns the zero-based offset of lsn within the range, or
// (0, false) if lsn is not contained.
func (r Range) Offset(l Lsn) (int, bool) {
	if !r.Contains(l) {
		return 0, false
	}
	return int(l - r.first), true
}

// IntersectionOffsets returns the [start, end) byte-index-style offsets,
// relative to r's own First, of the overlap between r and o.
func (r Range) IntersectionOffsets(o Range) (start, end int) {
	if !r.Intersects(o) {
		return 0, 0
	}
	hi1, hi2 := r.first, o.first
	if hi2 > hi1 {
		hi1 = hi2
	}
	lo1, lo2 := r.last, o.last
	if lo2 < lo1 {
		lo1 = lo2
	}
	return int(hi1 - r.first), int(lo1-r.first) + 1
}

// TrimPrefix returns a new range with all Lsns <= upTo removed.
func (r Range) TrimPrefix(upTo Lsn) Range {
	if r.empty {
		min := r.nextlsn
		if min > 0 {
			min--
		}
		if upTo < min {
			panic(fmt.Sprintf("lsn.TrimPrefix: upTo (%d) must be >= %d", upTo, min))
		}
		return EmptyAt(upTo + 1)
	}
	switch {
	case upTo >= r.last:
		return EmptyAt(upTo + 1)
	case upTo < r.first:
		return r
	default:
		return New(upTo+1, r.last)
	}
}

// advanceFirst increments First, collapsing to empty if the range held a
// single Lsn. Used internally by the forward iterator.
func (r Range) advanceFirst() Range {
	if r.empty {
		return r
	}
	if r.first == r.last {
		return EmptyAt(r.last + 1)
	}
	return New(r.first+1, r.last)
}

// removeLast decrements Last, collapsing to empty if the range held a
// single Lsn. Used internally by the reverse iterator.
func (r Range) removeLast() Range {
	if r.empty {
		return r
	}
	if r.first == r.last {
		return EmptyAt(r.last + 1)
	}
	return New(r.first, r.last-1)
}

// ExtendBy returns a range extended by n entries past its current end.
// n must be > 0.
func (r Range) ExtendBy(n uint64) Range {
	if n == 0 {
		panic("lsn.ExtendBy: n must be > 0")
	}
	if r.empty {
		return New(r.nextlsn, r.nextlsn+n-1)
	}
	return New(r.first, r.last+n)
}

// Append returns a range with l appended. It panics unless l is exactly
// r.Next().
func (r Range) Append(l Lsn) Range {
	if l != r.Next() {
		panic(fmt.Sprintf("lsn.Append: lsn (%d) must be the next lsn (%d)", l, r.Next()))
	}
	if r.empty {
		return New(l, l)
	}
	return New(r.first, l)
}

// Union returns the smallest range covering both r and o's lsns, assuming
// they intersect or are adjacent. It does not validate adjacency; callers
// (journal.Journal.SyncReceive) are expected to have already checked it.
func (r Range) Union(o Range) Range {
	if r.empty {
		return o
	}
	if o.empty {
		return r
	}
	first, last := r.first, r.last
	if o.first < first {
		first = o.first
	}
	if o.last > last {
		last = o.last
	}
	return New(first, last)
}

// Intersect returns the overlap between r and o. If the result would be
// empty, its NextLsn immediately follows r.
func (r Range) Intersect(o Range) Range {
	if r.empty {
		return r
	}
	if o.empty {
		return EmptyAt(r.last + 1)
	}
	if !r.Intersects(o) {
		return EmptyAt(r.last + 1)
	}
	first, last := r.first, r.last
	if o.first > first {
		first = o.first
	}
	if o.last < last {
		last = o.last
	}
	return New(first, last)
}

// Difference returns r minus o (the Lsns in r not covered by o). If the
// result would be empty, its NextLsn immediately follows r. Difference
// panics if o falls strictly within the interior of r, since that would
// produce a disjoint (non-contiguous) result that Range cannot represent.
func (r Range) Difference(o Range) Range {
	if r.empty || o.empty {
		return r
	}
	switch {
	case o.last < r.first || o.first > r.last:
		return r
	case o.first <= r.first && o.last >= r.last:
		return EmptyAt(r.last + 1)
	case o.first <= r.first:
		return New(o.last+1, r.last)
	case o.last >= r.last:
		return New(r.first, o.first-1)
	default:
		panic("lsn.Difference: result is a disjoint range")
	}
}

func (r Range) String() string {
	if r.empty {
		return fmt.Sprintf("Range::Empty(%d)", r.nextlsn)
	}
	return fmt.Sprintf("Range(%d, %d)", r.first, r.last)
}

// RequestedRange is a request for up to Max entries beginning at First,
// as produced by Journal.SyncRequest.
type RequestedRange struct {
	First Lsn
	Max   int
}

// Satisfy returns the sub-range of r that answers req, bounded by req.Max
// entries, or false if r holds nothing at or after req.First.
func (r Range) Satisfy(req RequestedRange) (Range, bool) {
	if r.empty {
		return Range{}, false
	}
	first := req.First
	if first < r.first {
		first = r.first
	}
	if first > r.last {
		return Range{}, false
	}
	last := r.last
	if req.Max > 0 && uint64(req.Max-1) < last-first {
		last = first + Lsn(req.Max-1)
	}
	return New(first, last), true
}
