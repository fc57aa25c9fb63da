package lsn

// Iter is a double-ended iterator over the Lsns of a Range.
type Iter struct {
	remaining Range
}

// Iter returns a forward/reverse iterator over r's Lsns.
func (r Range) Iter() *Iter {
	return &Iter{remaining: r}
}

// Next returns the next Lsn in ascending order, or (0, false) when exhausted.
func (it *Iter) Next() (Lsn, bool) {
	first, ok := it.remaining.First()
	it.remaining = it.remaining.advanceFirst()
	return first, ok
}

// Prev returns the next Lsn in descending order, or (0, false) when exhausted.
func (it *Iter) Prev() (Lsn, bool) {
	last, ok := it.remaining.Last()
	it.remaining = it.remaining.removeLast()
	return last, ok
}
