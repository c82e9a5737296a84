package config

import "fmt"

// arenaInitialCapacity mirrors the source's "doubling, starting at >=
// 4096/entry_size" growth discipline. Go's append() already doubles the
// backing array once capacity is exhausted; pre-sizing to this capacity
// just avoids the first few reallocations for a typical config file.
const arenaInitialCapacity = 4096 / 48

// Arena is an insertion-ordered, append-only sequence of Config Entries.
// Entries are referenced by 1-based Offset; Offset(0) is the sentinel
// "none". See entry.go for the per-entry accessor methods.
type Arena struct {
	entries       []entry
	firstLoadable Offset
	lastLoadable  Offset
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{entries: make([]entry, 0, arenaInitialCapacity)}
}

// Len returns the number of entries appended so far.
func (a *Arena) Len() int { return len(a.entries) }

func (a *Arena) entryAt(off Offset) *entry {
	if off == NoOffset || int(off) > len(a.entries) {
		panic(fmt.Sprintf("config: invalid arena offset %d", off))
	}
	return &a.entries[off-1]
}

// append adds e to the arena and returns its new offset.
func (a *Arena) append(e entry) Offset {
	a.entries = append(a.entries, e)
	return Offset(len(a.entries))
}

// FirstLoadableEntry returns the offset of the first "[name]" header parsed,
// or NoOffset if the file declared none.
func (a *Arena) FirstLoadableEntry() Offset { return a.firstLoadable }

// Find walks the sibling chain starting at scope looking for entries whose
// Key equals key. max, if non-zero, caps how many matches are scanned for
// before returning early (matching find(scope, key, max) from §4.3).
func (a *Arena) Find(scope Offset, key string, max int) (first, last Offset, count int) {
	for cur := scope; cur != NoOffset; cur = a.NextSibling(cur) {
		if a.Key(cur) != key {
			continue
		}
		if count == 0 {
			first = cur
		}
		last = cur
		count++
		if max != 0 && count >= max {
			break
		}
	}
	return first, last, count
}

// ErrDuplicateKey is returned by Get when mustBeUnique is set and more than
// one entry named key exists in scope.
type ErrDuplicateKey struct {
	Key string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("config: key %q is not unique in this scope", e.Key)
}

// Get finds the first occurrence of key in scope. If mustBeUnique is set and
// more than one occurrence exists, it returns ErrDuplicateKey (spec.md's
// "unrecoverable error" for this case — callers that need the hard abort
// route this through their PanicSink; Get itself never panics). ok is false
// when key is absent.
func (a *Arena) Get(scope Offset, key string, mustBeUnique bool) (off Offset, ok bool, err error) {
	first, _, count := a.Find(scope, key, 2)
	if count == 0 {
		return NoOffset, false, nil
	}
	if mustBeUnique && count > 1 {
		return NoOffset, false, &ErrDuplicateKey{Key: key}
	}
	return first, true, nil
}

// GetLast returns the last occurrence of key in scope.
func (a *Arena) GetLast(scope Offset, key string) (Offset, bool) {
	_, last, count := a.Find(scope, key, 0)
	return last, count > 0
}

// DuplicateIterator walks every occurrence of a key within a scope.
type DuplicateIterator struct {
	a    *Arena
	cur  Offset
	key  string
	done bool
}

// Next advances the iterator, returning the next matching offset and true,
// or (NoOffset, false) once exhausted.
func (it *DuplicateIterator) Next() (Offset, bool) {
	if it.done {
		return NoOffset, false
	}
	for cur := it.cur; cur != NoOffset; cur = it.a.NextSibling(cur) {
		if it.a.Key(cur) == it.key {
			it.cur = it.a.NextSibling(cur)
			return cur, true
		}
	}
	it.done = true
	return NoOffset, false
}

// GetAll returns an iterator over every occurrence of key within scope.
func (a *Arena) GetAll(scope Offset, key string) *DuplicateIterator {
	return &DuplicateIterator{a: a, cur: scope, key: key}
}

// LoadableIterator walks the dedicated loadable-entry chain.
type LoadableIterator struct {
	a   *Arena
	cur Offset
}

// Next advances the iterator, returning the next loadable entry and true,
// or (NoOffset, false) once exhausted.
func (it *LoadableIterator) Next() (Offset, bool) {
	if it.cur == NoOffset {
		return NoOffset, false
	}
	cur := it.cur
	it.cur = it.a.NextLoadableEntry(cur)
	return cur, true
}

// LoadableEntries returns an iterator over every "[name]" header, in file
// order.
func (a *Arena) LoadableEntries() *LoadableIterator {
	return &LoadableIterator{a: a, cur: a.firstLoadable}
}
