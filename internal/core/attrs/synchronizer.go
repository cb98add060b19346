package attrs

import (
	"github.com/hay-kot/huddle/internal/core/event"
	"github.com/hay-kot/huddle/internal/core/router"
)

// Scheduler runs work once the current turn has settled. *loop.Loop satisfies
// it.
type Scheduler interface {
	Defer(fn func())
}

// Synchronizer owns an attribute bag and reports local mutations as
// changesets.
//
// While watching, every mutation marks the bag dirty and schedules a flush at
// the end of the turn; the flush diffs the bag against the snapshot taken at
// the previous flush, so any number of mutations in one turn produce at most
// one change event and a value set back to its original within the turn
// produces none. Changesets received from peers are applied with ApplyRemote,
// which stops watching around the apply so they are never echoed back.
type Synchronizer struct {
	sched Scheduler

	values   Bag
	base     Bag
	watching bool
	pending  bool
	readOnly bool

	changed event.Emitter[Changeset]
}

// NewSynchronizer creates a watching synchronizer seeded with initial. A nil
// sched flushes synchronously after every mutation.
func NewSynchronizer(sched Scheduler, initial Bag) *Synchronizer {
	values := initial.Clone()
	if values == nil {
		values = Bag{}
	}
	s := &Synchronizer{
		sched:  sched,
		values: values,
	}
	s.StartWatching()
	return s
}

// OnChange registers fn for every emitted changeset.
func (s *Synchronizer) OnChange(fn func(Changeset)) router.Token {
	return s.changed.On(fn)
}

// OffChange removes a handler registered with OnChange.
func (s *Synchronizer) OffChange(tok router.Token) {
	s.changed.Off(tok)
}

// Get returns the value stored under key.
func (s *Synchronizer) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Values returns a copy of the bag.
func (s *Synchronizer) Values() Bag {
	return s.values.Clone()
}

// Len returns the number of attributes.
func (s *Synchronizer) Len() int {
	return len(s.values)
}

// SetReadOnly makes Set, Update, Delete and Replace no-ops. Remote
// changesets are still applied.
func (s *Synchronizer) SetReadOnly(readOnly bool) {
	s.readOnly = readOnly
}

// ReadOnly reports whether local mutations are ignored.
func (s *Synchronizer) ReadOnly() bool {
	return s.readOnly
}

// Set stores value under key.
func (s *Synchronizer) Set(key string, value any) {
	if s.readOnly {
		return
	}
	s.values[key] = Clone(value)
	s.touch()
}

// Update stores every entry of bag, leaving other keys untouched.
func (s *Synchronizer) Update(bag Bag) {
	if s.readOnly {
		return
	}
	for k, v := range bag {
		s.values[k] = Clone(v)
	}
	s.touch()
}

// Delete removes key.
func (s *Synchronizer) Delete(key string) {
	if s.readOnly {
		return
	}
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.touch()
}

// Replace swaps the whole bag for bag. The emitted changeset is a real diff:
// keys whose values are unchanged are not reported.
func (s *Synchronizer) Replace(bag Bag) {
	if s.readOnly {
		return
	}
	s.values = bag.Clone()
	if s.values == nil {
		s.values = Bag{}
	}
	s.touch()
}

// Watching reports whether mutations are being observed.
func (s *Synchronizer) Watching() bool {
	return s.watching
}

// StartWatching begins observing mutations. The current bag becomes the
// baseline, so mutations made while not watching are never reported.
// Calling it while already watching does nothing.
func (s *Synchronizer) StartWatching() {
	if s.watching {
		return
	}
	s.base = s.values.Clone()
	s.watching = true
}

// StopWatching stops observing mutations. Mutations pending from the current
// turn are flushed first so they are not lost.
func (s *Synchronizer) StopWatching() {
	if !s.watching {
		return
	}
	s.Flush()
	s.watching = false
}

// ApplyChangeset merges cs into the bag without diffing. Use it between
// StopWatching and StartWatching, or call ApplyRemote.
func (s *Synchronizer) ApplyChangeset(cs Changeset) {
	s.values.Apply(cs)
}

// ApplyRemote applies a changeset received from a peer without reporting it
// as a local change.
func (s *Synchronizer) ApplyRemote(cs Changeset) {
	wasWatching := s.watching
	s.StopWatching()
	s.ApplyChangeset(cs)
	if wasWatching {
		s.StartWatching()
	}
}

// Flush emits the changes accumulated since the previous flush. It runs
// automatically at the end of the turn in which a mutation happened.
func (s *Synchronizer) Flush() {
	s.pending = false
	if !s.watching {
		return
	}

	cs := Compute(s.base, s.values)
	if cs.IsEmpty() {
		return
	}
	s.base = s.values.Clone()
	s.changed.Emit(cs)
}

func (s *Synchronizer) touch() {
	if !s.watching {
		return
	}
	if s.sched == nil {
		s.Flush()
		return
	}
	if s.pending {
		return
	}
	s.pending = true
	s.sched.Defer(s.Flush)
}
