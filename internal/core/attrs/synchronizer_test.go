package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualScheduler collects deferred work until the test settles the turn.
type manualScheduler struct {
	queue []func()
}

func (m *manualScheduler) Defer(fn func()) { m.queue = append(m.queue, fn) }

func (m *manualScheduler) settle() {
	for len(m.queue) > 0 {
		q := m.queue
		m.queue = nil
		for _, fn := range q {
			fn()
		}
	}
}

func newWatched(initial Bag) (*Synchronizer, *manualScheduler, *[]Changeset) {
	sched := &manualScheduler{}
	s := NewSynchronizer(sched, initial)
	events := &[]Changeset{}
	s.OnChange(func(cs Changeset) { *events = append(*events, cs) })
	return s, sched, events
}

func TestSynchronizer_BatchesOneTurn(t *testing.T) {
	s, sched, events := newWatched(Bag{})

	s.Set("a", 1)
	s.Set("b", 2)
	assert.Empty(t, *events, "nothing emitted before the turn settles")

	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, Changeset{Changed: map[string]any{"a": 1, "b": 2}}, (*events)[0])
}

func TestSynchronizer_ReplaceWholeBag(t *testing.T) {
	s, sched, events := newWatched(Bag{"x": 1})

	s.Replace(Bag{"y": 2})
	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, Changeset{Changed: map[string]any{"y": 2}, Removed: []string{"x"}}, (*events)[0])
}

func TestSynchronizer_ReplaceReportsOnlyRealChanges(t *testing.T) {
	s, sched, events := newWatched(Bag{"keep": "same", "bump": 1})

	s.Replace(Bag{"keep": "same", "bump": 2})
	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, map[string]any{"bump": 2}, (*events)[0].Changed)
	assert.Empty(t, (*events)[0].Removed)
}

func TestSynchronizer_DiffMinimality(t *testing.T) {
	s, sched, events := newWatched(Bag{"a": 1, "b": map[string]any{"x": 1}, "c": "z"})

	s.Set("c", "changed")
	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, map[string]any{"c": "changed"}, (*events)[0].Changed)
	assert.Empty(t, (*events)[0].Removed)
}

func TestSynchronizer_NoEventForEqualValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Synchronizer)
	}{
		{
			name:   "set to deep-equal value",
			mutate: func(s *Synchronizer) { s.Set("b", map[string]any{"x": 1.0}) },
		},
		{
			name: "set and revert in one turn",
			mutate: func(s *Synchronizer) {
				s.Set("a", 99)
				s.Set("a", 1)
			},
		},
		{
			name:   "delete missing key",
			mutate: func(s *Synchronizer) { s.Delete("missing") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sched, events := newWatched(Bag{"a": 1, "b": map[string]any{"x": 1}})
			tt.mutate(s)
			sched.settle()
			assert.Empty(t, *events)
		})
	}
}

func TestSynchronizer_Delete(t *testing.T) {
	s, sched, events := newWatched(Bag{"a": 1, "b": 2})

	s.Delete("a")
	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, []string{"a"}, (*events)[0].Removed)
	assert.Empty(t, (*events)[0].Changed)
}

func TestSynchronizer_ApplyRemoteIsSilent(t *testing.T) {
	s, sched, events := newWatched(Bag{"a": 1})

	s.ApplyRemote(Changeset{Changed: map[string]any{"b": 2}, Removed: []string{"a"}})
	sched.settle()

	assert.Empty(t, *events)
	assert.Equal(t, Bag{"b": 2}, s.Values())
	assert.True(t, s.Watching())

	// A later local mutation reports only itself, not the remote changes.
	s.Set("c", 3)
	sched.settle()
	require.Len(t, *events, 1)
	assert.Equal(t, Changeset{Changed: map[string]any{"c": 3}}, (*events)[0])
}

func TestSynchronizer_ApplyRemoteKeepsPendingLocalChanges(t *testing.T) {
	s, sched, events := newWatched(Bag{})

	s.Set("local", true)
	s.ApplyRemote(Changeset{Changed: map[string]any{"remote": true}})
	sched.settle()

	require.Len(t, *events, 1)
	assert.Equal(t, Changeset{Changed: map[string]any{"local": true}}, (*events)[0])
}

func TestSynchronizer_NotWatching(t *testing.T) {
	s, sched, events := newWatched(Bag{})

	s.StopWatching()
	s.Set("hidden", 1)
	sched.settle()
	s.StartWatching()
	sched.settle()

	assert.Empty(t, *events)

	v, ok := s.Get("hidden")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSynchronizer_StartWatchingWhileWatching(t *testing.T) {
	s, sched, events := newWatched(Bag{})

	s.Set("a", 1)
	s.StartWatching()
	sched.settle()

	require.Len(t, *events, 1, "pending mutations survive a repeated StartWatching")
	assert.Equal(t, Changeset{Changed: map[string]any{"a": 1}}, (*events)[0])
}

func TestSynchronizer_ReadOnly(t *testing.T) {
	s, sched, events := newWatched(Bag{"x": 1})
	s.SetReadOnly(true)
	require.True(t, s.ReadOnly())

	s.Set("a", 1)
	s.Update(Bag{"b": 2})
	s.Delete("x")
	s.Replace(Bag{})
	sched.settle()

	assert.Empty(t, *events)
	assert.Equal(t, Bag{"x": 1}, s.Values())

	s.ApplyRemote(Changeset{Changed: map[string]any{"y": 2}, Removed: []string{"x"}})
	sched.settle()

	assert.Empty(t, *events)
	assert.Equal(t, Bag{"y": 2}, s.Values())
}

func TestSynchronizer_NilSchedulerFlushesImmediately(t *testing.T) {
	s := NewSynchronizer(nil, nil)
	var events []Changeset
	s.OnChange(func(cs Changeset) { events = append(events, cs) })

	s.Set("a", 1)
	s.Set("b", 2)

	assert.Len(t, events, 2)
}

func TestSynchronizer_OffChange(t *testing.T) {
	sched := &manualScheduler{}
	s := NewSynchronizer(sched, nil)
	calls := 0
	tok := s.OnChange(func(Changeset) { calls++ })
	s.OffChange(tok)

	s.Set("a", 1)
	sched.settle()

	assert.Equal(t, 0, calls)
}

func TestSynchronizer_ValuesAreCopies(t *testing.T) {
	s, _, _ := newWatched(Bag{"list": []any{1}})

	vals := s.Values()
	vals["list"].([]any)[0] = 2

	v, _ := s.Get("list")
	assert.Equal(t, []any{1}, v)
}
