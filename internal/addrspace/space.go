// Package addrspace holds the tag table shared by the device model and every
// protocol representation.
package addrspace

import (
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Snapshot is a consistent copy of all tag values at one revision.
type Snapshot struct {
	Revision uint64                 `json:"revision"`
	Values   map[string]types.Value `json:"values"`
	Taken    time.Time              `json:"taken"`
}

// Value liefert den Wert eines Tags aus dem Snapshot
func (s Snapshot) Value(name string) (types.Value, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Names returns the tag names of the snapshot in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Values))
	for name := range s.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type entry struct {
	tag   types.Tag
	value types.Value
}

// Space is the named tag table. All access goes through one lock, so a
// reader never observes a half-applied Commit.
type Space struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	revision uint64

	subMu       sync.RWMutex
	subscribers []chan Snapshot
}

func New() *Space {
	return &Space{
		entries: make(map[string]*entry),
	}
}

// Register fügt ein neues Tag mit Initialwert hinzu
func (s *Space) Register(tag types.Tag, initial types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[tag.Name]; exists {
		return &types.DuplicateTagError{Name: tag.Name}
	}
	if initial.Kind != tag.Kind {
		return &types.TypeMismatchError{Name: tag.Name, Expected: tag.Kind, Got: initial.Kind}
	}

	s.entries[tag.Name] = &entry{tag: tag, value: initial}
	return nil
}

// Read returns the current value and the space revision it was read at.
func (s *Space) Read(name string) (types.Value, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[name]
	if !exists {
		return types.Value{}, 0, &types.UnknownTagError{Name: name}
	}
	return e.value, s.revision, nil
}

// Lookup liefert die Tag-Metadaten
func (s *Space) Lookup(name string) (types.Tag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[name]
	if !exists {
		return types.Tag{}, false
	}
	return e.tag, true
}

// Write stores value and bumps the revision. A value of the wrong kind is
// rejected and the stored value stays untouched.
func (s *Space) Write(name string, value types.Value) (uint64, error) {
	snap, err := s.Commit(map[string]types.Value{name: value})
	if err != nil {
		return 0, err
	}
	return snap.Revision, nil
}

// Commit applies all writes or none of them and returns the resulting snapshot.
// The revision is incremented once per written tag.
func (s *Space) Commit(writes map[string]types.Value) (Snapshot, error) {
	s.mu.Lock()

	for name, value := range writes {
		e, exists := s.entries[name]
		if !exists {
			s.mu.Unlock()
			return Snapshot{}, &types.UnknownTagError{Name: name}
		}
		if value.Kind != e.tag.Kind {
			s.mu.Unlock()
			return Snapshot{}, &types.TypeMismatchError{Name: name, Expected: e.tag.Kind, Got: value.Kind}
		}
	}

	for name, value := range writes {
		s.entries[name].value = value
		s.revision++
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.broadcast(snap)
	return snap, nil
}

// Snapshot returns a consistent copy of every tag.
func (s *Space) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Space) snapshotLocked() Snapshot {
	values := make(map[string]types.Value, len(s.entries))
	for name, e := range s.entries {
		values[name] = e.value
	}
	return Snapshot{
		Revision: s.revision,
		Values:   values,
		Taken:    time.Now(),
	}
}

// Revision liefert die aktuelle Revision
func (s *Space) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Tags lists the registered tags sorted by name.
func (s *Space) Tags() []types.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]types.Tag, 0, len(s.entries))
	for _, e := range s.entries {
		tags = append(tags, e.tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}

// Subscribe returns a channel receiving a snapshot after every write.
// Slow subscribers miss snapshots instead of blocking writers.
func (s *Space) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()

	return ch
}

func (s *Space) Unsubscribe(ch <-chan Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

func (s *Space) broadcast(snap Snapshot) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// Channel voll, überspringen
		}
	}
}
