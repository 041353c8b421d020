// Package state owns the per-capability ephemeral state shared by the write,
// read and debounce paths: the in-flight write flag, the read generation used
// to reject stale responses, the current value and the debounce counter.
//
// Every operation on a key is atomic. Different keys never contend beyond the
// short lookup of their entry.
package state

import (
	"reflect"
	"sync"
	"time"

	"meshcoord/internal/domain"
)

type entry struct {
	mu sync.Mutex

	// writes counts writes in flight; two can overlap when a newer write
	// for the key is picked up by another worker.
	writes int
	// writeSeq numbers writes in the order they begin; only the newest may
	// record its value.
	writeSeq    uint64
	readStarted time.Time
	// generation advances whenever a read or write starts; a read response
	// is only current if nothing started after it.
	generation uint64

	current domain.Value
	known   bool
	source  domain.Source
	pending int
}

type Snapshot struct {
	InFlightWrite     bool          `json:"in_flight_write"`
	LastReadStartedAt time.Time     `json:"last_read_started_at"`
	Value             domain.Value  `json:"value"`
	Known             bool          `json:"known"`
	Source            domain.Source `json:"source,omitempty"`
	Pending           int           `json:"pending"`
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entry(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

func (s *Store) with(key string, fn func(e *entry)) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// BeginWrite marks a write in flight and supersedes any outstanding read.
// The returned sequence number identifies the write to ObserveWrite.
func (s *Store) BeginWrite(key string) (seq uint64) {
	s.with(key, func(e *entry) {
		e.writes++
		e.generation++
		e.writeSeq++
		seq = e.writeSeq
	})
	return seq
}

func (s *Store) EndWrite(key string) {
	s.with(key, func(e *entry) {
		if e.writes > 0 {
			e.writes--
		}
	})
}

func (s *Store) WriteInFlight(key string) (inFlight bool) {
	s.with(key, func(e *entry) { inFlight = e.writes > 0 })
	return inFlight
}

// BeginRead records a read started at `at` and returns its generation. It
// refuses to start while a write is in flight.
func (s *Store) BeginRead(key string, at time.Time) (gen uint64, ok bool) {
	s.with(key, func(e *entry) {
		if e.writes > 0 {
			return
		}
		e.generation++
		e.readStarted = at
		gen, ok = e.generation, true
	})
	return gen, ok
}

// AcceptRead reports whether the response of read gen is still current.
func (s *Store) AcceptRead(key string, gen uint64) (ok bool) {
	s.with(key, func(e *entry) { ok = e.writes == 0 && e.generation == gen })
	return ok
}

// ObserveRead is Observe for the response of read gen: the value is only
// stored if the read is still current.
func (s *Store) ObserveRead(key string, gen uint64, v domain.Value) (accepted, changed bool) {
	s.with(key, func(e *entry) {
		if e.writes > 0 || e.generation != gen {
			return
		}
		accepted = true
		changed = e.observe(v, domain.SourceReport)
	})
	return accepted, changed
}

// ObserveWrite records the value applied by write seq unless a newer write
// has begun for the key since.
func (s *Store) ObserveWrite(key string, seq uint64, v domain.Value) (accepted, changed bool) {
	s.with(key, func(e *entry) {
		if e.writeSeq != seq {
			return
		}
		accepted = true
		changed = e.observe(v, domain.SourceSet)
	})
	return accepted, changed
}

// Observe stores v as the current value. It reports whether v differs from
// the previous value, in which case a debounce slot is taken.
func (s *Store) Observe(key string, v domain.Value, src domain.Source) (changed bool) {
	s.with(key, func(e *entry) { changed = e.observe(v, src) })
	return changed
}

func (e *entry) observe(v domain.Value, src domain.Source) bool {
	changed := !e.known || !reflect.DeepEqual(e.current, v)
	e.current, e.known = v, true
	if changed {
		e.source = src
		e.pending++
	}
	return changed
}

// Settle gives back one debounce slot. fire is true for the call that brings
// the counter back to zero, together with the latest value and its source.
func (s *Store) Settle(key string) (v domain.Value, src domain.Source, fire bool) {
	s.with(key, func(e *entry) {
		if e.pending == 0 {
			return
		}
		e.pending--
		if e.pending == 0 {
			v, src, fire = e.current, e.source, true
		}
	})
	return v, src, fire
}

func (s *Store) Value(key string) (v domain.Value, known bool) {
	s.with(key, func(e *entry) { v, known = e.current, e.known })
	return v, known
}

func (s *Store) Snapshot(key string) (snap Snapshot) {
	s.with(key, func(e *entry) {
		snap = Snapshot{
			InFlightWrite:     e.writes > 0,
			LastReadStartedAt: e.readStarted,
			Value:             e.current,
			Known:             e.known,
			Source:            e.source,
			Pending:           e.pending,
		}
	})
	return snap
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
