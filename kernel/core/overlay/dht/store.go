package dht

import (
	"sync"
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

// stored is one announcer of a "what" key, with the time it was last
// (re-)announced.
type stored struct {
	triple   Triple
	lastSeen time.Time
}

// Store holds announcements this node is keeping on behalf of the network:
// for each announced key, the set of nodes that announced it. Entries
// older than AnnounceStorerExpiry are dropped by ExpireOlderThan.
type Store struct {
	mu   sync.Mutex
	data map[identifier.ID][]*stored
}

// NewStore returns an empty announcement store.
func NewStore() *Store {
	return &Store{data: make(map[identifier.ID][]*stored)}
}

// Add records that who announces what, refreshing its timestamp if it was
// already known.
func (s *Store) Add(what identifier.ID, who Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, e := range s.data[what] {
		if e.triple.ID == who.ID {
			e.triple = who
			e.lastSeen = now
			return
		}
	}
	s.data[what] = append(s.data[what], &stored{triple: who, lastSeen: now})
}

// Get returns the known announcers of what.
func (s *Store) Get(what identifier.ID) []Triple {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.data[what]
	out := make([]Triple, len(entries))
	for i, e := range entries {
		out[i] = e.triple
	}
	return out
}

// ExpireOlderThan drops every announcer not refreshed within age.
func (s *Store) ExpireOlderThan(age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for what, entries := range s.data {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.lastSeen) < age {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.data, what)
		} else {
			s.data[what] = kept
		}
	}
}

// SelfAnnouncements tracks the keys the local node itself announces, and
// when each was last sent to the network, so the engine can periodically
// refresh them (AnnounceSelfRefreshAge).
type SelfAnnouncements struct {
	mu   sync.Mutex
	last map[identifier.ID]time.Time
}

// NewSelfAnnouncements returns an empty tracker.
func NewSelfAnnouncements() *SelfAnnouncements {
	return &SelfAnnouncements{last: make(map[identifier.ID]time.Time)}
}

// Touch records that what was just (re-)announced by the local node.
func (s *SelfAnnouncements) Touch(what identifier.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[what] = time.Now()
}

// Stale returns every self-announced key not refreshed within age.
func (s *SelfAnnouncements) Stale(age time.Duration) []identifier.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []identifier.ID
	for what, t := range s.last {
		if now.Sub(t) >= age {
			out = append(out, what)
		}
	}
	return out
}
