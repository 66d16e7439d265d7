package memory

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/JakeFAU/hnsnap/internal/hn"
)

var (
	// ErrNotClaimed is returned when a record is stored without a prior claim.
	ErrNotClaimed = errors.New("record was not claimed")
	// ErrAlreadyStored is returned when a key already holds a record.
	ErrAlreadyStored = errors.New("record already stored")
)

// CrawlState owns the claimed key set and the key to record map of one run.
// Claimed keys that never receive a record stay claimed.
type CrawlState struct {
	mu      sync.Mutex
	claimed map[hn.Key]struct{}
	records map[hn.Key]hn.Record
}

// NewCrawlState creates an empty state.
func NewCrawlState() *CrawlState {
	return &CrawlState{
		claimed: make(map[hn.Key]struct{}),
		records: make(map[hn.Key]hn.Record),
	}
}

// Claim marks key as owned and reports true only for the first caller.
func (s *CrawlState) Claim(key hn.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[key]; ok {
		return false
	}
	s.claimed[key] = struct{}{}
	return true
}

// Seen reports whether key has already been claimed.
func (s *CrawlState) Seen(key hn.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimed[key]
	return ok
}

// Put stores rec under its key.
func (s *CrawlState) Put(rec hn.Record) error {
	key := rec.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[key]; !ok {
		return fmt.Errorf("put %s: %w", key, ErrNotClaimed)
	}
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("put %s: %w", key, ErrAlreadyStored)
	}
	s.records[key] = rec
	return nil
}

// Get returns the record stored under key.
func (s *CrawlState) Get(key hn.Key) (hn.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Size reports the number of stored records.
func (s *CrawlState) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Claimed reports the number of claimed keys, stored or not.
func (s *CrawlState) Claimed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claimed)
}

// Counts splits Size by id space.
func (s *CrawlState) Counts() (items, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.Space == hn.SpaceUser {
			users++
		} else {
			items++
		}
	}
	return items, users
}

// Snapshot returns the stored records ordered by item id, then by user name.
func (s *CrawlState) Snapshot() []hn.Record {
	s.mu.Lock()
	out := make([]hn.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Space != b.Space {
			return a.Space == hn.SpaceItem
		}
		if a.Space == hn.SpaceItem {
			ai, _ := strconv.Atoi(a.ID)
			bi, _ := strconv.Atoi(b.ID)
			return ai < bi
		}
		return a.ID < b.ID
	})
	return out
}
