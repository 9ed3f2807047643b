package hls

import (
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store registers fragments per level identifier. Playlist refreshes only
// add fragments that are not already known, so status survives reloads.
type Store struct {
	mu     sync.RWMutex
	levels map[string]map[int]*Fragment
}

func NewStore() *Store {
	return &Store{levels: make(map[string]map[int]*Fragment)}
}

func (s *Store) MakeFragment(id string, sn int, f *Fragment) *Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.levels[id]
	if !ok {
		level = make(map[int]*Fragment)
		s.levels[id] = level
	}
	f.SN = sn
	level[sn] = f
	return f
}

func (s *Store) GetFragment(id string, sn int) (*Fragment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.levels[id][sn]
	return f, ok
}

// GetFragments returns the fragments of a level ordered by sequence number,
// init segment first. It returns nil for an unknown level.
func (s *Store) GetFragments(id string) []*Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	level, ok := s.levels[id]
	if !ok {
		return nil
	}
	out := make([]*Fragment, 0, len(level))
	for _, f := range level {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SN < out[j].SN })
	return out
}

func (s *Store) Identifiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.levels))
	for id := range s.levels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AddPlaylist registers the init segment and media segments of a parsed
// media playlist under trackID:levelID, with start and end times accumulated
// from segment durations. It returns how many fragments were new.
func (s *Store) AddPlaylist(trackID, levelID int, pl *Playlist) int {
	id := Identifier(trackID, levelID)
	added := 0
	if pl.Init != nil {
		if _, ok := s.GetFragment(id, InitSN); !ok {
			s.MakeFragment(id, InitSN, &Fragment{
				TrackID:        trackID,
				LevelID:        levelID,
				URL:            pl.Init.URL,
				ByteRangeStart: pl.Init.ByteRangeStart,
				ByteRangeEnd:   pl.Init.ByteRangeEnd,
			})
			added++
		}
	}
	t := 0.0
	for _, seg := range pl.Segments {
		start := t
		t += seg.Duration
		if _, ok := s.GetFragment(id, seg.SN); ok {
			continue
		}
		s.MakeFragment(id, seg.SN, &Fragment{
			TrackID:        trackID,
			LevelID:        levelID,
			URL:            seg.URL,
			ByteRangeStart: seg.ByteRangeStart,
			ByteRangeEnd:   seg.ByteRangeEnd,
			Start:          start,
			End:            t,
		})
		added++
	}
	log.Debug().Str("op", "hls/store").Msgf("level %s: %d new fragments", id, added)
	return added
}
