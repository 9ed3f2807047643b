package hls

import (
	"fmt"
	"io"

	"github.com/tanq16/streamfetch/internal/download"
)

// EntryLookup finds the entry holding a fragment's payload. Requester
// implements it.
type EntryLookup interface {
	EntryFor(frag *Fragment) (*download.Entry, bool)
}

// available reports whether f completed and its payload can still be read.
func available(lookup EntryLookup, f *Fragment) (*download.Entry, bool) {
	if f.Status() != download.StatusComplete {
		return nil, false
	}
	e, ok := lookup.EntryFor(f)
	if !ok || !e.Available() {
		return nil, false
	}
	return e, true
}

type Part struct {
	Track    int
	Fragment *Fragment
	Entry    *download.Entry
}

// Collection is the saveable state of a video level and an optional audio
// level: their init segments and every completed media fragment ordered by
// start time.
type Collection struct {
	Init  map[int]Part
	Parts []Part

	// Missing counts media fragments left out because they are not available.
	Missing int
}

// Completeness reports whether anything of a level can be saved yet and
// whether every one of its fragments has completed. A completed fragment
// whose payload is gone counts as missing.
func Completeness(store *Store, lookup EntryLookup, id string) (canSave, complete bool) {
	frags := store.GetFragments(id)
	if frags == nil {
		return false, false
	}
	complete = true
	for _, f := range frags {
		if _, ok := available(lookup, f); !ok {
			complete = false
			continue
		}
		if !f.IsInit() {
			canSave = true
		}
	}
	return canSave, complete
}

// Collect merges the fragments of videoID and audioID by start time, video
// first on ties, keeping only those whose payload is available. audioID may
// be empty.
func Collect(store *Store, lookup EntryLookup, videoID, audioID string) Collection {
	video := store.GetFragments(videoID)
	var audio []*Fragment
	if audioID != "" {
		audio = store.GetFragments(audioID)
	}
	c := Collection{Init: make(map[int]Part)}

	video, vInit := splitInit(video)
	audio, aInit := splitInit(audio)

	for _, f := range []*Fragment{vInit, aInit} {
		if f == nil {
			continue
		}
		if e, ok := available(lookup, f); ok {
			c.Init[f.TrackID] = Part{Track: f.TrackID, Fragment: f, Entry: e}
		}
	}

	vi, ai := 0, 0
	for vi < len(video) || ai < len(audio) {
		var f *Fragment
		switch {
		case vi < len(video) && ai < len(audio):
			if video[vi].Start <= audio[ai].Start {
				f = video[vi]
				vi++
			} else {
				f = audio[ai]
				ai++
			}
		case vi < len(video):
			f = video[vi]
			vi++
		default:
			f = audio[ai]
			ai++
		}
		e, ok := available(lookup, f)
		if !ok {
			c.Missing++
			continue
		}
		c.Parts = append(c.Parts, Part{Track: f.TrackID, Fragment: f, Entry: e})
	}
	return c
}

func splitInit(frags []*Fragment) ([]*Fragment, *Fragment) {
	if len(frags) > 0 && frags[0].IsInit() {
		return frags[1:], frags[0]
	}
	return frags, nil
}

// Tracks lists the tracks present in the collection.
func (c Collection) Tracks() []int {
	seen := map[int]bool{}
	var tracks []int
	for _, p := range c.Parts {
		if !seen[p.Track] {
			seen[p.Track] = true
			tracks = append(tracks, p.Track)
		}
	}
	return tracks
}

// WriteTrack writes the init segment of track followed by its fragments in
// order and returns the number of bytes written.
func WriteTrack(w io.Writer, c Collection, track int) (int64, error) {
	var written int64
	write := func(p Part) error {
		data, err := p.Entry.Bytes()
		if err != nil {
			return fmt.Errorf("error reading fragment %s: %w", p.Fragment.ID(), err)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return fmt.Errorf("error writing fragment %s: %w", p.Fragment.ID(), err)
		}
		return nil
	}
	if initPart, ok := c.Init[track]; ok {
		if err := write(initPart); err != nil {
			return written, err
		}
	}
	for _, p := range c.Parts {
		if p.Track != track {
			continue
		}
		if err := write(p); err != nil {
			return written, err
		}
	}
	return written, nil
}
