package hls

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/streamfetch/internal/download"
)

func TestCompleteness(t *testing.T) {
	origin := newFakeOrigin(map[string][]byte{
		"https://cdn/init.mp4": []byte("I"),
		"https://cdn/0.m4s":    []byte("S"),
	})
	r, _ := newTestRequester(t, origin, 1)
	s := NewStore()
	id := Identifier(TrackVideo, 0)
	canSave, complete := Completeness(s, r, id)
	assert.False(t, canSave)
	assert.False(t, complete)

	s.AddPlaylist(TrackVideo, 0, &Playlist{
		Init:     &Segment{URL: "https://cdn/init.mp4", SN: InitSN},
		Segments: []Segment{{URL: "https://cdn/0.m4s", Duration: 4}},
	})
	frags := s.GetFragments(id)
	require.Len(t, frags, 2)

	o := newOutcome()
	_, err := r.RequestFragment(frags[0], o)
	require.NoError(t, err)
	o.wait(t)
	canSave, complete = Completeness(s, r, id)
	assert.False(t, canSave, "an init segment alone is not saveable")
	assert.False(t, complete)

	o = newOutcome()
	_, err = r.RequestFragment(frags[1], o)
	require.NoError(t, err)
	o.wait(t)
	canSave, complete = Completeness(s, r, id)
	assert.True(t, canSave)
	assert.True(t, complete)
}

func TestCollect_InterleavesTracksByStart(t *testing.T) {
	bodies := map[string][]byte{
		"https://cdn/v/init.mp4": []byte("VI"),
		"https://cdn/v/0.m4s":    []byte("V0"),
		"https://cdn/v/1.m4s":    []byte("V1"),
		"https://cdn/v/2.m4s":    []byte("V2"),
		"https://cdn/a/init.mp4": []byte("AI"),
		"https://cdn/a/0.m4s":    []byte("A0"),
		"https://cdn/a/1.m4s":    []byte("A1"),
	}
	origin := newFakeOrigin(bodies)
	r, _ := newTestRequester(t, origin, 4)

	s := NewStore()
	video := &Playlist{
		Init:     &Segment{URL: "https://cdn/v/init.mp4", SN: InitSN},
		Segments: []Segment{{URL: "https://cdn/v/0.m4s", Duration: 4, SN: 0}, {URL: "https://cdn/v/1.m4s", Duration: 4, SN: 1}, {URL: "https://cdn/v/2.m4s", Duration: 4, SN: 2}},
	}
	audio := &Playlist{
		Init:     &Segment{URL: "https://cdn/a/init.mp4", SN: InitSN},
		Segments: []Segment{{URL: "https://cdn/a/0.m4s", Duration: 6, SN: 0}, {URL: "https://cdn/a/1.m4s", Duration: 6, SN: 1}},
	}
	s.AddPlaylist(TrackVideo, 0, video)
	s.AddPlaylist(TrackAudio, 0, audio)
	vid, aid := Identifier(TrackVideo, 0), Identifier(TrackAudio, 0)

	var waits []*outcome
	for _, id := range []string{vid, aid} {
		for _, f := range s.GetFragments(id) {
			if f.URL == "https://cdn/v/2.m4s" {
				continue // left undownloaded
			}
			o := newOutcome()
			_, err := r.RequestFragment(f, o)
			require.NoError(t, err)
			waits = append(waits, o)
		}
	}
	for _, o := range waits {
		o.wait(t)
	}

	c := Collect(s, r, vid, aid)
	require.Len(t, c.Init, 2)

	var order []string
	for _, p := range c.Parts {
		order = append(order, p.Fragment.URL)
	}
	// video starts 0,4 and audio starts 0,6; video wins ties
	assert.Equal(t, []string{
		"https://cdn/v/0.m4s",
		"https://cdn/a/0.m4s",
		"https://cdn/v/1.m4s",
		"https://cdn/a/1.m4s",
	}, order)
	assert.ElementsMatch(t, []int{TrackVideo, TrackAudio}, c.Tracks())

	var buf bytes.Buffer
	n, err := WriteTrack(&buf, c, TrackVideo)
	require.NoError(t, err)
	assert.Equal(t, "VIV0V1", buf.String())
	assert.Equal(t, int64(6), n)

	buf.Reset()
	_, err = WriteTrack(&buf, c, TrackAudio)
	require.NoError(t, err)
	assert.Equal(t, "AIA0A1", buf.String())

	_, complete := Completeness(s, r, vid)
	assert.False(t, complete)
	_, complete = Completeness(s, r, aid)
	assert.True(t, complete)
}

func TestCollect_VideoOnly(t *testing.T) {
	origin := newFakeOrigin(map[string][]byte{"https://cdn/0.ts": []byte("TS")})
	r, _ := newTestRequester(t, origin, 1)
	s := NewStore()
	s.AddPlaylist(TrackVideo, 1, &Playlist{Segments: []Segment{{URL: "https://cdn/0.ts", Duration: 2}}})

	o := newOutcome()
	f, _ := s.GetFragment(Identifier(TrackVideo, 1), 0)
	_, err := r.RequestFragment(f, o)
	require.NoError(t, err)
	o.wait(t)

	c := Collect(s, r, Identifier(TrackVideo, 1), "")
	assert.Empty(t, c.Init)
	require.Len(t, c.Parts, 1)
	assert.Equal(t, []int{TrackVideo}, c.Tracks())
}

func TestCollect_KeepsPayloadsPastCacheEviction(t *testing.T) {
	bodies := map[string][]byte{}
	pl := &Playlist{}
	for i := range 5 {
		u := fmt.Sprintf("https://cdn/%d.ts", i)
		bodies[u] = []byte(fmt.Sprintf("S%d", i))
		pl.Segments = append(pl.Segments, Segment{URL: u, Duration: 2, SN: i})
	}
	origin := newFakeOrigin(bodies)
	m := download.NewManager(origin, download.Config{Downloaders: 2, CacheSize: 2, SpoolDir: t.TempDir()})
	t.Cleanup(func() { m.Close() })
	r := NewRequester(m, nil)

	s := NewStore()
	s.AddPlaylist(TrackVideo, 0, pl)
	id := Identifier(TrackVideo, 0)
	for _, f := range s.GetFragments(id) {
		o := newOutcome()
		_, err := r.RequestFragment(f, o)
		require.NoError(t, err)
		assert.Equal(t, download.EventSuccess, o.wait(t))
	}
	m.Flush()
	require.Equal(t, 2, m.Snapshot().Cached)

	_, complete := Completeness(s, r, id)
	assert.True(t, complete)
	c := Collect(s, r, id, "")
	require.Len(t, c.Parts, 5)
	assert.Zero(t, c.Missing)
	var buf bytes.Buffer
	_, err := WriteTrack(&buf, c, TrackVideo)
	require.NoError(t, err)
	assert.Equal(t, "S0S1S2S3S4", buf.String())

	// unpinned payloads that already left the cache are dropped
	r.Release()
	_, complete = Completeness(s, r, id)
	assert.False(t, complete)
	c = Collect(s, r, id, "")
	assert.Len(t, c.Parts, 2)
	assert.Equal(t, 3, c.Missing)
}
