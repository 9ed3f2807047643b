package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier_RoundTrip(t *testing.T) {
	id := Identifier(TrackAudio, 3)
	assert.Equal(t, "1:3", id)

	track, level, err := ParseIdentifier(id)
	require.NoError(t, err)
	assert.Equal(t, TrackAudio, track)
	assert.Equal(t, 3, level)

	for _, bad := range []string{"", "1", "a:2", "1:b"} {
		_, _, err := ParseIdentifier(bad)
		assert.Error(t, err, bad)
	}
}

func TestStore_GetFragmentsOrdersInitFirst(t *testing.T) {
	s := NewStore()
	id := Identifier(TrackVideo, 0)
	s.MakeFragment(id, 2, &Fragment{URL: "b"})
	s.MakeFragment(id, 1, &Fragment{URL: "a"})
	s.MakeFragment(id, InitSN, &Fragment{URL: "init"})

	frags := s.GetFragments(id)
	require.Len(t, frags, 3)
	assert.True(t, frags[0].IsInit())
	assert.Equal(t, "a", frags[1].URL)
	assert.Equal(t, "b", frags[2].URL)

	f, ok := s.GetFragment(id, 2)
	require.True(t, ok)
	assert.Equal(t, 2, f.SN)

	assert.Nil(t, s.GetFragments("9:9"))
	_, ok = s.GetFragment("9:9", 0)
	assert.False(t, ok)
}

func TestStore_AddPlaylistAccumulatesTimes(t *testing.T) {
	pl, err := ParsePlaylist(mediaPlaylist, "https://cdn.example.com/video/720p/index.m3u8")
	require.NoError(t, err)

	s := NewStore()
	assert.Equal(t, 4, s.AddPlaylist(TrackVideo, 2, pl))
	assert.Equal(t, 0, s.AddPlaylist(TrackVideo, 2, pl), "known fragments are kept")
	assert.Equal(t, []string{"0:2"}, s.Identifiers())

	frags := s.GetFragments("0:2")
	require.Len(t, frags, 4)
	assert.Equal(t, "https://cdn.example.com/video/720p/init.mp4", frags[0].URL)
	assert.Equal(t, 0.0, frags[1].Start)
	assert.Equal(t, 6.0, frags[1].End)
	assert.Equal(t, 12.0, frags[3].Start)
	assert.InDelta(t, 16.5, frags[3].End, 1e-9)
	assert.Equal(t, "0:2:11", frags[2].ID())
	assert.Equal(t, "0:2", frags[2].LevelIdentifier())
}
