package player

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:2.000,
seg10.ts
#EXTINF:2.000,
seg11.ts
#EXTINF:1.500,
seg12.ts
`

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
high/index.m3u8
`

func TestParseManifest_MediaPlaylist(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(livePlaylist))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, m.TargetDuration)
	assert.False(t, m.Closed)
	require.Len(t, m.Segments, 3)
	assert.Equal(t, uint64(10), m.Segments[0].Sequence)
	assert.Equal(t, uint64(12), m.Segments[2].Sequence)
	assert.Equal(t, 1500*time.Millisecond, m.Segments[2].Duration)
}

func TestParseManifest_EndList(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(livePlaylist + "#EXT-X-ENDLIST\n"))
	require.NoError(t, err)
	assert.True(t, m.Closed)
}

func TestParseManifest_MasterPicksHighestBandwidth(t *testing.T) {
	_, err := ParseManifest(strings.NewReader(masterPlaylist))
	var master *MasterPlaylistError
	require.ErrorAs(t, err, &master)
	assert.Equal(t, "high/index.m3u8", master.VariantURI)
}

func TestTimeline_SlidingWindow(t *testing.T) {
	var tl Timeline
	window := func(first, last uint64) *Manifest {
		m := &Manifest{TargetDuration: 2 * time.Second}
		for seq := first; seq <= last; seq++ {
			m.Segments = append(m.Segments, Segment{Sequence: seq, Duration: 2 * time.Second})
		}
		return m
	}

	_, ok := tl.Observe(&Manifest{})
	assert.False(t, ok)

	edge, ok := tl.Observe(window(10, 12))
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, edge)

	// Overlapping refresh only adds the new segment.
	edge, _ = tl.Observe(window(11, 13))
	assert.Equal(t, 8*time.Second, edge)

	// Segments 14 and 15 slid out unseen; they are assumed to be target
	// duration long.
	edge, _ = tl.Observe(window(16, 17))
	assert.Equal(t, 16*time.Second, edge)

	// An empty refresh after segments were seen keeps the previous edge.
	edge, ok = tl.Observe(&Manifest{})
	assert.True(t, ok)
	assert.Equal(t, 16*time.Second, edge)
}

func TestTimeline_ProgramDateTime(t *testing.T) {
	var tl Timeline
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	edge, _ := tl.Observe(&Manifest{Segments: []Segment{
		{Sequence: 1, Duration: 2 * time.Second, ProgramDateTime: t0},
		{Sequence: 2, Duration: 2 * time.Second, ProgramDateTime: t0.Add(2 * time.Second)},
	}})
	assert.Equal(t, 4*time.Second, edge)

	// Wall-clock timestamps win over summed durations when they disagree.
	edge, _ = tl.Observe(&Manifest{Segments: []Segment{
		{Sequence: 3, Duration: 2 * time.Second, ProgramDateTime: t0.Add(5 * time.Second)},
	}})
	assert.Equal(t, 7*time.Second, edge)
}

func TestHTTPManifestSource_FollowsMasterPlaylist(t *testing.T) {
	var variantHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hls/abc/index.m3u8":
			w.Write([]byte(masterPlaylist))
		case "/hls/abc/high/index.m3u8":
			variantHits++
			w.Write([]byte(livePlaylist))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPManifestSource(srv.URL+"/hls/abc/index.m3u8", srv.Client())
	m, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, m.Segments, 3)

	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, variantHits)
}

func TestHTTPManifestSource_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPManifestSource(srv.URL+"/missing.m3u8", srv.Client()).Fetch(context.Background())
	assert.ErrorContains(t, err, "unexpected status 404")
}
