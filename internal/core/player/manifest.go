package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/livepeer/m3u8"
)

// Segment is the part of a media segment the player needs.
type Segment struct {
	Sequence        uint64
	Duration        time.Duration
	ProgramDateTime time.Time
}

// Manifest is one refresh of a live media playlist.
type Manifest struct {
	TargetDuration time.Duration
	Segments       []Segment
	// Closed is set once the playlist carries ENDLIST.
	Closed bool
}

// ManifestSource fetches the current media playlist.
type ManifestSource interface {
	Fetch(ctx context.Context) (*Manifest, error)
}

// ParseManifest decodes a media playlist. A master playlist yields a
// *MasterPlaylistError naming its best variant.
func ParseManifest(r io.Reader) (*Manifest, error) {
	pl, listType, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MEDIA:
		return fromMediaPlaylist(pl.(*m3u8.MediaPlaylist)), nil
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		variant := pickVariant(master)
		if variant == nil {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		return nil, &MasterPlaylistError{VariantURI: variant.URI}
	default:
		return nil, fmt.Errorf("unknown playlist type")
	}
}

// MasterPlaylistError reports that a master playlist was fetched where a
// media playlist was expected.
type MasterPlaylistError struct {
	VariantURI string
}

func (e *MasterPlaylistError) Error() string {
	return "master playlist, variant " + e.VariantURI
}

// pickVariant prefers the highest bandwidth rendition.
func pickVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func fromMediaPlaylist(pl *m3u8.MediaPlaylist) *Manifest {
	m := &Manifest{
		TargetDuration: seconds(pl.TargetDuration),
		Closed:         !pl.Live,
	}
	for i, seg := range pl.Segments {
		if seg == nil {
			break
		}
		seq := seg.SeqId
		if seq == 0 {
			seq = pl.SeqNo + uint64(i)
		}
		m.Segments = append(m.Segments, Segment{
			Sequence:        seq,
			Duration:        seconds(seg.Duration),
			ProgramDateTime: seg.ProgramDateTime,
		})
	}
	return m
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// HTTPManifestSource polls a playback URL. A master playlist is resolved to
// its best variant once and the variant is polled from then on.
type HTTPManifestSource struct {
	url    string
	client *http.Client
}

func NewHTTPManifestSource(playlistURL string, client *http.Client) *HTTPManifestSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPManifestSource{url: playlistURL, client: client}
}

func (s *HTTPManifestSource) Fetch(ctx context.Context) (*Manifest, error) {
	m, err := s.fetch(ctx, s.url)
	var master *MasterPlaylistError
	if err == nil || !errors.As(err, &master) {
		return m, err
	}

	variantURL, err := resolve(s.url, master.VariantURI)
	if err != nil {
		return nil, err
	}
	s.url = variantURL
	return s.fetch(ctx, s.url)
}

func (s *HTTPManifestSource) fetch(ctx context.Context, target string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch playlist: unexpected status %d", resp.StatusCode)
	}
	return ParseManifest(resp.Body)
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
