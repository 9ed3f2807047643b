package hls

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Segment struct {
	URL            string
	Duration       float64
	SN             int
	ByteRangeStart int64
	ByteRangeEnd   int64
}

type Variant struct {
	URL        string
	Bandwidth  int
	Resolution string
	Codecs     string
	Audio      string
}

// Rendition is an alternative track from #EXT-X-MEDIA.
type Rendition struct {
	Type    string
	GroupID string
	Name    string
	URL     string
	Default bool
}

type Playlist struct {
	Master         bool
	Variants       []Variant
	Renditions     []Rendition
	TargetDuration float64
	MediaSequence  int
	Init           *Segment
	Segments       []Segment
	Ended          bool
}

func (p *Playlist) Duration() float64 {
	total := 0.0
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// BestVariant returns the variant with the highest bandwidth.
func (p *Playlist) BestVariant() (Variant, bool) {
	if len(p.Variants) == 0 {
		return Variant{}, false
	}
	best := p.Variants[0]
	for _, v := range p.Variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, true
}

// AudioFor returns the default audio rendition of group, or its first one.
func (p *Playlist) AudioFor(group string) (Rendition, bool) {
	var found *Rendition
	for i, r := range p.Renditions {
		if r.Type != "AUDIO" || r.GroupID != group || r.URL == "" {
			continue
		}
		if r.Default {
			return r, true
		}
		if found == nil {
			found = &p.Renditions[i]
		}
	}
	if found == nil {
		return Rendition{}, false
	}
	return *found, true
}

// ParsePlaylist parses a master or media playlist, resolving every URI
// against manifestURL.
func ParsePlaylist(content, manifestURL string) (*Playlist, error) {
	baseURL, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing manifest URL: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	pl := &Playlist{}
	sawHeader := false
	var (
		duration     float64
		pendingRange *byteRange
		pendingVar   *Variant
		lastRange    = map[string]int64{}
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("missing #EXTM3U header")
			}
			sawHeader = true
			continue
		}
		tag, value, _ := strings.Cut(line, ":")
		switch {
		case tag == "#EXT-X-TARGETDURATION":
			pl.TargetDuration, _ = strconv.ParseFloat(value, 64)
		case tag == "#EXT-X-MEDIA-SEQUENCE":
			pl.MediaSequence, _ = strconv.Atoi(value)
		case tag == "#EXT-X-ENDLIST":
			pl.Ended = true
		case tag == "#EXTINF":
			d, _, _ := strings.Cut(value, ",")
			duration, err = strconv.ParseFloat(strings.TrimSpace(d), 64)
			if err != nil {
				return nil, fmt.Errorf("error parsing segment duration %q: %w", d, err)
			}
		case tag == "#EXT-X-BYTERANGE":
			br, err := parseByteRange(value)
			if err != nil {
				return nil, err
			}
			pendingRange = &br
		case tag == "#EXT-X-MAP":
			attrs := parseAttributes(value)
			uri, err := resolveURL(baseURL, attrs["URI"])
			if err != nil {
				return nil, fmt.Errorf("error resolving init segment URL: %w", err)
			}
			initSeg := &Segment{URL: uri, SN: -1}
			if raw, ok := attrs["BYTERANGE"]; ok {
				br, err := parseByteRange(raw)
				if err != nil {
					return nil, err
				}
				initSeg.ByteRangeStart, initSeg.ByteRangeEnd = br.offset, br.offset+br.length
			}
			if pl.Init == nil {
				pl.Init = initSeg
			}
			log.Debug().Str("op", "hls/playlist").Msgf("found init segment: %s", uri)
		case tag == "#EXT-X-STREAM-INF":
			pl.Master = true
			attrs := parseAttributes(value)
			bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
			pendingVar = &Variant{Bandwidth: bw, Resolution: attrs["RESOLUTION"], Codecs: attrs["CODECS"], Audio: attrs["AUDIO"]}
		case tag == "#EXT-X-MEDIA":
			pl.Master = true
			attrs := parseAttributes(value)
			r := Rendition{Type: attrs["TYPE"], GroupID: attrs["GROUP-ID"], Name: attrs["NAME"], Default: attrs["DEFAULT"] == "YES"}
			if attrs["URI"] != "" {
				if r.URL, err = resolveURL(baseURL, attrs["URI"]); err != nil {
					return nil, fmt.Errorf("error resolving rendition URL: %w", err)
				}
			}
			pl.Renditions = append(pl.Renditions, r)
		case strings.HasPrefix(line, "#"):
		default:
			uri, err := resolveURL(baseURL, line)
			if err != nil {
				return nil, fmt.Errorf("error resolving URL: %w", err)
			}
			if pendingVar != nil {
				pendingVar.URL = uri
				pl.Variants = append(pl.Variants, *pendingVar)
				pendingVar = nil
				continue
			}
			seg := Segment{URL: uri, Duration: duration, SN: pl.MediaSequence + len(pl.Segments)}
			if pendingRange != nil {
				offset := pendingRange.offset
				if !pendingRange.hasOffset {
					offset = lastRange[uri]
				}
				seg.ByteRangeStart, seg.ByteRangeEnd = offset, offset+pendingRange.length
				lastRange[uri] = seg.ByteRangeEnd
				pendingRange = nil
			}
			pl.Segments = append(pl.Segments, seg)
			duration = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning m3u8 content: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("missing #EXTM3U header")
	}
	return pl, nil
}

type byteRange struct {
	length    int64
	offset    int64
	hasOffset bool
}

func parseByteRange(value string) (byteRange, error) {
	var br byteRange
	n, o, hasOffset := strings.Cut(strings.Trim(value, `"`), "@")
	length, err := strconv.ParseInt(n, 10, 64)
	if err != nil || length <= 0 {
		return br, fmt.Errorf("invalid byte range %q", value)
	}
	br.length = length
	if hasOffset {
		if br.offset, err = strconv.ParseInt(o, 10, 64); err != nil || br.offset < 0 {
			return br, fmt.Errorf("invalid byte range offset %q", value)
		}
		br.hasOffset = true
	}
	return br, nil
}

// parseAttributes splits an attribute list, keeping commas inside quotes.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		key = strings.TrimSpace(key)
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				val, s = rest[1:], ""
			} else {
				val, s = rest[1:end+1], rest[end+2:]
			}
			s = strings.TrimPrefix(s, ",")
		} else {
			val, s, _ = strings.Cut(rest, ",")
		}
		attrs[key] = val
	}
	return attrs
}

func resolveURL(baseURL *url.URL, urlStr string) (string, error) {
	if urlStr == "" {
		return "", fmt.Errorf("empty URI")
	}
	if strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://") {
		return urlStr, nil
	}
	relURL, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
