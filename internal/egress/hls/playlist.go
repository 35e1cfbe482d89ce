package hls

import (
	"fmt"
	"math"
	"strings"

	"github.com/jmylchreest/pathrelay/internal/variant"
)

// mediaPlaylistParams carries everything playlistText needs to render one
// variant's media playlist, decoupled from VariantMuxer's mutable state so
// the rendering function stays a pure string builder.
type mediaPlaylistParams struct {
	container       variant.SegmentContainer
	lowLatency      bool
	segmentTarget   float64 // seconds
	partialTarget   float64 // seconds
	mediaSequence   int
	segments        []Segment
	currentPartials []Partial // partials belonging to the in-progress segment
	currentFileName string
}

func extForContainer(c variant.SegmentContainer) string {
	if c == variant.ContainerFMP4 {
		return "m4s"
	}
	return "ts"
}

// playlistVersion follows spec 4.4.4: version 6 if LL or fMP4 else 3.
func playlistVersion(p mediaPlaylistParams) int {
	if p.lowLatency || p.container == variant.ContainerFMP4 {
		return 6
	}
	return 3
}

// renderMediaPlaylist builds the #EXTM3U media playlist text per spec
// 6.2/4.4.4.
func renderMediaPlaylist(p mediaPlaylistParams) string {
	var b strings.Builder
	version := playlistVersion(p)

	fmt.Fprintf(&b, "#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)

	if version >= 6 {
		fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Round(p.segmentTarget)))
	} else {
		fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(p.segmentTarget))
	}

	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.mediaSequence)

	if p.lowLatency {
		fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%.3f\n", p.partialTarget)
	}

	if p.container == variant.ContainerFMP4 {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4\"\n")
	}

	ext := extForContainer(p.container)
	for _, seg := range p.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration.Seconds())
		fmt.Fprintf(&b, "%d.%s\n", seg.Index, ext)
	}

	for _, part := range p.currentPartials {
		independent := ""
		if part.Independent {
			independent = ",INDEPENDENT=YES"
		}
		fmt.Fprintf(&b, "#EXT-X-PART:DURATION=%.3f,URI=\"%s\",BYTERANGE=\"%d@%d\"%s\n",
			part.Duration.Seconds(), p.currentFileName, part.Length, part.Offset, independent)
	}

	if len(p.currentPartials) > 0 {
		last := p.currentPartials[len(p.currentPartials)-1]
		hintStart := last.Offset + last.Length
		fmt.Fprintf(&b, "#EXT-X-PRELOAD-HINT:TYPE=PART,URI=\"%s\",BYTERANGE-START=%d\n",
			p.currentFileName, hintStart)
	}

	return b.String()
}

// masterVariantEntry is one #EXT-X-STREAM-INF line's worth of data.
type masterVariantEntry struct {
	URI        string
	BandwidthB int64
	Width      int
	Height     int
	FPS        float64
	CodecsCSV  string
}

// renderMasterPlaylist builds the top-level master playlist per spec 6.3.
func renderMasterPlaylist(entries []masterVariantEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:3\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,FRAME-RATE=%.3f", e.BandwidthB, e.Width, e.Height, e.FPS)
		if e.CodecsCSV != "" {
			fmt.Fprintf(&b, ",CODECS=\"%s\"", e.CodecsCSV)
		}
		fmt.Fprintf(&b, "\n%s\n", e.URI)
	}
	return b.String()
}
