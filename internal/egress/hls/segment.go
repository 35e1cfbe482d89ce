// Package hls implements the HLS master and variant muxers: segmenting a
// rendition's packets into a series of media files on disk, maintaining
// the media and master playlists, and evicting old segments once the
// retention window is exceeded. Grounded on the upstream daemon's
// mediacommon-based MPEG-TS/fMP4 muxer wrappers, generalized here into a
// file-rotating, playlist-writing variant muxer instead of a single
// long-lived stream.
package hls

import "time"

// Partial is one low-latency HLS part belonging to an in-progress full
// segment: a byte range inside that segment's (still open) file.
type Partial struct {
	Index       int
	Duration    time.Duration
	Offset      int64
	Length      int64
	Independent bool
}

// Segment is one completed, on-disk full segment.
type Segment struct {
	Index     int
	Duration  time.Duration
	Path      string
	SizeBytes int64
	SHA256    [32]byte
	Partials  []Partial
}

// evictionPlan computes which of segs (ordered oldest-first, the full
// history since muxer start) should be retained so their cumulative
// duration is the newest suffix whose total first reaches (>=) window, and
// which should be evicted. Matches the "retain the newest suffix whose
// cumulative duration first reaches the window" rule; a zero window
// keeps only the newest segment.
func evictionPlan(segs []Segment, window time.Duration) (retained, evicted []Segment) {
	if len(segs) == 0 {
		return nil, nil
	}

	var total time.Duration
	splitAt := 0
	for i := len(segs) - 1; i >= 0; i-- {
		total += segs[i].Duration
		splitAt = i
		if total >= window {
			break
		}
	}

	retained = segs[splitAt:]
	if splitAt > 0 {
		evicted = segs[:splitAt]
	}
	return retained, evicted
}
