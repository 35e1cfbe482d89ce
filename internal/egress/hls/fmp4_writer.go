package hls

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/mp4"
)

const (
	fmp4VideoTrackID = 1
	fmp4AudioTrackID = 2

	// fmp4TimeScale is the timescale (ticks per second) used for both
	// tracks' sample durations. Matches the MPEG-TS clock so PTS values
	// coming out of the decode pipeline need no rescaling.
	fmp4TimeScale = 90000
)

// seekableBuffer adapts a bytes.Buffer into the io.WriteSeeker that
// fmp4.Init/fmp4.Part.Marshal requires, since box sizes are patched in
// after the fact. Grounded on the upstream daemon's fmp4 muxer, which
// uses the same wrapper around an in-memory buffer before flushing it to
// disk as a single write.
type seekableBuffer struct {
	buf bytes.Buffer
	pos int
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	// overwrite in place, growing if the write extends past the end
	avail := s.buf.Bytes()[s.pos:]
	n := copy(avail, p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}
	s.pos += len(p)
	return len(p), nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case io.SeekStart:
		newPos = int(offset)
	case io.SeekCurrent:
		newPos = s.pos + int(offset)
	case io.SeekEnd:
		newPos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	s.pos = newPos
	return int64(newPos), nil
}

type pendingSample struct {
	pts        int64
	dts        int64
	data       [][]byte
	isKeyframe bool
}

// fmp4Container builds one init segment (written lazily, once, on the
// first completed fragment) and a fragment file per HLS segment. Sample
// durations are derived from the delta between consecutive DTS values
// (video) or PTS values (audio) in arrival order, matching the upstream
// daemon's fmp4 muxer.
type fmp4Container struct {
	videoCodec mp4.Codec
	audioCodec mp4.Codec

	videoSamples []pendingSample
	audioSamples []pendingSample

	videoBaseTime uint64
	audioBaseTime uint64

	initWritten   bool
	fragSeqNumber uint32
}

func newFMP4Container(videoCodec, audioCodec mp4.Codec) *fmp4Container {
	return &fmp4Container{videoCodec: videoCodec, audioCodec: audioCodec, fragSeqNumber: 1}
}

func (c *fmp4Container) writeVideo(pts, dts int64, au [][]byte, isKeyframe bool) {
	c.videoSamples = append(c.videoSamples, pendingSample{pts: pts, dts: dts, data: au, isKeyframe: isKeyframe})
}

func (c *fmp4Container) writeAudio(pts int64, data []byte) {
	c.audioSamples = append(c.audioSamples, pendingSample{pts: pts, dts: pts, data: [][]byte{data}, isKeyframe: true})
}

func (c *fmp4Container) hasPending() bool {
	return len(c.videoSamples) > 0 || len(c.audioSamples) > 0
}

// writeInit serializes the fMP4 init segment (once) to path.
func (c *fmp4Container) writeInit(path string) error {
	var tracks []*fmp4.InitTrack
	if c.videoCodec != nil {
		tracks = append(tracks, &fmp4.InitTrack{ID: fmp4VideoTrackID, TimeScale: fmp4TimeScale, Codec: c.videoCodec})
	}
	if c.audioCodec != nil {
		tracks = append(tracks, &fmp4.InitTrack{ID: fmp4AudioTrackID, TimeScale: fmp4TimeScale, Codec: c.audioCodec})
	}

	init := &fmp4.Init{Tracks: tracks}
	var buf seekableBuffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling fmp4 init: %w", err)
	}

	f, err := newCountingFile(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	c.initWritten = true
	return f.Close()
}

// writeFragment serializes the currently buffered samples as one fMP4
// fragment (a `moof`+`mdat` pair) and appends it to w, then clears the
// buffers. Called once per LL-HLS partial and again for the final part of
// each segment, all appended to the same open segment file, mirroring how
// CMAF fragments stack inside one growing file.
func (c *fmp4Container) writeFragment(w io.Writer) error {
	var partTracks []*fmp4.PartTrack

	if len(c.videoSamples) > 0 {
		samples := make([]*fmp4.Sample, 0, len(c.videoSamples))
		for i, ps := range c.videoSamples {
			dur := uint32(0)
			if i+1 < len(c.videoSamples) {
				dur = uint32(c.videoSamples[i+1].dts - ps.dts)
			}
			samples = append(samples, &fmp4.Sample{
				Duration:        dur,
				PTSOffset:       int32(ps.pts - ps.dts),
				IsNonSyncSample: !ps.isKeyframe,
				Payload:         flattenNALUs(ps.data),
			})
		}
		partTracks = append(partTracks, &fmp4.PartTrack{ID: fmp4VideoTrackID, BaseTime: c.videoBaseTime, Samples: samples})
		c.videoBaseTime += sumDurations(samples)
		c.videoSamples = nil
	}

	if len(c.audioSamples) > 0 {
		samples := make([]*fmp4.Sample, 0, len(c.audioSamples))
		for i, ps := range c.audioSamples {
			dur := uint32(0)
			if i+1 < len(c.audioSamples) {
				dur = uint32(c.audioSamples[i+1].pts - ps.pts)
			}
			samples = append(samples, &fmp4.Sample{
				Duration: dur,
				Payload:  ps.data[0],
			})
		}
		partTracks = append(partTracks, &fmp4.PartTrack{ID: fmp4AudioTrackID, BaseTime: c.audioBaseTime, Samples: samples})
		c.audioBaseTime += sumDurations(samples)
		c.audioSamples = nil
	}

	if len(partTracks) == 0 {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: c.fragSeqNumber, Tracks: partTracks}
	c.fragSeqNumber++

	var buf seekableBuffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling fmp4 fragment: %w", err)
	}

	_, err := w.Write(buf.buf.Bytes())
	return err
}

func sumDurations(samples []*fmp4.Sample) uint64 {
	var total uint64
	for _, s := range samples {
		total += uint64(s.Duration)
	}
	return total
}

func flattenNALUs(au [][]byte) []byte {
	if len(au) == 1 {
		return au[0]
	}
	var out []byte
	for _, nalu := range au {
		var lenField [4]byte
		lenField[0] = byte(len(nalu) >> 24)
		lenField[1] = byte(len(nalu) >> 16)
		lenField[2] = byte(len(nalu) >> 8)
		lenField[3] = byte(len(nalu))
		out = append(out, lenField[:]...)
		out = append(out, nalu...)
	}
	return out
}
