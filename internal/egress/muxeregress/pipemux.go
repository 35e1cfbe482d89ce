// Package muxeregress holds the pieces shared by the muxer-wrapping
// egresses (recorder, RTMP forwarder): both wrap a container muxer
// configured once at construction and keep feeding it packets until
// reset, per spec section 4.5. Grounded on original_source's
// MuxerEgress, which wraps a single ffmpeg_rs_raw::Muxer and a
// variant-id -> stream-index map.
package muxeregress

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	videoPID = 0x0100
	audioPID = 0x0101
)

// PipeMuxer writes one continuous (unsegmented) MPEG-TS elementary stream
// into an io.Writer, normally an ffmpeg subprocess's stdin that remuxes it
// into the egress's real output container (MP4 or FLV). Unlike the HLS
// egress's tsContainer, there is exactly one writer for the muxer's whole
// lifetime: no segment rotation, no fresh PAT/PMT per file.
type PipeMuxer struct {
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
	writer     *mpegts.Writer
}

// NewPipeMuxer opens the MPEG-TS writer against w and writes the initial
// PAT/PMT immediately so a tailing ffmpeg process sees a valid stream
// header right away.
func NewPipeMuxer(w io.Writer, videoCodec, audioCodec string, aacConfig *mpeg4audio.AudioSpecificConfig) (*PipeMuxer, error) {
	m := &PipeMuxer{}
	var tracks []*mpegts.Track
	if videoCodec != "" {
		m.videoTrack = &mpegts.Track{PID: videoPID, Codec: videoCodecFor(videoCodec)}
		tracks = append(tracks, m.videoTrack)
	}
	if audioCodec != "" {
		m.audioTrack = &mpegts.Track{PID: audioPID, Codec: audioCodecFor(audioCodec, aacConfig)}
		tracks = append(tracks, m.audioTrack)
	}

	m.writer = &mpegts.Writer{W: w, Tracks: tracks}
	if err := m.writer.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}
	if _, err := m.writer.WriteTables(); err != nil {
		return nil, fmt.Errorf("writing PAT/PMT: %w", err)
	}
	return m, nil
}

func videoCodecFor(name string) mpegts.Codec {
	if name == "h265" || name == "hevc" {
		return &mpegts.CodecH265{}
	}
	return &mpegts.CodecH264{}
}

func audioCodecFor(name string, aacConfig *mpeg4audio.AudioSpecificConfig) mpegts.Codec {
	switch name {
	case "ac3":
		return &mpegts.CodecAC3{SampleRate: 48000, ChannelCount: 2}
	case "eac3":
		return &mpegts.CodecEAC3{SampleRate: 48000, ChannelCount: 6}
	case "mp3":
		return &mpegts.CodecMPEG1Audio{}
	case "opus":
		return &mpegts.CodecOpus{ChannelCount: 2}
	default:
		if aacConfig == nil {
			aacConfig = &mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   48000,
				ChannelCount: 2,
			}
		}
		return &mpegts.CodecMPEG4Audio{Config: *aacConfig}
	}
}

// WriteVideo writes one video access unit.
func (m *PipeMuxer) WriteVideo(pts, dts int64, au [][]byte) error {
	if m.videoTrack == nil {
		return fmt.Errorf("no video track configured")
	}
	if _, isH265 := m.videoTrack.Codec.(*mpegts.CodecH265); isH265 {
		return m.writer.WriteH265(m.videoTrack, pts, dts, au)
	}
	return m.writer.WriteH264(m.videoTrack, pts, dts, au)
}

// WriteAudio writes one audio frame.
func (m *PipeMuxer) WriteAudio(pts int64, data []byte) error {
	if m.audioTrack == nil {
		return fmt.Errorf("no audio track configured")
	}
	switch m.audioTrack.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		return m.writer.WriteMPEG4Audio(m.audioTrack, pts, [][]byte{data})
	case *mpegts.CodecAC3:
		return m.writer.WriteAC3(m.audioTrack, pts, data)
	case *mpegts.CodecEAC3:
		return m.writer.WriteEAC3(m.audioTrack, pts, data)
	case *mpegts.CodecMPEG1Audio:
		return m.writer.WriteMPEG1Audio(m.audioTrack, pts, [][]byte{data})
	case *mpegts.CodecOpus:
		return m.writer.WriteOpus(m.audioTrack, pts, [][]byte{data})
	default:
		return fmt.Errorf("unsupported audio codec")
	}
}

// HasVideo reports whether this muxer was configured with a video track.
func (m *PipeMuxer) HasVideo() bool { return m.videoTrack != nil }

// HasAudio reports whether this muxer was configured with an audio track.
func (m *PipeMuxer) HasAudio() bool { return m.audioTrack != nil }

// AnnexBToAU converts packet data that may or may not carry Annex-B start
// codes into a mediacommon access unit.
func AnnexBToAU(data []byte) [][]byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err == nil {
		return au
	}
	return [][]byte{data}
}
