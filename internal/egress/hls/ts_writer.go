package hls

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101

	// tsPacketSize is the fixed MPEG-TS packet size every segment/partial
	// boundary must land on. Grounded on spec 4.4.2's alignment invariant.
	tsPacketSize = 188
)

// tsContainer writes one self-contained MPEG-TS file per segment. Every
// new file gets a fresh mpegts.Writer so each segment carries its own
// PAT/PMT, matching "segments are self-contained .ts files". Grounded on
// the upstream daemon's ts_muxer.go (mediacommon Writer setup, per-codec
// write dispatch).
type tsContainer struct {
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
	writer     *mpegts.Writer
	file       *countingFile
}

func newTSContainer(videoCodec, audioCodec string, aacConfig *mpeg4audio.AudioSpecificConfig) *tsContainer {
	c := &tsContainer{}
	if videoCodec != "" {
		c.videoTrack = &mpegts.Track{PID: tsVideoPID, Codec: tsVideoCodec(videoCodec)}
	}
	if audioCodec != "" {
		c.audioTrack = &mpegts.Track{PID: tsAudioPID, Codec: tsAudioCodec(audioCodec, aacConfig)}
	}
	return c
}

func tsVideoCodec(name string) mpegts.Codec {
	if name == "h265" || name == "hevc" {
		return &mpegts.CodecH265{}
	}
	return &mpegts.CodecH264{}
}

func tsAudioCodec(name string, aacConfig *mpeg4audio.AudioSpecificConfig) mpegts.Codec {
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

// openFile rotates the container onto a new output file, writing fresh
// PAT/PMT tables immediately so the segment is playable standalone.
func (c *tsContainer) openFile(path string) error {
	f, err := newCountingFile(path)
	if err != nil {
		return err
	}
	c.file = f

	var tracks []*mpegts.Track
	if c.videoTrack != nil {
		tracks = append(tracks, c.videoTrack)
	}
	if c.audioTrack != nil {
		tracks = append(tracks, c.audioTrack)
	}

	c.writer = &mpegts.Writer{W: f, Tracks: tracks}
	if err := c.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	if _, err := c.writer.WriteTables(); err != nil {
		return fmt.Errorf("writing PAT/PMT: %w", err)
	}
	return nil
}

func (c *tsContainer) close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

func (c *tsContainer) bytesWritten() int64 {
	if c.file == nil {
		return 0
	}
	return c.file.written
}

func (c *tsContainer) writeVideo(pts, dts int64, au [][]byte) error {
	if c.videoTrack == nil {
		return fmt.Errorf("no video track configured")
	}
	if _, isH265 := c.videoTrack.Codec.(*mpegts.CodecH265); isH265 {
		return c.writer.WriteH265(c.videoTrack, pts, dts, au)
	}
	return c.writer.WriteH264(c.videoTrack, pts, dts, au)
}

func (c *tsContainer) writeAudio(pts int64, data []byte) error {
	if c.audioTrack == nil {
		return fmt.Errorf("no audio track configured")
	}
	switch c.audioTrack.Codec.(type) {
	case *mpegts.CodecMPEG4Audio:
		return c.writer.WriteMPEG4Audio(c.audioTrack, pts, [][]byte{data})
	case *mpegts.CodecAC3:
		return c.writer.WriteAC3(c.audioTrack, pts, data)
	case *mpegts.CodecEAC3:
		return c.writer.WriteEAC3(c.audioTrack, pts, data)
	case *mpegts.CodecMPEG1Audio:
		return c.writer.WriteMPEG1Audio(c.audioTrack, pts, [][]byte{data})
	case *mpegts.CodecOpus:
		return c.writer.WriteOpus(c.audioTrack, pts, [][]byte{data})
	default:
		return fmt.Errorf("unsupported audio codec")
	}
}

// annexBToAU converts packet data that may or may not carry Annex-B start
// codes into a mediacommon access unit.
func annexBToAU(data []byte) [][]byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err == nil {
		return au
	}
	return [][]byte{data}
}

