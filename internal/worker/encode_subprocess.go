package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/pathrelay/internal/demux"
	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

// encodeSubprocess owns one persistent ffmpeg process per transcode
// variant: raw decoded frames go in on stdin, and an MPEG-TS elementary
// stream comes out on stdout. Output is re-demuxed with the same
// MPEGTSDemuxer the ingress side uses, which hands back packets already
// tagged with PTS/DTS/keyframe flags instead of requiring the worker to
// hand-parse the encoder's bitstream.
type encodeSubprocess struct {
	logger   *slog.Logger
	timebase frame.Rational

	cmd    *ffmpeg.Command
	stdin  io.WriteCloser
	demuxr *demux.MPEGTSDemuxer

	rawFrameBytes int
	isVideo       bool
}

func newEncodeSubprocess(binary string, v variant.Variant, logger *slog.Logger) (*encodeSubprocess, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch v.Kind {
	case variant.KindTranscodeVideo:
		return newVideoEncodeSubprocess(binary, *v.Video, logger)
	case variant.KindTranscodeAudio:
		return newAudioEncodeSubprocess(binary, *v.Audio, logger)
	default:
		return nil, fmt.Errorf("variant kind %s does not encode", v.Kind)
	}
}

func newVideoEncodeSubprocess(binary string, p variant.VideoParams, logger *slog.Logger) (*encodeSubprocess, error) {
	builder := ffmpeg.NewCommandBuilder(binary).
		LogLevel("error").
		InputArgs("-f", "rawvideo", "-pix_fmt", "yuv420p",
			"-s", fmt.Sprintf("%dx%d", p.Width, p.Height)).
		Input("pipe:0").
		VideoCodec(ffmpegEncoderName(p.Codec)).
		VideoPreset("fast").
		OutputArgs("-g", gopSize(p)).
		MpegtsArgs().
		Output("pipe:1")
	if p.Bitrate > 0 {
		builder = builder.VideoBitrate(fmt.Sprintf("%d", p.Bitrate))
	}

	s := &encodeSubprocess{
		logger:        logger,
		timebase:      frame.MPEGTSTimebase,
		rawFrameBytes: p.Width * p.Height * 3 / 2,
		isVideo:       true,
	}
	if err := s.start(builder); err != nil {
		return nil, err
	}
	return s, nil
}

func newAudioEncodeSubprocess(binary string, p variant.AudioParams, logger *slog.Logger) (*encodeSubprocess, error) {
	builder := ffmpeg.NewCommandBuilder(binary).
		LogLevel("error").
		InputArgs("-f", "s16le", "-ar", fmt.Sprintf("%d", p.SampleRate), "-ac", fmt.Sprintf("%d", p.Channels)).
		Input("pipe:0").
		AudioCodec(ffmpegEncoderName(p.Codec)).
		AudioChannels(p.Channels).
		MpegtsArgs().
		Output("pipe:1")
	if p.Bitrate > 0 {
		builder = builder.AudioBitrate(fmt.Sprintf("%d", p.Bitrate))
	}

	s := &encodeSubprocess{
		logger:   logger,
		timebase: frame.MPEGTSTimebase,
	}
	if err := s.start(builder); err != nil {
		return nil, err
	}
	return s, nil
}

func ffmpegEncoderName(codec string) string {
	switch codec {
	case "h264":
		return "libx264"
	case "h265", "hevc":
		return "libx265"
	case "aac":
		return "aac"
	case "opus":
		return "libopus"
	default:
		return codec
	}
}

func gopSize(p variant.VideoParams) string {
	interval := p.KeyframeInterval
	if interval <= 0 {
		interval = 2
	}
	fps := p.FPS
	if fps <= 0 {
		fps = 30
	}
	return fmt.Sprintf("%d", int(fps)*interval)
}

func (s *encodeSubprocess) start(builder *ffmpeg.CommandBuilder) error {
	cmd := builder.Build()
	s.cmd = cmd

	ctx := context.Background()
	cmd.Prepare(ctx)
	stdin, err := cmd.Stdin()
	if err != nil {
		return fmt.Errorf("opening encoder stdin: %w", err)
	}
	stdout, err := cmd.Stdout()
	if err != nil {
		return fmt.Errorf("opening encoder stdout: %w", err)
	}
	if err := cmd.Start(ctx); err != nil {
		return fmt.Errorf("starting encoder process: %w", err)
	}
	s.stdin = stdin

	s.demuxr = demux.NewMPEGTSDemuxer(s.logger)
	go pumpStdoutIntoDemuxer(stdout, s.demuxr)
	return nil
}

func pumpStdoutIntoDemuxer(r io.Reader, d *demux.MPEGTSDemuxer) {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_ = d.Write(buf[:n])
		}
		if err != nil {
			d.Flush()
			return
		}
	}
}

// Encode writes a decoded frame's raw samples to the subprocess and
// drains every packet the demuxer has produced so far without blocking.
func (s *encodeSubprocess) Encode(f frame.Frame) ([]frame.Packet, error) {
	if _, err := s.stdin.Write(f.Data); err != nil {
		return nil, fmt.Errorf("writing frame to encoder: %w", err)
	}
	return s.drain(), nil
}

func (s *encodeSubprocess) drain() []frame.Packet {
	var out []frame.Packet
	for {
		select {
		case pkt, ok := <-s.demuxr.Packets():
			if !ok {
				return out
			}
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// Flush closes stdin to signal EOF, then drains any remaining packets.
func (s *encodeSubprocess) Flush() ([]frame.Packet, error) {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	var out []frame.Packet
	for pkt := range s.demuxr.Packets() {
		out = append(out, pkt)
	}
	return out, nil
}

// Close releases the subprocess.
func (s *encodeSubprocess) Close() error {
	return s.cmd.Kill()
}

// ProcessStats returns the encoder subprocess's current CPU/memory usage.
func (s *encodeSubprocess) ProcessStats() *ffmpeg.ProcessStats {
	return s.cmd.ProcessStats()
}
