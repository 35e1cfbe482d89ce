package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/frame"
)

// Decoder turns compressed packets for one source stream into decoded
// frames. The runner owns exactly one Decoder per source stream that has
// at least one transcode variant or needs thumbnail sampling; copy-only
// streams never touch a Decoder.
type Decoder interface {
	// Decode submits a packet and returns any frames the decoder has
	// produced so far. Decoders may buffer internally (B-frame reorder,
	// audio resampling), so a single call can return zero or several
	// frames, and a frame can be returned several packets after the one
	// that produced it.
	Decode(ctx context.Context, pkt frame.Packet) ([]frame.Frame, error)
	// Close stops the subprocess and releases resources.
	Close() error
}

// rawFrameFormat is the fixed intermediate format the decoder asks ffmpeg
// to emit on stdout, chosen so the reorder buffer, PTS repair, and the
// worker's scale/resample step never have to special-case pixel or
// sample formats coming out of decode.
const (
	rawVideoPixFmt    = "yuv420p"
	rawAudioSampleFmt = "s16le"
)

// FFmpegDecoder decodes one elementary source stream by piping its
// compressed packets into a long-running ffmpeg process and parsing raw
// frames back out of stdout. It is the decode-side counterpart of the
// worker's encode subprocess (internal/worker), both built on the same
// CommandBuilder/Command wrapper.
type FFmpegDecoder struct {
	logger *slog.Logger

	kind frame.StreamKind

	// Video geometry, fixed for the life of the decoder (ffmpeg emits
	// unscaled decoded frames; the worker does any resizing).
	width, height int

	// Audio format, fixed for the life of the decoder.
	sampleRate, channels int

	cmd    *ffmpeg.Command
	stdin  io.WriteCloser
	stdout io.ReadCloser

	frameBytes int
	timebase   frame.Rational

	frames chan []byte
	readMu sync.Mutex
}

// NewFFmpegVideoDecoder starts a decoder for a video source stream
// identified by its codec name (e.g. "h264", "hevc").
func NewFFmpegVideoDecoder(ctx context.Context, binary, codec string, width, height int, logger *slog.Logger) (*FFmpegDecoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := ffmpeg.NewCommandBuilder(binary).
		LogLevel("error").
		InputArgs("-f", codec).
		Input("pipe:0").
		OutputArgs("-f", "rawvideo", "-pix_fmt", rawVideoPixFmt, "-s", fmt.Sprintf("%dx%d", width, height)).
		Output("pipe:1").
		Build()

	d := &FFmpegDecoder{
		logger:     logger,
		kind:       frame.StreamVideo,
		width:      width,
		height:     height,
		cmd:        cmd,
		frameBytes: width * height * 3 / 2, // yuv420p
		timebase:   frame.MPEGTSTimebase,
	}
	if err := d.start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFFmpegAudioDecoder starts a decoder for an audio source stream.
func NewFFmpegAudioDecoder(ctx context.Context, binary, codec string, sampleRate, channels int, logger *slog.Logger) (*FFmpegDecoder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	cmd := ffmpeg.NewCommandBuilder(binary).
		LogLevel("error").
		InputArgs("-f", codec).
		Input("pipe:0").
		OutputArgs("-f", rawAudioSampleFmt, "-ar", fmt.Sprintf("%d", sampleRate), "-ac", fmt.Sprintf("%d", channels)).
		Output("pipe:1").
		Build()

	const samplesPerFrame = 1024
	d := &FFmpegDecoder{
		logger:     logger,
		kind:       frame.StreamAudio,
		sampleRate: sampleRate,
		channels:   channels,
		cmd:        cmd,
		frameBytes: samplesPerFrame * channels * 2, // s16le
		timebase:   frame.MPEGTSTimebase,
	}
	if err := d.start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FFmpegDecoder) start(ctx context.Context) error {
	d.cmd.Prepare(ctx)
	stdin, err := d.cmd.Stdin()
	if err != nil {
		return fmt.Errorf("opening decoder stdin: %w", err)
	}
	stdout, err := d.cmd.Stdout()
	if err != nil {
		return fmt.Errorf("opening decoder stdout: %w", err)
	}
	if err := d.cmd.Start(ctx); err != nil {
		return fmt.Errorf("starting decoder process: %w", err)
	}
	d.stdin = stdin
	d.stdout = stdout
	d.frames = make(chan []byte, 8)
	go d.readLoop()
	return nil
}

// readLoop continuously reads fixed-size raw frames off stdout and
// forwards them on d.frames until the pipe closes.
func (d *FFmpegDecoder) readLoop() {
	defer close(d.frames)
	r := bufio.NewReaderSize(d.stdout, d.frameBytes*4)
	for {
		buf := make([]byte, d.frameBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		d.frames <- buf
	}
}

// Decode implements Decoder. It writes the packet's compressed bytes to
// the subprocess and drains any fully-formed raw frames currently
// available on stdout without blocking for more than one frame's worth
// of data, so the caller's reorder buffer always makes progress.
func (d *FFmpegDecoder) Decode(ctx context.Context, pkt frame.Packet) ([]frame.Frame, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	if _, err := d.stdin.Write(pkt.Data); err != nil {
		return nil, fmt.Errorf("writing packet to decoder: %w", err)
	}

	var out []frame.Frame
	for {
		select {
		case buf, ok := <-d.frames:
			if !ok {
				return out, nil
			}
			out = append(out, d.frameFromBuf(pkt, buf))
		case <-ctx.Done():
			return out, ctx.Err()
		default:
			return out, nil
		}
	}
}

func (d *FFmpegDecoder) frameFromBuf(pkt frame.Packet, buf []byte) frame.Frame {
	f := frame.Frame{
		StreamIndex: pkt.StreamIndex,
		Kind:        d.kind,
		PTS:         pkt.PTS,
		Duration:    pkt.Duration,
		Timebase:    d.timebase,
		Data:        buf,
	}
	if d.kind == frame.StreamVideo {
		f.Width = d.width
		f.Height = d.height
		f.PixFmt = rawVideoPixFmt
		f.IsKeyframe = pkt.IsKeyframe
	} else {
		f.SampleRate = d.sampleRate
		f.Channels = d.channels
		f.SampleFmt = rawAudioSampleFmt
	}
	return f
}

// Close implements Decoder.
func (d *FFmpegDecoder) Close() error {
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	return d.cmd.Kill()
}

var _ Decoder = (*FFmpegDecoder)(nil)
