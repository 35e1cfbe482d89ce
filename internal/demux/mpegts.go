// Package demux probes an ingress byte stream and turns it into a stream
// of tagged packets plus the stream descriptors the variant package needs
// to resolve a PipelineConfig. The MPEG-TS implementation wraps
// mediacommon's mpegts.Reader behind an io.Pipe, mirroring the daemon's
// TS-to-elementary-stream demuxer: a reader goroutine owns the
// mediacommon state machine and the caller feeds it bytes via Write.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

// Demuxer turns a raw ingress byte stream into a channel of tagged packets
// and exposes the stream descriptors discovered while probing.
type Demuxer interface {
	// WaitInitialized blocks until the container header (PAT/PMT for TS)
	// has been read and stream descriptors are available, or ctx is done.
	WaitInitialized(ctx context.Context) error

	// Streams returns the descriptors discovered during initialization.
	// Only valid after WaitInitialized returns nil.
	Streams() []variant.StreamDescriptor

	// Packets returns the channel packets are delivered on. Closed when
	// the underlying stream ends or Close is called.
	Packets() <-chan frame.Packet

	// Write feeds raw container bytes to the demuxer.
	Write(data []byte) error

	// Flush signals end of input and blocks until the reader goroutine
	// has drained everything already written.
	Flush()

	// Close aborts the demuxer immediately.
	Close()
}

// MPEGTSDemuxer demuxes an MPEG-TS ingress stream into elementary packets.
type MPEGTSDemuxer struct {
	logger *slog.Logger

	reader *mpegts.Reader

	trackIndex map[*mpegts.Track]int
	streams    []variant.StreamDescriptor

	audioFrameDuration map[int]int64
	audioSampleRate    map[int]int

	pipeMu     sync.Mutex
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	packets chan frame.Packet

	initOnce sync.Once
	initErr  error
	// ready closes once track discovery completes (success or failure),
	// letting WaitInitialized return as soon as stream descriptors are
	// available instead of waiting for the whole stream to end.
	ready chan struct{}
	// done closes when the reader goroutine exits entirely.
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMPEGTSDemuxer constructs a demuxer and starts its reader goroutine.
// Logger may be nil, in which case slog.Default() is used.
func NewMPEGTSDemuxer(logger *slog.Logger) *MPEGTSDemuxer {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	d := &MPEGTSDemuxer{
		logger:             logger,
		trackIndex:         make(map[*mpegts.Track]int),
		audioFrameDuration: make(map[int]int64),
		audioSampleRate:    make(map[int]int),
		pipeReader:         pr,
		pipeWriter:         pw,
		packets:            make(chan frame.Packet, 256),
		ready:              make(chan struct{}),
		done:               make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
	}

	go d.runReader()

	return d
}

func (d *MPEGTSDemuxer) runReader() {
	defer func() {
		d.pipeReader.Close()
		close(d.packets)
		d.initOnce.Do(func() { close(d.ready) })
		close(d.done)
	}()

	d.reader = &mpegts.Reader{R: d.pipeReader}

	if err := d.reader.Initialize(); err != nil {
		d.initErr = fmt.Errorf("initializing mpegts reader: %w", err)
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			d.logger.Info("mpegts demuxer initialization failed", slog.String("error", err.Error()))
		}
		return
	}

	for i, track := range d.reader.Tracks() {
		d.trackIndex[track] = i
		d.setupTrackCallback(i, track)
	}

	d.initOnce.Do(func() {
		d.logger.Debug("mpegts demuxer ready", slog.Int("stream_count", len(d.streams)))
		close(d.ready)
	})

	d.reader.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if err := d.reader.Read(); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					d.logger.Debug("mpegts demuxer stream ended", slog.String("reason", err.Error()))
					return
				}
				d.logger.Info("mpegts demuxer read error, exiting", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (d *MPEGTSDemuxer) setupTrackCallback(index int, track *mpegts.Track) {
	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		d.streams = append(d.streams, variant.StreamDescriptor{Index: index, Kind: variant.StreamHintVideo, Codec: "h264"})
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.handleVideo(index, pts, dts, au, false)
		})

	case *mpegts.CodecH265:
		d.streams = append(d.streams, variant.StreamDescriptor{Index: index, Kind: variant.StreamHintVideo, Codec: "h265"})
		d.reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return d.handleVideo(index, pts, dts, au, true)
		})

	case *mpegts.CodecMPEG4Audio:
		sampleRate := codec.Config.SampleRate
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		d.audioSampleRate[index] = sampleRate
		d.audioFrameDuration[index] = int64(1024 * 90000 / sampleRate)
		d.streams = append(d.streams, variant.StreamDescriptor{
			Index: index, Kind: variant.StreamHintAudio, Codec: "aac",
			SampleRate: sampleRate, Channels: codec.Config.ChannelCount,
		})
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.handleMultiFrameAudio(index, pts, aus, 1920)
		})

	case *mpegts.CodecAC3:
		d.streams = append(d.streams, variant.StreamDescriptor{
			Index: index, Kind: variant.StreamHintAudio, Codec: "ac3",
			SampleRate: codec.SampleRate, Channels: codec.ChannelCount,
		})
		d.reader.OnDataAC3(track, func(pts int64, f []byte) error {
			return d.handleSingleFrameAudio(index, pts, f)
		})

	case *mpegts.CodecEAC3:
		sampleRate := codec.SampleRate
		if sampleRate <= 0 {
			sampleRate = 48000
		}
		d.audioFrameDuration[index] = int64(1536 * 90000 / sampleRate)
		d.streams = append(d.streams, variant.StreamDescriptor{
			Index: index, Kind: variant.StreamHintAudio, Codec: "eac3",
			SampleRate: sampleRate, Channels: codec.ChannelCount,
		})
		d.reader.OnDataEAC3(track, func(pts int64, f []byte) error {
			return d.handleSingleFrameAudio(index, pts, f)
		})

	case *mpegts.CodecMPEG1Audio:
		d.audioFrameDuration[index] = int64(1152 * 90000 / 48000)
		d.streams = append(d.streams, variant.StreamDescriptor{Index: index, Kind: variant.StreamHintAudio, Codec: "mp3", SampleRate: 48000})
		d.reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			return d.handleMultiFrameAudio(index, pts, frames, 2160)
		})

	case *mpegts.CodecOpus:
		d.audioFrameDuration[index] = int64(960 * 90000 / 48000)
		d.streams = append(d.streams, variant.StreamDescriptor{
			Index: index, Kind: variant.StreamHintAudio, Codec: "opus", SampleRate: 48000, Channels: codec.ChannelCount,
		})
		d.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			return d.handleMultiFrameAudio(index, pts, packets, 1800)
		})

	default:
		d.logger.Debug("unsupported mpegts track", slog.String("type", fmt.Sprintf("%T", track.Codec)))
	}
}

func (d *MPEGTSDemuxer) handleVideo(index int, pts, dts int64, au [][]byte, hevc bool) error {
	if len(au) == 0 {
		return nil
	}
	isKeyframe := h264.IsRandomAccess(au)
	if hevc {
		isKeyframe = h265.IsRandomAccess(au)
	}
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return nil
	}
	d.emit(frame.Packet{
		StreamIndex: index,
		Kind:        frame.StreamVideo,
		PTS:         pts,
		DTS:         dts,
		Timebase:    frame.MPEGTSTimebase,
		Data:        annexB,
		IsKeyframe:  isKeyframe,
	})
	return nil
}

func (d *MPEGTSDemuxer) handleMultiFrameAudio(index int, pts int64, units [][]byte, fallbackDuration int64) error {
	frameDuration := d.audioFrameDuration[index]
	if frameDuration <= 0 {
		frameDuration = fallbackDuration
	}
	current := pts
	for _, u := range units {
		if len(u) == 0 {
			continue
		}
		d.emit(frame.Packet{
			StreamIndex: index,
			Kind:        frame.StreamAudio,
			PTS:         current,
			DTS:         current,
			Duration:    frameDuration,
			Timebase:    frame.MPEGTSTimebase,
			Data:        u,
		})
		current += frameDuration
	}
	return nil
}

func (d *MPEGTSDemuxer) handleSingleFrameAudio(index int, pts int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	d.emit(frame.Packet{
		StreamIndex: index,
		Kind:        frame.StreamAudio,
		PTS:         pts,
		DTS:         pts,
		Timebase:    frame.MPEGTSTimebase,
		Data:        data,
	})
	return nil
}

func (d *MPEGTSDemuxer) emit(p frame.Packet) {
	select {
	case d.packets <- p:
	case <-d.ctx.Done():
	}
}

// Streams implements Demuxer.
func (d *MPEGTSDemuxer) Streams() []variant.StreamDescriptor {
	return d.streams
}

// Packets implements Demuxer.
func (d *MPEGTSDemuxer) Packets() <-chan frame.Packet {
	return d.packets
}

// Write implements Demuxer.
func (d *MPEGTSDemuxer) Write(data []byte) error {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	if _, err := d.pipeWriter.Write(data); err != nil {
		return fmt.Errorf("writing to demuxer pipe: %w", err)
	}
	return nil
}

// Flush implements Demuxer.
func (d *MPEGTSDemuxer) Flush() {
	d.pipeMu.Lock()
	d.pipeWriter.Close()
	d.pipeMu.Unlock()
	<-d.done
}

// Close implements Demuxer.
func (d *MPEGTSDemuxer) Close() {
	d.cancel()
	d.pipeWriter.Close()
}

// WaitInitialized implements Demuxer.
func (d *MPEGTSDemuxer) WaitInitialized(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ready:
		return d.initErr
	}
}

var _ Demuxer = (*MPEGTSDemuxer)(nil)
