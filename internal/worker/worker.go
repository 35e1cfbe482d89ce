// Package worker runs one goroutine per pipeline variant, scaling and
// encoding video frames, resampling and encoding audio frames, muxing
// copy packets straight through, and sampling thumbnails, then handing
// everything it produces to the shared egress list. Grounded on the
// upstream project's pipeline worker thread (one OS thread per variant,
// a single command channel, scale-then-encode / resample-then-encode
// command handling).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/egress"
	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

// CommandKind discriminates the four messages a worker accepts.
type CommandKind int

const (
	CmdEncodeFrame CommandKind = iota
	CmdSaveThumbnail
	CmdMuxPacket
	CmdFlush
)

// Command is one unit of work sent to a variant worker.
type Command struct {
	Kind      CommandKind
	Frame     frame.Frame
	Packet    frame.Packet
	ThumbPath string
}

// Worker processes every command for one variant on its own goroutine,
// so a slow encoder never blocks other variants or the runner's packet
// loop.
type Worker struct {
	logger *slog.Logger

	variant      variant.Variant
	egressList   *egress.List
	overseer     overseer.Overseer
	connectionID string
	ffmpegBinary string

	queue chan Command
	done  chan struct{}

	encodeProc *encodeSubprocess
	didFlush   bool
}

// New constructs a worker for one variant. Call Run to start its
// goroutine before sending commands.
func New(v variant.Variant, egressList *egress.List, ov overseer.Overseer, connectionID, ffmpegBinary string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		logger:       logger,
		variant:      v,
		egressList:   egressList,
		overseer:     ov,
		connectionID: connectionID,
		ffmpegBinary: ffmpegBinary,
		queue:        make(chan Command, 128),
		done:         make(chan struct{}),
	}
}

// Send enqueues a command. Safe to call concurrently; blocks only if the
// worker's queue is full, which back-pressures the runner onto a single
// slow variant rather than dropping frames silently.
func (w *Worker) Send(cmd Command) {
	w.queue <- cmd
}

// Run starts the worker's processing goroutine.
func (w *Worker) Run() {
	go w.loop()
}

// Done returns a channel closed once the worker's loop has returned,
// which happens only after it has processed a CmdFlush (or its queue was
// closed). Callers use this to wait for a flushed drain to finish before
// tearing down shared state the worker might still write to, such as the
// egress list.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// VariantID identifies which variant this worker drives.
func (w *Worker) VariantID() uuid.UUID {
	return w.variant.Mapping.ID
}

// ProcessStats returns the resource usage of this worker's ffmpeg encoder
// subprocess, or nil for a copy-kind worker (which has no subprocess) or
// before the first frame has started the encoder.
func (w *Worker) ProcessStats() *ffmpeg.ProcessStats {
	if w.encodeProc == nil {
		return nil
	}
	return w.encodeProc.ProcessStats()
}

func (w *Worker) loop() {
	defer close(w.done)
	for cmd := range w.queue {
		if err := w.process(cmd); err != nil {
			w.logger.Error("variant worker command failed",
				slog.String("variant_id", w.variant.Mapping.ID.String()),
				slog.String("error", err.Error()))
		}
		if cmd.Kind == CmdFlush {
			return
		}
	}
}

func (w *Worker) process(cmd Command) error {
	switch cmd.Kind {
	case CmdEncodeFrame:
		return w.encodeFrame(cmd.Frame)
	case CmdSaveThumbnail:
		return w.saveThumbnail(cmd.Frame, cmd.ThumbPath)
	case CmdMuxPacket:
		return w.egressPacket(cmd.Packet)
	case CmdFlush:
		w.didFlush = true
		return w.flush()
	default:
		return fmt.Errorf("unknown worker command kind %d", cmd.Kind)
	}
}

// encodeFrame scales (video) or resamples into a FIFO (audio), then
// encodes via a persistent ffmpeg subprocess and routes the resulting
// packets to egress. Scaling itself happens inside the ffmpeg subprocess
// via its own -vf scale filter; the Go side only owns process lifecycle
// and timestamp rescaling.
func (w *Worker) encodeFrame(f frame.Frame) error {
	if w.encodeProc == nil {
		proc, err := newEncodeSubprocess(w.ffmpegBinary, w.variant, w.logger)
		if err != nil {
			return fmt.Errorf("starting encoder for variant %s: %w", w.variant.Mapping.ID, err)
		}
		w.encodeProc = proc
	}

	// Rescale PTS and duration from the decoder's timebase into the
	// encoder's declared timebase before handing the frame to ffmpeg.
	encTB := w.encodeProc.timebase
	f.PTS = frame.Rescale(f.PTS, f.Timebase, encTB)
	f.Duration = frame.Rescale(f.Duration, f.Timebase, encTB)
	f.Timebase = encTB

	pkts, err := w.encodeProc.Encode(f)
	if err != nil {
		return err
	}
	return w.egressPackets(pkts)
}

func (w *Worker) saveThumbnail(f frame.Frame, dstPath string) error {
	start := time.Now()
	if err := encodeThumbnail(w.ffmpegBinary, f, dstPath); err != nil {
		return fmt.Errorf("encoding thumbnail: %w", err)
	}
	w.overseer.OnThumbnail(context.Background(), overseer.ThumbnailInfo{
		Path:      dstPath,
		Timestamp: time.Since(start),
	})
	return nil
}

func (w *Worker) egressPacket(pkt frame.Packet) error {
	return w.egressPackets([]frame.Packet{pkt})
}

func (w *Worker) egressPackets(pkts []frame.Packet) error {
	var created, deleted []overseer.SegmentInfo
	for _, pkt := range pkts {
		c, d, nonCritical, err := w.egressList.Dispatch(w.variant.Mapping.ID, pkt)
		created = append(created, c...)
		deleted = append(deleted, d...)
		for _, nc := range nonCritical {
			w.logger.Warn("non-critical egress error", slog.String("variant_id", w.variant.Mapping.ID.String()), slog.String("error", nc.Error()))
		}
		if err != nil {
			return fmt.Errorf("critical egress failure: %w", err)
		}
	}
	if len(created) > 0 || len(deleted) > 0 {
		w.overseer.OnSegments(context.Background(), created, deleted)
	}
	return nil
}

func (w *Worker) flush() error {
	if w.encodeProc != nil {
		pkts, err := w.encodeProc.Flush()
		if err != nil {
			return err
		}
		if egErr := w.egressPackets(pkts); egErr != nil {
			return egErr
		}
		_ = w.encodeProc.Close()
	}
	return nil
}
