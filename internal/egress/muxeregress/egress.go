package muxeregress

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
)

// Opener spawns a fresh ffmpeg subprocess and opens a PipeMuxer writing
// into its stdin. It's called once at construction and again every time
// Reset() runs, since reset closes the current muxer and the pipeline
// keeps delivering packets afterward (spec.md 4.5: "reset() closes the
// muxer").
type Opener func() (*ffmpeg.Command, io.WriteCloser, *PipeMuxer, error)

// Egress is the process_packet(packet, variant_id) + reset() contract
// shared by the recorder and the RTMP forwarder: a variant-id -> stream
// map, rewritten onto whichever track the packet belongs to, written
// through to a single ongoing PipeMuxer. Grounded on original_source's
// MuxerEgress.
type Egress struct {
	id       uuid.UUID
	critical bool
	logger   *slog.Logger

	videoVariantID *uuid.UUID
	audioVariantID *uuid.UUID

	open Opener

	mu     sync.Mutex
	cmd    *ffmpeg.Command
	stdin  io.WriteCloser
	muxer  *PipeMuxer
	closed bool
}

// New constructs the egress and opens its first muxer. A failure here
// propagates directly to the caller, matching spec.md's "recorder errors
// propagate as a flag at construction time" for the critical case.
func New(id uuid.UUID, critical bool, videoVariantID, audioVariantID *uuid.UUID, open Opener, logger *slog.Logger) (*Egress, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Egress{
		id:             id,
		critical:       critical,
		logger:         logger,
		videoVariantID: videoVariantID,
		audioVariantID: audioVariantID,
		open:           open,
	}
	if err := e.openNew(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Egress) openNew() error {
	cmd, stdin, muxer, err := e.open()
	if err != nil {
		return err
	}
	e.cmd, e.stdin, e.muxer = cmd, stdin, muxer
	return nil
}

// ID implements egress.Egress.
func (e *Egress) ID() uuid.UUID { return e.id }

// Critical implements egress.Egress.
func (e *Egress) Critical() bool { return e.critical }

// ProcessPacket implements egress.Egress: route the packet to whichever
// track it belongs to, rescaling PTS/DTS onto the MPEG-TS 90kHz clock the
// pipe muxer writes in. Neither the recorder nor the RTMP forwarder
// produces discrete segment events.
func (e *Egress) ProcessPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.muxer == nil {
		return nil, nil, nil
	}

	isVideo := e.videoVariantID != nil && *e.videoVariantID == variantID
	isAudio := e.audioVariantID != nil && *e.audioVariantID == variantID
	if !isVideo && !isAudio {
		return nil, nil, nil
	}

	pts := frame.Rescale(pkt.PTS, pkt.Timebase, frame.MPEGTSTimebase)
	if isVideo {
		dts := frame.Rescale(pkt.DTS, pkt.Timebase, frame.MPEGTSTimebase)
		return nil, nil, e.muxer.WriteVideo(pts, dts, AnnexBToAU(pkt.Data))
	}
	return nil, nil, e.muxer.WriteAudio(pts, pkt.Data)
}

// Reset implements egress.Egress by closing the current muxer and opening
// a fresh one, so recording/forwarding continues across an upstream
// discontinuity instead of leaving the egress permanently dead.
func (e *Egress) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if err := e.closeCurrentLocked(); err != nil {
		e.logger.Error("closing muxer on reset", "egress", e.id, "error", err)
	}
	if err := e.openNew(); err != nil {
		e.logger.Error("reopening muxer after reset", "egress", e.id, "error", err)
	}
}

// Close implements egress.Egress.
func (e *Egress) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.closeCurrentLocked()
}

func (e *Egress) closeCurrentLocked() error {
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	var err error
	if e.cmd != nil {
		err = e.cmd.Wait()
	}
	e.stdin, e.cmd, e.muxer = nil, nil, nil
	return err
}
