// Package pipeline implements the per-connection demux-decode-dispatch
// loop: one Runner per ingress connection, owning the demuxer, the
// decoders, the reorder buffers, and the PTS-repair state, and fanning
// work out to per-variant workers. Grounded on the upstream project's
// pipeline runner (probe-once, single shared decoder per source stream,
// reorder-then-repair-then-dispatch iteration).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/demux"
	"github.com/jmylchreest/pathrelay/internal/egress"
	"github.com/jmylchreest/pathrelay/internal/egress/hls"
	"github.com/jmylchreest/pathrelay/internal/egress/moq"
	"github.com/jmylchreest/pathrelay/internal/egress/recorder"
	"github.com/jmylchreest/pathrelay/internal/egress/rtmpfwd"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
	"github.com/jmylchreest/pathrelay/internal/worker"
)

// State is the runner's coarse lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateNormal
	StateShutdown
)

// Command is sent on the runner's command channel for out-of-band control
// independent of the packet stream (shutdown requests, externally sourced
// metrics to fold into the stats stream).
type Command struct {
	Shutdown bool
	Ingress  *overseer.IngressStats
	Egress   *overseer.EgressStats
}

// Config controls runner behavior that isn't part of the resolved
// PipelineConfig: output paths, sampling cadence, decoder binary.
type Config struct {
	OutputDir         string
	ThumbInterval     time.Duration
	StatsInterval     time.Duration
	FFmpegBinary      string
	ReorderBufferSize int
}

// Runner drives one ingress connection from raw bytes to every configured
// egress. Call Run in its own goroutine; send to CommandChannel() for
// external control; the run exits when the demuxer reaches EOF, a fatal
// error occurs, or a Shutdown command arrives.
type Runner struct {
	logger *slog.Logger
	cfg    Config

	connectionID string
	demuxer      demux.Demuxer
	overseer     overseer.Overseer

	pipelineCfg *variant.PipelineConfig
	decoders    map[int]Decoder
	reorders    map[int]*frame.ReorderBuffer
	ptsRepair   map[int]*frame.PTSRepair

	egressList *egress.List
	workers    map[uuid.UUID]*worker.Worker

	state State

	frameCount      uint64
	fpsLastFrameCtr uint64
	lastStats       time.Time
	lastThumb       time.Time
	lastVideoPTS    int64
	lastAudioPTS    int64

	cmdCh chan Command
	mu    sync.Mutex
}

// New constructs a runner for one connection. The demuxer must already be
// wired to receive bytes (its Write method is what the ingress transport
// calls as data arrives).
func New(connectionID string, d demux.Demuxer, ov overseer.Overseer, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	// A zero ThumbInterval means "use the default cadence"; a negative
	// value is how callers explicitly disable thumbnail sampling, which
	// setupDecoders and maybeSampleThumbnail both honor below.
	if cfg.ThumbInterval == 0 {
		cfg.ThumbInterval = 5 * time.Minute
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	if cfg.ReorderBufferSize <= 0 {
		cfg.ReorderBufferSize = 32
	}
	return &Runner{
		logger:       logger,
		cfg:          cfg,
		connectionID: connectionID,
		demuxer:      d,
		overseer:     ov,
		decoders:     make(map[int]Decoder),
		reorders:     make(map[int]*frame.ReorderBuffer),
		ptsRepair:    make(map[int]*frame.PTSRepair),
		egressList:   egress.NewList(),
		workers:      make(map[uuid.UUID]*worker.Worker),
		state:        StateUninitialized,
		lastStats:    time.Now(),
		lastThumb:    time.Now().Add(-24 * time.Hour),
		cmdCh:        make(chan Command, 16),
	}
}

// CommandChannel returns the channel external callers send Commands on.
func (r *Runner) CommandChannel() chan<- Command {
	return r.cmdCh
}

// Run drives the pipeline until EOF, a fatal error, or shutdown. It
// returns the terminal error, or nil on clean shutdown/EOF.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("pipeline run starting", slog.String("connection_id", r.connectionID))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case cmd := <-r.cmdCh:
			if cmd.Shutdown {
				r.flush(ctx)
				break loop
			}
			r.handleSidebandMetrics(ctx, cmd)
			continue
		default:
		}

		if r.state == StateUninitialized {
			if err := r.setup(ctx); err != nil {
				runErr = err
				break loop
			}
		}

		switch r.state {
		case StateShutdown:
			break loop
		default:
			cont, err := r.once(ctx)
			if err != nil {
				runErr = err
				break loop
			}
			if !cont {
				break loop
			}
		}

		r.maybeEmitStats(ctx)
	}

	r.overseer.OnEnd(ctx, runErr)
	r.logger.Info("pipeline run ended", slog.String("connection_id", r.connectionID), slog.Any("error", runErr))
	return runErr
}

func (r *Runner) handleSidebandMetrics(ctx context.Context, cmd Command) {
	if cmd.Ingress != nil {
		r.overseer.OnStats(ctx, []overseer.Stats{{Kind: overseer.StatIngress, Ingress: *cmd.Ingress}})
	}
	if cmd.Egress != nil {
		r.overseer.OnStats(ctx, []overseer.Stats{{Kind: overseer.StatEgress, Egress: *cmd.Egress}})
	}
}

// once pulls and processes exactly one packet. Returns false when the
// source has reached EOF and the pipeline should stop.
func (r *Runner) once(ctx context.Context) (bool, error) {
	pkt, ok := <-r.demuxer.Packets()
	if !ok {
		r.flush(ctx)
		return false, nil
	}
	return true, r.processPacket(ctx, pkt)
}

func (r *Runner) setup(ctx context.Context) error {
	if err := r.demuxer.WaitInitialized(ctx); err != nil {
		return err
	}

	descriptors := r.demuxer.Streams()
	info := buildIngressInfo(descriptors)

	cfg, err := r.overseer.StartStream(ctx, r.connectionID, info)
	if err != nil {
		return err
	}
	r.pipelineCfg = cfg

	if err := r.setupDecoders(ctx, descriptors); err != nil {
		return err
	}
	if err := r.setupEgresses(ctx); err != nil {
		return err
	}
	r.setupWorkers()

	r.state = StateNormal
	return nil
}

// setupEgresses constructs one concrete egress per EgressConfig the
// overseer returned and registers it on the shared egress list, per
// spec.md 4.1 step 2 ("construct each configured egress using either the
// worker's encoder ... or the demuxer's source stream"). HLS and the
// recorder are constructed from the worker/demuxer's packet stream
// itself (no separate handle is needed; they just implement
// egress.Egress over r.pipelineCfg), so this only needs pipelineCfg and
// the output directory, not a reference to any particular worker.
func (r *Runner) setupEgresses(ctx context.Context) error {
	for _, ec := range r.pipelineCfg.Egresses {
		var (
			e   egress.Egress
			err error
		)
		switch ec.Kind {
		case variant.EgressHLS:
			e, err = hls.New(r.cfg.OutputDir, r.pipelineCfg, ec, r.logger)
		case variant.EgressRecorder:
			e, err = recorder.New(ctx, r.cfg.OutputDir+"/recording.mp4", r.cfg.FFmpegBinary, r.pipelineCfg, ec, r.logger)
		case variant.EgressRTMPForwarder:
			e, err = rtmpfwd.New(ctx, r.cfg.FFmpegBinary, r.pipelineCfg, ec, r.logger)
		case variant.EgressMoQ:
			origin := r.overseer.GetMoQOrigin()
			e, err = moq.New(ctx, origin, r.connectionID, r.pipelineCfg, ec, r.logger)
		default:
			err = fmt.Errorf("unknown egress kind %d for egress %s", ec.Kind, ec.ID)
		}
		if err != nil {
			return fmt.Errorf("constructing egress %s: %w", ec.ID, err)
		}
		r.egressList.Add(e)
	}
	return nil
}

func buildIngressInfo(descriptors []variant.StreamDescriptor) variant.IngressInfo {
	info := variant.IngressInfo{Streams: descriptors}
	for _, s := range descriptors {
		switch s.Kind {
		case variant.StreamHintVideo:
			if !info.HasPrimaryVideo {
				info.PrimaryVideoIndex = s.Index
				info.HasPrimaryVideo = true
			}
		case variant.StreamHintAudio:
			if !info.HasPrimaryAudio {
				info.PrimaryAudioIndex = s.Index
				info.HasPrimaryAudio = true
			}
		}
	}
	return info
}

func (r *Runner) setupDecoders(ctx context.Context, descriptors []variant.StreamDescriptor) error {
	needsDecode := make(map[int]bool)
	for _, v := range r.pipelineCfg.Variants {
		if v.Kind.IsTranscode() {
			needsDecode[v.Mapping.SrcIndex] = true
		}
	}
	if r.pipelineCfg.Ingress.HasPrimaryVideo && r.cfg.ThumbInterval > 0 {
		needsDecode[r.pipelineCfg.Ingress.PrimaryVideoIndex] = true
	}

	for _, s := range descriptors {
		if !needsDecode[s.Index] {
			continue
		}
		var (
			dec Decoder
			err error
		)
		switch s.Kind {
		case variant.StreamHintVideo:
			width, height := s.Width, s.Height
			if width == 0 || height == 0 {
				width, height = 1280, 720
			}
			dec, err = NewFFmpegVideoDecoder(ctx, r.cfg.FFmpegBinary, s.Codec, width, height, r.logger)
		case variant.StreamHintAudio:
			dec, err = NewFFmpegAudioDecoder(ctx, r.cfg.FFmpegBinary, s.Codec, s.SampleRate, s.Channels, r.logger)
		default:
			continue
		}
		if err != nil {
			return err
		}
		r.decoders[s.Index] = dec
	}
	return nil
}

func (r *Runner) setupWorkers() {
	for _, v := range r.pipelineCfg.Variants {
		w := worker.New(v, r.egressList, r.overseer, r.connectionID, r.cfg.FFmpegBinary, r.logger)
		r.workers[v.Mapping.ID] = w
		w.Run()
	}
}

// processPacket implements the per-packet decision tree: track
// continuity PTS, decide copy vs. decode, and dispatch.
func (r *Runner) processPacket(ctx context.Context, pkt frame.Packet) error {
	cfg := r.pipelineCfg

	if cfg.Ingress.HasPrimaryVideo && pkt.StreamIndex == cfg.Ingress.PrimaryVideoIndex {
		r.lastVideoPTS = pkt.PTS + pkt.Duration
		r.frameCount++
	} else if cfg.Ingress.HasPrimaryAudio && pkt.StreamIndex == cfg.Ingress.PrimaryAudioIndex {
		r.lastAudioPTS = pkt.PTS + pkt.Duration
	}

	needsTranscode := false
	for _, v := range cfg.Variants {
		if v.Kind.IsTranscode() && v.Mapping.SrcIndex == pkt.StreamIndex {
			needsTranscode = true
			break
		}
	}

	needsThumb := cfg.Ingress.HasPrimaryVideo &&
		pkt.StreamIndex == cfg.Ingress.PrimaryVideoIndex &&
		r.cfg.ThumbInterval > 0 &&
		time.Since(r.lastThumb) > r.cfg.ThumbInterval &&
		pkt.IsKeyframe

	if dec, ok := r.decoders[pkt.StreamIndex]; ok && (needsTranscode || needsThumb) {
		frames, err := dec.Decode(ctx, pkt)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := r.processFrame(ctx, f); err != nil {
				return err
			}
		}
	}

	for _, v := range cfg.Variants {
		if v.Mapping.SrcIndex != pkt.StreamIndex {
			continue
		}
		if v.Kind == variant.KindCopyVideo || v.Kind == variant.KindCopyAudio {
			r.sendWork(v.Mapping.ID, worker.Command{Kind: worker.CmdMuxPacket, Packet: pkt})
		}
	}

	return nil
}

func (r *Runner) processFrame(ctx context.Context, f frame.Frame) error {
	if f.Kind == frame.StreamVideo && f.StreamIndex == r.pipelineCfg.Ingress.PrimaryVideoIndex {
		r.maybeSampleThumbnail(ctx, f)
	}

	var toDispatch []frame.Frame
	if f.Kind == frame.StreamVideo {
		rb, ok := r.reorders[f.StreamIndex]
		if !ok {
			rb = frame.NewReorderBuffer(r.cfg.ReorderBufferSize)
			r.reorders[f.StreamIndex] = rb
		}
		toDispatch = rb.Push(f)
	} else {
		toDispatch = []frame.Frame{f}
	}

	repair, ok := r.ptsRepair[f.StreamIndex]
	if !ok {
		repair = frame.NewPTSRepair()
		r.ptsRepair[f.StreamIndex] = repair
	}

	for i := range toDispatch {
		if toDispatch[i].Kind == frame.StreamVideo {
			toDispatch[i].PTS = repair.Apply(toDispatch[i].PTS)
		}
		r.dispatchFrame(toDispatch[i])
	}
	return nil
}

func (r *Runner) dispatchFrame(f frame.Frame) {
	for _, v := range r.pipelineCfg.Variants {
		if v.Mapping.SrcIndex != f.StreamIndex {
			continue
		}
		if v.Kind != variant.KindTranscodeVideo && v.Kind != variant.KindTranscodeAudio {
			continue
		}
		r.sendWork(v.Mapping.ID, worker.Command{Kind: worker.CmdEncodeFrame, Frame: f})
	}
}

func (r *Runner) maybeSampleThumbnail(ctx context.Context, f frame.Frame) {
	if r.cfg.ThumbInterval <= 0 || time.Since(r.lastThumb) <= r.cfg.ThumbInterval {
		return
	}
	r.lastThumb = time.Now()

	for _, w := range r.workers {
		w.Send(worker.Command{Kind: worker.CmdSaveThumbnail, Frame: f, ThumbPath: r.cfg.OutputDir + "/thumb.webp"})
		break
	}
	_ = ctx
}

func (r *Runner) sendWork(variantID uuid.UUID, cmd worker.Command) {
	w, ok := r.workers[variantID]
	if !ok {
		r.logger.Warn("no worker for variant", slog.String("variant_id", variantID.String()))
		return
	}
	w.Send(cmd)
}

func (r *Runner) flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateShutdown
	for _, w := range r.workers {
		w.Send(worker.Command{Kind: worker.CmdFlush})
	}
	for _, w := range r.workers {
		<-w.Done()
	}
	for _, d := range r.decoders {
		_ = d.Close()
	}
	for _, err := range r.egressList.CloseAll() {
		r.logger.Warn("egress close failed", slog.Any("error", err))
	}
	_ = ctx
}

func (r *Runner) maybeEmitStats(ctx context.Context) {
	elapsed := time.Since(r.lastStats)
	if elapsed < r.cfg.StatsInterval {
		return
	}
	r.lastStats = time.Now()

	frames := r.frameCount - r.fpsLastFrameCtr
	avgFPS := float64(frames) / elapsed.Seconds()
	r.fpsLastFrameCtr = r.frameCount

	stats := []overseer.Stats{{
		Kind: overseer.StatPipeline,
		Pipeline: overseer.PipelineStats{
			AverageFPS:  avgFPS,
			TotalFrames: r.frameCount,
			IsRunning:   r.state == StateNormal,
		},
	}}

	r.mu.Lock()
	for _, w := range r.workers {
		ps := w.ProcessStats()
		if ps == nil {
			continue
		}
		stats = append(stats, overseer.Stats{
			Kind: overseer.StatEgress,
			Egress: overseer.EgressStats{
				EgressID:       w.VariantID(),
				CPUPercent:     ps.CPUPercent,
				MemoryRSSBytes: ps.MemoryRSSBytes,
			},
		})
	}
	r.mu.Unlock()

	r.overseer.OnStats(ctx, stats)
}
