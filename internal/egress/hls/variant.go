package hls

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/mp4"
	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/codec"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

// variantMuxer segments one rendition group's packets into a rotating
// sequence of on-disk segment files plus a media playlist, following the
// segmentation algorithm and eviction rule: a new full segment starts on
// the reference stream's next keyframe once the target duration has
// elapsed, and old segments are evicted once the retained window's
// cumulative duration would otherwise exceed the configured window.
// Grounded on the upstream daemon's ts_muxer.go/fmp4_muxer.go, generalized
// from a single long-lived output into file-rotating segment output.
type variantMuxer struct {
	mu sync.Mutex

	groupID        uuid.UUID
	videoVariantID *uuid.UUID
	audioVariantID *uuid.UUID

	container     variant.SegmentContainer
	outputDir     string
	segmentTarget time.Duration
	partialTarget time.Duration // 0 disables low-latency partials
	evictWindow   time.Duration

	ts *tsContainer
	fm *fmp4Container

	started        bool
	refStarted     bool
	refIsVideo     bool
	segStartPTS    int64
	lastRefPTS     int64
	refTimebase    frame.Rational
	lastPartialPTS int64

	segments  []Segment
	nextIndex int // first segment is index 1, per spec

	currentFile            *countingFile
	currentPath            string
	partials               []Partial
	partialSeq             int
	nextPartialIndependent bool

	videoWidth, videoHeight int
	videoFPS                float64
	bandwidthB              int64
	codecsCSV               string
	videoInitSeen           bool
	audioInitSeen           bool

	logger *slog.Logger
}

type variantMuxerConfig struct {
	GroupID        uuid.UUID
	VideoVariantID *uuid.UUID
	AudioVariantID *uuid.UUID
	VideoParams    *variant.VideoParams
	AudioParams    *variant.AudioParams
	Container      variant.SegmentContainer
	OutputDir      string
	SegmentTarget  time.Duration
	PartialTarget  time.Duration
	EvictWindow    time.Duration
	Logger         *slog.Logger
}

func newVariantMuxer(cfg variantMuxerConfig) (*variantMuxer, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating variant output dir: %w", err)
	}

	vm := &variantMuxer{
		nextIndex:      1,
		groupID:        cfg.GroupID,
		videoVariantID: cfg.VideoVariantID,
		audioVariantID: cfg.AudioVariantID,
		container:      cfg.Container,
		outputDir:      cfg.OutputDir,
		segmentTarget:  cfg.SegmentTarget,
		partialTarget:  cfg.PartialTarget,
		evictWindow:    cfg.EvictWindow,
		refTimebase:    frame.MPEGTSTimebase,
		refIsVideo:     cfg.VideoVariantID != nil,
		logger:         cfg.Logger,
	}

	if vm.logger == nil {
		vm.logger = slog.Default()
	}

	videoCodec := ""
	if cfg.VideoParams != nil {
		videoCodec = cfg.VideoParams.Codec
		vm.videoWidth = cfg.VideoParams.Width
		vm.videoHeight = cfg.VideoParams.Height
		vm.videoFPS = cfg.VideoParams.FPS
		vm.bandwidthB += cfg.VideoParams.Bitrate
	}
	audioCodec := ""
	if cfg.AudioParams != nil {
		audioCodec = cfg.AudioParams.Codec
		vm.bandwidthB += cfg.AudioParams.Bitrate
	}

	switch cfg.Container {
	case variant.ContainerFMP4:
		vm.fm = newFMP4Container(nil, nil)
	default:
		var aacCfg *mpeg4audio.AudioSpecificConfig
		if audioCodec == "aac" && cfg.AudioParams != nil {
			aacCfg = &mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   cfg.AudioParams.SampleRate,
				ChannelCount: cfg.AudioParams.Channels,
			}
		}
		vm.ts = newTSContainer(videoCodec, audioCodec, aacCfg)
	}

	return vm, nil
}

// processPacket feeds one packet belonging to variantID into the muxer,
// returning any segments created or evicted as a result.
func (vm *variantMuxer) processPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	isVideo := vm.videoVariantID != nil && *vm.videoVariantID == variantID
	isAudio := vm.audioVariantID != nil && *vm.audioVariantID == variantID
	if !isVideo && !isAudio {
		return nil, nil, nil
	}

	isRef := (vm.refIsVideo && isVideo) || (!vm.refIsVideo && isAudio)

	if vm.container == variant.ContainerFMP4 {
		if isVideo {
			vm.maybeLearnH264Codec(pkt)
		} else {
			vm.maybeLearnAACCodec(pkt)
		}
	}

	if !vm.started {
		if err := vm.openNextSegmentFile(); err != nil {
			return nil, nil, err
		}
		vm.started = true
	}

	if isRef && !vm.refStarted {
		vm.refTimebase = pkt.Timebase
		vm.segStartPTS = pkt.PTS
		vm.lastPartialPTS = pkt.PTS
		vm.refStarted = true
	}

	var created, evicted []Segment
	var err error

	if isRef && vm.refStarted && pkt.IsKeyframe {
		elapsed := vm.refTimebase.Seconds(pkt.PTS - vm.segStartPTS)
		if elapsed*float64(time.Second) >= float64(vm.segmentTarget) && vm.hasSegmentContent() {
			var seg *Segment
			seg, evicted, err = vm.finalizeSegment(pkt.PTS)
			if err != nil {
				return nil, nil, err
			}
			if seg != nil {
				created = append(created, *seg)
			}
			vm.segStartPTS = pkt.PTS
			vm.lastPartialPTS = pkt.PTS
			vm.partialSeq = 0
			vm.nextPartialIndependent = true
			if err := vm.openNextSegmentFile(); err != nil {
				return nil, nil, err
			}
		} else if vm.partialTarget > 0 {
			if err := vm.maybeEmitPartial(pkt); err != nil {
				return nil, nil, err
			}
		}
	} else if isRef && vm.partialTarget > 0 {
		if err := vm.maybeEmitPartial(pkt); err != nil {
			return nil, nil, err
		}
	}

	if err := vm.writePacket(isVideo, pkt); err != nil {
		return nil, nil, err
	}
	if isRef {
		vm.lastRefPTS = pkt.PTS
	}

	if err := vm.rewritePlaylist(); err != nil {
		return nil, nil, err
	}

	return toSegmentInfos(vm.groupID, created), toSegmentInfos(vm.groupID, evicted), nil
}

func (vm *variantMuxer) hasSegmentContent() bool {
	if vm.ts != nil {
		return vm.ts.bytesWritten() > 0
	}
	return vm.fm.hasPending()
}

func (vm *variantMuxer) ext() string {
	return extForContainer(vm.container)
}

func (vm *variantMuxer) openNextSegmentFile() error {
	name := fmt.Sprintf("%d.%s", vm.nextIndex, vm.ext())
	vm.currentPath = filepath.Join(vm.outputDir, name)
	vm.partials = nil

	if vm.ts != nil {
		return vm.ts.openFile(vm.currentPath)
	}

	f, err := newCountingFile(vm.currentPath)
	if err != nil {
		return err
	}
	vm.currentFile = f
	return nil
}

func (vm *variantMuxer) writePacket(isVideo bool, pkt frame.Packet) error {
	ptsTicks := frame.Rescale(pkt.PTS, pkt.Timebase, frame.MPEGTSTimebase)
	dtsTicks := frame.Rescale(pkt.DTS, pkt.Timebase, frame.MPEGTSTimebase)

	if vm.ts != nil {
		if isVideo {
			return vm.ts.writeVideo(ptsTicks, dtsTicks, annexBToAU(pkt.Data))
		}
		return vm.ts.writeAudio(ptsTicks, pkt.Data)
	}

	if isVideo {
		vm.fm.writeVideo(ptsTicks, dtsTicks, annexBToAU(pkt.Data), pkt.IsKeyframe)
	} else {
		vm.fm.writeAudio(ptsTicks, pkt.Data)
	}
	return nil
}

// maybeLearnH264Codec watches keyframe packets for SPS/PPS so the fMP4
// init segment can be written once real codec parameters are available,
// matching the upstream muxer's canInitialize() gate.
func (vm *variantMuxer) maybeLearnH264Codec(pkt frame.Packet) {
	if vm.videoInitSeen || !pkt.IsKeyframe {
		return
	}
	au := annexBToAU(pkt.Data)
	spsList := findNALsByType(au, h264.NALUTypeSPS)
	ppsList := findNALsByType(au, h264.NALUTypePPS)
	if len(spsList) == 0 || len(ppsList) == 0 {
		return
	}
	vm.fm.videoCodec = &mp4.CodecH264{SPS: spsList[0], PPS: ppsList[0]}
	vm.videoInitSeen = true

	if profileIDC, levelIDC, ok := sps264ProfileLevel(spsList[0]); ok {
		attr := codec.VideoH264.CodecAttr(codec.H264Params{ProfileIDC: profileIDC, LevelIDC: levelIDC})
		vm.appendCodecAttr(attr)
	}
}

func (vm *variantMuxer) maybeLearnAACCodec(pkt frame.Packet) {
	if vm.audioInitSeen {
		return
	}
	vm.fm.audioCodec = &mp4.CodecMPEG4Audio{Config: mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}}
	vm.audioInitSeen = true
	vm.appendCodecAttr(codec.AudioAAC.CodecAttr())
}

func (vm *variantMuxer) appendCodecAttr(attr string) {
	if attr == "" {
		return
	}
	if vm.codecsCSV == "" {
		vm.codecsCSV = attr
		return
	}
	vm.codecsCSV = vm.codecsCSV + "," + attr
}

// maybeEmitPartial emits a partial if enough time has elapsed since the
// last one on the reference stream.
func (vm *variantMuxer) maybeEmitPartial(pkt frame.Packet) error {
	elapsedPartial := vm.refTimebase.Seconds(pkt.PTS - vm.lastPartialPTS)
	if elapsedPartial*float64(time.Second) < float64(vm.partialTarget) {
		return nil
	}
	dur := time.Duration(elapsedPartial * float64(time.Second))
	independent := vm.nextPartialIndependent
	vm.nextPartialIndependent = false
	if err := vm.emitPartial(dur, independent); err != nil {
		return err
	}
	vm.lastPartialPTS = pkt.PTS
	return nil
}

// emitPartial closes out the current LL-HLS partial at the container's
// current byte offset, recording its byte range for the playlist.
func (vm *variantMuxer) emitPartial(duration time.Duration, independent bool) error {
	var offset int64
	if vm.ts != nil {
		offset = vm.ts.bytesWritten()
	} else {
		if err := vm.fm.writeFragment(vm.currentFile); err != nil {
			return err
		}
		offset = vm.currentFile.written
	}

	prevOffset := int64(0)
	if len(vm.partials) > 0 {
		last := vm.partials[len(vm.partials)-1]
		prevOffset = last.Offset + last.Length
	}

	vm.partials = append(vm.partials, Partial{
		Index:       vm.partialSeq,
		Duration:    duration,
		Offset:      prevOffset,
		Length:      offset - prevOffset,
		Independent: independent,
	})
	vm.partialSeq++
	return nil
}

// finalizeSegment closes the current segment file, records its duration
// and hash, runs the eviction plan, and deletes evicted files from disk.
func (vm *variantMuxer) finalizeSegment(endPTS int64) (*Segment, []Segment, error) {
	duration := time.Duration(vm.refTimebase.Seconds(endPTS-vm.segStartPTS) * float64(time.Second))

	var sizeBytes int64
	var hash [32]byte

	if vm.ts != nil {
		sizeBytes = vm.ts.bytesWritten()
		if err := vm.ts.close(); err != nil {
			return nil, nil, err
		}
		hash = vm.ts.file.hash
	} else {
		if err := vm.fm.writeFragment(vm.currentFile); err != nil {
			return nil, nil, err
		}
		sizeBytes = vm.currentFile.written
		if err := vm.currentFile.Close(); err != nil {
			return nil, nil, err
		}
		hash = vm.currentFile.hash
	}

	seg := Segment{
		Index:     vm.nextIndex,
		Duration:  duration,
		Path:      vm.currentPath,
		SizeBytes: sizeBytes,
		SHA256:    hash,
		Partials:  vm.partials,
	}
	vm.nextIndex++
	vm.segments = append(vm.segments, seg)

	// The init segment is written lazily after the first full segment
	// completes, once the real SPS/PPS extracted from the bitstream are
	// final. The audio entry is a fixed AAC-LC 48 kHz stereo config.
	if err := vm.writeInitSegmentIfNeeded(); err != nil {
		return nil, nil, err
	}

	retained, evicted := evictionPlan(vm.segments, vm.evictWindow)
	vm.segments = append([]Segment{}, retained...)
	for _, e := range evicted {
		_ = os.Remove(e.Path)
	}

	return &seg, evicted, nil
}

func (vm *variantMuxer) rewritePlaylist() error {
	params := mediaPlaylistParams{
		container:     vm.container,
		lowLatency:    vm.partialTarget > 0,
		segmentTarget: vm.segmentTarget.Seconds(),
		partialTarget: vm.partialTarget.Seconds(),
		mediaSequence: firstSegmentIndex(vm.segments, vm.nextIndex),
		segments:      vm.segments,
	}
	if vm.currentPath != "" {
		params.currentFileName = filepath.Base(vm.currentPath)
		params.currentPartials = vm.partials
	}

	text := renderMediaPlaylist(params)
	return writeFileAtomic(filepath.Join(vm.outputDir, "live.m3u8"), text)
}

func firstSegmentIndex(segs []Segment, fallback int) int {
	if len(segs) == 0 {
		return fallback
	}
	return segs[0].Index
}

func (vm *variantMuxer) masterEntry() masterVariantEntry {
	return masterVariantEntry{
		URI:        filepath.Join(filepath.Base(vm.outputDir), "live.m3u8"),
		BandwidthB: vm.bandwidthB,
		Width:      vm.videoWidth,
		Height:     vm.videoHeight,
		FPS:        vm.videoFPS,
		CodecsCSV:  vm.codecsCSV,
	}
}

func (vm *variantMuxer) close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.hasSegmentContent() {
		if _, _, err := vm.finalizeSegment(vm.lastRefPTS); err != nil {
			vm.logger.Warn("finalizing last hls segment on close", "error", err)
		}
		return nil
	}

	if vm.ts != nil {
		return vm.ts.close()
	}
	if vm.currentFile != nil {
		return vm.currentFile.Close()
	}
	return nil
}

func (vm *variantMuxer) writeInitSegmentIfNeeded() error {
	if vm.fm == nil || vm.fm.initWritten {
		return nil
	}
	if vm.fm.videoCodec == nil && vm.videoVariantID != nil {
		return nil
	}
	if vm.fm.audioCodec == nil && vm.audioVariantID != nil {
		return nil
	}
	return vm.fm.writeInit(filepath.Join(vm.outputDir, "init.mp4"))
}

func toSegmentInfos(groupID uuid.UUID, segs []Segment) []overseer.SegmentInfo {
	if len(segs) == 0 {
		return nil
	}
	out := make([]overseer.SegmentInfo, 0, len(segs))
	for _, s := range segs {
		out = append(out, overseer.SegmentInfo{
			VariantID: groupID,
			Index:     uint64(s.Index),
			Duration:  s.Duration,
			Path:      s.Path,
			SHA256:    s.SHA256,
		})
	}
	return out
}

// writeFileAtomic writes content to path via a temp file + rename, so a
// client reading the playlist never observes a half-written file.
func writeFileAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
