package hls

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/egress"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

var _ egress.Egress = (*MasterMuxer)(nil)

// MasterMuxer is the HLS egress: it owns one variantMuxer per rendition
// group, routes incoming packets to every group that references a given
// variant id (an audio track can be shared across several groups), and
// maintains the top-level master playlist. Grounded on spec section 4.3
// ("HLS Master Muxer") layered over the per-group segmentation logic in
// variant.go.
type MasterMuxer struct {
	mu sync.Mutex

	id        uuid.UUID
	outputDir string
	logger    *slog.Logger

	byGroup    map[uuid.UUID]*variantMuxer
	byVariant  map[uuid.UUID][]*variantMuxer
	groupOrder []uuid.UUID

	closed bool
}

// New constructs a MasterMuxer for one EgressConfig of kind EgressHLS,
// creating one subdirectory and variantMuxer per group and writing the
// master playlist immediately so clients can start polling before the
// first segment exists.
func New(outputDir string, pipelineCfg *variant.PipelineConfig, egressCfg variant.EgressConfig, logger *slog.Logger) (*MasterMuxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating hls output dir: %w", err)
	}

	m := &MasterMuxer{
		id:        egressCfg.ID,
		outputDir: outputDir,
		logger:    logger,
		byGroup:   make(map[uuid.UUID]*variantMuxer),
		byVariant: make(map[uuid.UUID][]*variantMuxer),
	}

	segmentTarget := time.Duration(egressCfg.SegmentDurationTarget * float64(time.Second))
	if segmentTarget <= 0 {
		segmentTarget = 6 * time.Second
	}

	evictWindow := time.Duration(egressCfg.SegmentWindow * float64(time.Second))
	if evictWindow <= 0 {
		evictWindow = 30 * time.Second
	}

	groupParams := make([]struct {
		video *variant.VideoParams
		audio *variant.AudioParams
	}, len(egressCfg.Groups))

	for i, g := range egressCfg.Groups {
		for _, v := range pipelineCfg.VariantsForGroup(g) {
			if v.Video != nil {
				groupParams[i].video = v.Video
			}
			if v.Audio != nil {
				groupParams[i].audio = v.Audio
			}
		}
	}

	// Coerce the segment target to at least the keyframe interval of the
	// fastest video across every group, so each segment is guaranteed to
	// contain a keyframe regardless of which rendition is playing.
	for _, gp := range groupParams {
		if gp.video == nil || gp.video.KeyframeInterval <= 0 {
			continue
		}
		kf := time.Duration(gp.video.KeyframeInterval) * time.Second
		if kf > segmentTarget {
			segmentTarget = kf
		}
	}

	var partialTarget time.Duration
	if egressCfg.LowLatency {
		partialTarget = segmentTarget / 3
	}

	for i, g := range egressCfg.Groups {
		gp := groupParams[i]

		groupPartialTarget := partialTarget
		if groupPartialTarget > 0 && gp.video != nil && gp.video.KeyframeInterval > 0 {
			kf := time.Duration(gp.video.KeyframeInterval) * time.Second
			groupPartialTarget = (groupPartialTarget / kf) * kf
			if groupPartialTarget <= 0 {
				groupPartialTarget = kf
			}
		}

		dirName := fmt.Sprintf("stream_%s", g.ID)
		vm, err := newVariantMuxer(variantMuxerConfig{
			GroupID:        g.ID,
			VideoVariantID: g.Video,
			AudioVariantID: g.Audio,
			VideoParams:    gp.video,
			AudioParams:    gp.audio,
			Container:      egressCfg.Container,
			OutputDir:      filepath.Join(outputDir, dirName),
			SegmentTarget:  segmentTarget,
			PartialTarget:  groupPartialTarget,
			EvictWindow:    evictWindow,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.ID, err)
		}

		m.byGroup[g.ID] = vm
		m.groupOrder = append(m.groupOrder, g.ID)

		if g.Video != nil {
			m.byVariant[*g.Video] = append(m.byVariant[*g.Video], vm)
		}
		if g.Audio != nil {
			m.byVariant[*g.Audio] = append(m.byVariant[*g.Audio], vm)
		}
		for _, sub := range g.Subs {
			m.byVariant[sub] = append(m.byVariant[sub], vm)
		}
	}

	if err := m.rewriteMasterPlaylist(); err != nil {
		return nil, err
	}

	return m, nil
}

// ID implements egress.Egress.
func (m *MasterMuxer) ID() uuid.UUID { return m.id }

// Critical implements egress.Egress: a failed HLS write aborts the run.
func (m *MasterMuxer) Critical() bool { return true }

// ProcessPacket implements egress.Egress, fanning the packet out to every
// group muxer that references variantID.
func (m *MasterMuxer) ProcessPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error) {
	m.mu.Lock()
	muxers := append([]*variantMuxer(nil), m.byVariant[variantID]...)
	m.mu.Unlock()

	if len(muxers) == 0 {
		return nil, nil, nil
	}

	var created, deleted []overseer.SegmentInfo
	for _, vm := range muxers {
		c, d, err := vm.processPacket(variantID, pkt)
		if err != nil {
			return created, deleted, fmt.Errorf("group %s: %w", vm.groupID, err)
		}
		created = append(created, c...)
		deleted = append(deleted, d...)
	}
	return created, deleted, nil
}

// Reset implements egress.Egress. A fresh HLS output doesn't need any
// continuity state dropped: every variantMuxer keeps writing into the
// same rotating segment sequence regardless of upstream discontinuities.
func (m *MasterMuxer) Reset() {}

// Close implements egress.Egress, closing every group muxer.
func (m *MasterMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, id := range m.groupOrder {
		if err := m.byGroup[id].close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// rewriteMasterPlaylist writes the top-level live.m3u8 at the pipeline
// root. Each entry's URI points at a group's own nested live.m3u8
// (stream_<gid>/live.m3u8), a distinct file from this one despite sharing
// the name.
func (m *MasterMuxer) rewriteMasterPlaylist() error {
	entries := make([]masterVariantEntry, 0, len(m.groupOrder))
	for _, id := range m.groupOrder {
		entries = append(entries, m.byGroup[id].masterEntry())
	}
	text := renderMasterPlaylist(entries)
	return writeFileAtomic(filepath.Join(m.outputDir, "live.m3u8"), text)
}
