// Package moq publishes every variant's packets as a MoQ track through
// whatever origin the overseer supplies (spec section 4.6). It never mixes
// streams into a container: each variant is its own track, priority-ranked
// so a bandwidth-constrained relay drops audio before video and lower
// renditions before higher ones. Grounded on original_source's MoqEgress.
package moq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/egress"
	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

var _ egress.Egress = (*Egress)(nil)

// Egress publishes one overseer.MoQTrack per variant it was configured
// with. Packets route to their track by variant id; there is no container
// to mux into, so no rewriting of stream indices is needed the way the
// muxer-wrapping egresses require.
type Egress struct {
	id     uuid.UUID
	ctx    context.Context
	logger *slog.Logger

	mu        sync.Mutex
	tracks    map[uuid.UUID]overseer.MoQTrack
	ptsOffset float64 // seconds; corrects negative startup PTS, never shrinks
}

// New resolves every video/audio variant across egressCfg's groups and
// publishes a track for each under broadcastPath, video first (priority
// starting at 100) then audio (priority starting at 1), each incrementing
// per variant in group order. Subtitle variants are not published; MoQ
// carries only the media tracks described in spec section 4.6.
func New(ctx context.Context, origin overseer.MoQOrigin, broadcastPath string, pipelineCfg *variant.PipelineConfig, egressCfg variant.EgressConfig, logger *slog.Logger) (*Egress, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if origin == nil {
		return nil, fmt.Errorf("moq egress %s: no origin configured", egressCfg.ID)
	}
	if len(egressCfg.Groups) == 0 {
		return nil, fmt.Errorf("moq egress %s: no groups configured", egressCfg.ID)
	}

	tracks := make(map[uuid.UUID]overseer.MoQTrack)
	videoPriority := 100
	audioPriority := 1
	for _, g := range egressCfg.Groups {
		for _, v := range pipelineCfg.VariantsForGroup(g) {
			var priority *int
			switch {
			case v.Kind.IsVideo():
				priority = &videoPriority
			case v.Kind.IsAudio():
				priority = &audioPriority
			default:
				continue
			}
			t, err := origin.Track(broadcastPath, v.Mapping.ID.String(), *priority)
			if err != nil {
				closeTracks(tracks)
				return nil, fmt.Errorf("publishing moq track for variant %s: %w", v.Mapping.ID, err)
			}
			tracks[v.Mapping.ID] = t
			*priority = *priority + 1
		}
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("moq egress %s: no video or audio variants to publish", egressCfg.ID)
	}

	return &Egress{id: egressCfg.ID, ctx: ctx, logger: logger, tracks: tracks}, nil
}

func closeTracks(tracks map[uuid.UUID]overseer.MoQTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// ID implements egress.Egress.
func (e *Egress) ID() uuid.UUID { return e.id }

// Critical implements egress.Egress: a MoQ publish failure is logged and
// the pipeline continues, per spec section 4.6's error table.
func (e *Egress) Critical() bool { return false }

// ProcessPacket implements egress.Egress.
func (e *Egress) ProcessPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error) {
	e.mu.Lock()
	track, ok := e.tracks[variantID]
	if !ok {
		e.mu.Unlock()
		return nil, nil, nil
	}
	seconds := pkt.Timebase.Seconds(pkt.PTS)
	if seconds < 0 {
		e.ptsOffset += -seconds
	}
	timestamp := time.Duration((seconds + e.ptsOffset) * float64(time.Second))
	e.mu.Unlock()

	if err := track.WriteFrame(e.ctx, timestamp, pkt.IsKeyframe, pkt.Data); err != nil {
		return nil, nil, fmt.Errorf("writing moq frame for variant %s: %w", variantID, err)
	}
	return nil, nil, nil
}

// Reset implements egress.Egress as a no-op: the broadcast lifecycle is
// owned by the external origin service, not this egress, so there is
// nothing to unpublish or reopen on an upstream discontinuity.
func (e *Egress) Reset() {}

// Close closes every published track.
func (e *Egress) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for id, t := range e.tracks {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing moq track for variant %s: %w", id, cerr)
		}
	}
	return err
}
