package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/config"
	"github.com/jmylchreest/pathrelay/internal/overseer"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

// standaloneOverseer is the minimal Overseer this binary wires up on its
// own: it approves every connection unconditionally and resolves a single
// passthrough rendition (copy the primary video and audio streams
// straight through, no transcode ladder) muxed to one HLS egress. The
// real authorization/accounting/database collaborator named in spec.md
// 1's exclusions is expected to supply its own Overseer in front of a
// production deployment; this one exists so `pathrelayd serve` is a
// runnable demonstration of the pipeline on its own.
type standaloneOverseer struct {
	logger     *slog.Logger
	pipelineID string
	cfg        config.PipelineConfig
}

func newStandaloneOverseer(logger *slog.Logger, pipelineID string, cfg config.PipelineConfig) *standaloneOverseer {
	return &standaloneOverseer{logger: logger, pipelineID: pipelineID, cfg: cfg}
}

// StartStream implements overseer.Overseer.
func (o *standaloneOverseer) StartStream(_ context.Context, connectionID string, info variant.IngressInfo) (*variant.PipelineConfig, error) {
	groupID := uuid.New()
	var group variant.Group
	group.ID = groupID

	var variants []variant.Variant

	if info.HasPrimaryVideo {
		id := uuid.New()
		group.Video = &id
		variants = append(variants, variant.Variant{
			Mapping: variant.Mapping{ID: id, SrcIndex: info.PrimaryVideoIndex, DstIndex: 0, GroupID: groupID},
			Kind:    variant.KindCopyVideo,
		})
	}
	if info.HasPrimaryAudio {
		id := uuid.New()
		group.Audio = &id
		dst := 0
		if info.HasPrimaryVideo {
			dst = 1
		}
		variants = append(variants, variant.Variant{
			Mapping: variant.Mapping{ID: id, SrcIndex: info.PrimaryAudioIndex, DstIndex: dst, GroupID: groupID},
			Kind:    variant.KindCopyAudio,
		})
	}

	egressCfg := variant.EgressConfig{
		ID:                    uuid.New(),
		Kind:                  variant.EgressHLS,
		Groups:                []variant.Group{group},
		SegmentDurationTarget: o.cfg.SegmentDurationTarget.Seconds(),
		Container:             variant.ContainerMPEGTS,
		SegmentWindow:         o.cfg.SegmentWindow.Seconds(),
	}

	o.logger.Info("stream started",
		slog.String("connection_id", connectionID),
		slog.String("pipeline_id", o.pipelineID),
		slog.Int("variant_count", len(variants)))

	return &variant.PipelineConfig{
		Ingress:  info,
		Variants: variants,
		Egresses: []variant.EgressConfig{egressCfg},
	}, nil
}

// OnSegments implements overseer.Overseer.
func (o *standaloneOverseer) OnSegments(_ context.Context, created, deleted []overseer.SegmentInfo) {
	for _, s := range created {
		o.logger.Info("segment created",
			slog.String("pipeline_id", o.pipelineID),
			slog.String("variant_id", s.VariantID.String()),
			slog.Uint64("index", s.Index),
			slog.Duration("duration", s.Duration),
			slog.String("path", s.Path))
	}
	for _, s := range deleted {
		o.logger.Debug("segment evicted",
			slog.String("pipeline_id", o.pipelineID),
			slog.String("variant_id", s.VariantID.String()),
			slog.Uint64("index", s.Index))
	}
}

// OnThumbnail implements overseer.Overseer.
func (o *standaloneOverseer) OnThumbnail(_ context.Context, thumb overseer.ThumbnailInfo) {
	o.logger.Debug("thumbnail sampled", slog.String("pipeline_id", o.pipelineID), slog.String("path", thumb.Path))
}

// OnEnd implements overseer.Overseer.
func (o *standaloneOverseer) OnEnd(_ context.Context, err error) {
	if err != nil {
		o.logger.Warn("pipeline ended", slog.String("pipeline_id", o.pipelineID), slog.Any("error", err))
		return
	}
	o.logger.Info("pipeline ended", slog.String("pipeline_id", o.pipelineID))
}

// OnUpdate implements overseer.Overseer.
func (o *standaloneOverseer) OnUpdate(_ context.Context, _ *variant.PipelineConfig) {}

// OnStats implements overseer.Overseer.
func (o *standaloneOverseer) OnStats(_ context.Context, stats []overseer.Stats) {
	for _, s := range stats {
		if s.Kind == overseer.StatPipeline {
			o.logger.Debug("pipeline stats",
				slog.String("pipeline_id", o.pipelineID),
				slog.Float64("avg_fps", s.Pipeline.AverageFPS),
				slog.Uint64("total_frames", s.Pipeline.TotalFrames))
		}
	}
}

// OnExpire implements overseer.Overseer.
func (o *standaloneOverseer) OnExpire(context.Context, overseer.SegmentInfo, time.Time) {}

// GetMoQOrigin implements overseer.Overseer: no MoQ origin in standalone mode.
func (o *standaloneOverseer) GetMoQOrigin() overseer.MoQOrigin { return nil }
