// Package recorder implements the MP4 recorder egress: a muxer-wrapping
// egress (spec.md 4.5) that remuxes one rendition group's packets into a
// progressive, faststart-flagged MP4 file at the pipeline root. Grounded
// on original_source's MuxerEgress plumbing and the teacher's ffmpeg
// Command/CommandBuilder wrapper used the same way the decode/encode
// subprocesses pipe elementary streams through ffmpeg.
package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/pathrelay/internal/egress"
	"github.com/jmylchreest/pathrelay/internal/egress/muxeregress"
	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/variant"
)

var _ egress.Egress = (*muxeregress.Egress)(nil)

// New builds a recorder egress writing the MP4 file at outputPath (the
// runner passes <OutputDir>/recording.mp4). It
// picks one rendition group from egressCfg.Groups: the group whose video
// height is closest to HeightSelector, or the tallest group if
// HeightSelector is 0. Recorder is always critical (spec.md 4.5): a
// construction-time failure to open ffmpeg or the output file propagates
// as an error here, and any later write failure aborts the run.
func New(ctx context.Context, outputPath string, ffmpegBinary string, pipelineCfg *variant.PipelineConfig, egressCfg variant.EgressConfig, logger *slog.Logger) (*muxeregress.Egress, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(egressCfg.Groups) == 0 {
		return nil, fmt.Errorf("recorder egress %s: no groups configured", egressCfg.ID)
	}

	group, videoCodec, audioCodec := selectGroup(pipelineCfg, egressCfg.Groups, egressCfg.HeightSelector)

	open := func() (*ffmpeg.Command, io.WriteCloser, *muxeregress.PipeMuxer, error) {
		cmd := ffmpeg.NewCommandBuilder(ffmpegBinary).
			LogLevel("error").
			Overwrite().
			InputArgs("-f", "mpegts").
			Input("pipe:0").
			OutputArgs("-c", "copy", "-movflags", "+faststart").
			Output(outputPath).
			Build()

		stdin, err := cmd.StartWithStdin(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("starting recorder ffmpeg process: %w", err)
		}
		muxer, err := muxeregress.NewPipeMuxer(stdin, videoCodec, audioCodec, nil)
		if err != nil {
			_ = stdin.Close()
			_ = cmd.Kill()
			return nil, nil, nil, fmt.Errorf("opening recorder mpegts muxer: %w", err)
		}
		return cmd, stdin, muxer, nil
	}

	return muxeregress.New(egressCfg.ID, true, group.Video, group.Audio, open, logger)
}

// selectGroup picks the group whose video height is closest to
// heightSelector (0 meaning "tallest available") and returns its codec
// names for muxer construction.
func selectGroup(cfg *variant.PipelineConfig, groups []variant.Group, heightSelector int) (variant.Group, string, string) {
	best := groups[0]
	bestVideoCodec, bestAudioCodec := "", ""
	bestHeight := -1
	bestDelta := -1

	for _, g := range groups {
		var videoCodec, audioCodec string
		height := 0
		for _, v := range cfg.VariantsForGroup(g) {
			if v.Video != nil {
				videoCodec = v.Video.Codec
				height = v.Video.Height
			}
			if v.Audio != nil {
				audioCodec = v.Audio.Codec
			}
		}

		if heightSelector <= 0 {
			if height > bestHeight {
				best, bestVideoCodec, bestAudioCodec, bestHeight = g, videoCodec, audioCodec, height
			}
			continue
		}

		delta := height - heightSelector
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			best, bestVideoCodec, bestAudioCodec, bestDelta = g, videoCodec, audioCodec, delta
		}
	}

	return best, bestVideoCodec, bestAudioCodec
}
