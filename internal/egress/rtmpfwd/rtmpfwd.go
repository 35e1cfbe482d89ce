// Package rtmpfwd implements the RTMP forwarder egress: a muxer-wrapping
// egress (spec.md 4.5) that remuxes one rendition group's packets into FLV
// and pushes it to a remote RTMP URL. Non-critical: write/publish errors
// are logged and the pipeline continues. Grounded on original_source's
// MuxerEgress plumbing; the FLV header is emitted by ffmpeg's own flv
// muxer, not written by hand (original_source carries a commented-out
// manual FLV header path that this mirrors by omission).
package rtmpfwd

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

// New builds an RTMP forwarder pushing the first group in egressCfg.Groups
// to destinationURL. Unlike the recorder there is no height selector: the
// RTMP forwarder config is just {id, destination url}, so it always
// forwards the one group it's paired with.
func New(ctx context.Context, ffmpegBinary string, pipelineCfg *variant.PipelineConfig, egressCfg variant.EgressConfig, logger *slog.Logger) (*muxeregress.Egress, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(egressCfg.Groups) == 0 {
		return nil, fmt.Errorf("rtmp forwarder egress %s: no groups configured", egressCfg.ID)
	}
	if egressCfg.DestinationURL == "" {
		return nil, fmt.Errorf("rtmp forwarder egress %s: no destination url configured", egressCfg.ID)
	}

	group := egressCfg.Groups[0]
	var videoCodec, audioCodec string
	for _, v := range pipelineCfg.VariantsForGroup(group) {
		if v.Video != nil {
			videoCodec = v.Video.Codec
		}
		if v.Audio != nil {
			audioCodec = v.Audio.Codec
		}
	}

	destination := egressCfg.DestinationURL
	open := func() (*ffmpeg.Command, io.WriteCloser, *muxeregress.PipeMuxer, error) {
		cmd := ffmpeg.NewCommandBuilder(ffmpegBinary).
			LogLevel("error").
			InputArgs("-f", "mpegts").
			Input("pipe:0").
			OutputArgs("-c", "copy", "-f", "flv").
			Output(destination).
			Build()

		stdin, err := cmd.StartWithStdin(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("starting rtmp forwarder ffmpeg process: %w", err)
		}
		muxer, err := muxeregress.NewPipeMuxer(stdin, videoCodec, audioCodec, nil)
		if err != nil {
			_ = stdin.Close()
			_ = cmd.Kill()
			return nil, nil, nil, fmt.Errorf("opening rtmp forwarder mpegts muxer: %w", err)
		}
		return cmd, stdin, muxer, nil
	}

	return muxeregress.New(egressCfg.ID, false, group.Video, group.Audio, open, logger)
}
