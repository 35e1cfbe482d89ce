package worker

import (
	"context"
	"fmt"

	"github.com/jmylchreest/pathrelay/internal/ffmpeg"
	"github.com/jmylchreest/pathrelay/internal/frame"
)

// encodeThumbnail runs a one-shot ffmpeg process converting a single raw
// decoded video frame into a WebP image on disk, at the frame's own
// width and height (no scaling). Grounded on the upstream project's
// per-variant thumbnail generation, which targets WebP regardless of
// the variant's own output codec.
func encodeThumbnail(binary string, f frame.Frame, dstPath string) error {
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("thumbnail source frame has no dimensions")
	}

	cmd := ffmpeg.NewCommandBuilder(binary).
		LogLevel("error").
		Overwrite().
		InputArgs("-f", "rawvideo", "-pix_fmt", "yuv420p",
			"-s", fmt.Sprintf("%dx%d", f.Width, f.Height)).
		Input("pipe:0").
		OutputArgs("-vframes", "1", "-c:v", "libwebp").
		Output(dstPath).
		Build()

	stdin, err := cmd.StartWithStdin(context.Background())
	if err != nil {
		return fmt.Errorf("starting thumbnail encoder: %w", err)
	}
	if _, err := stdin.Write(f.Data); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("writing thumbnail source frame: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("closing thumbnail encoder stdin: %w", err)
	}
	return cmd.Wait()
}
