package pipeline

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pathrelay/internal/frame"
)

func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func TestFFmpegVideoDecoder_DecodesRawH264(t *testing.T) {
	binary := skipIfNoFFmpeg(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Generate a tiny synthetic H264 elementary stream with ffmpeg itself so
	// the test has no external fixture dependency.
	genCtx, genCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer genCancel()
	gen := exec.CommandContext(genCtx, binary,
		"-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=size=16x16:rate=1:duration=1",
		"-c:v", "libx264", "-f", "h264", "pipe:1")
	h264Data, err := gen.Output()
	require.NoError(t, err)
	require.NotEmpty(t, h264Data)

	dec, err := NewFFmpegVideoDecoder(ctx, binary, "h264", 16, 16, nil)
	require.NoError(t, err)
	defer dec.Close()

	frames, err := dec.Decode(ctx, frame.Packet{
		StreamIndex: 0,
		Kind:        frame.StreamVideo,
		Timebase:    frame.MPEGTSTimebase,
		Data:        h264Data,
	})
	require.NoError(t, err)

	// The decoder may need a moment to flush frames through the pipe; poll
	// briefly rather than assuming the first Decode call already drained
	// everything.
	deadline := time.Now().Add(5 * time.Second)
	for len(frames) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		more, err := dec.Decode(ctx, frame.Packet{StreamIndex: 0, Kind: frame.StreamVideo})
		require.NoError(t, err)
		frames = append(frames, more...)
	}

	require.NotEmpty(t, frames)
	assert.Equal(t, 16, frames[0].Width)
	assert.Equal(t, 16, frames[0].Height)
	assert.Equal(t, "yuv420p", frames[0].PixFmt)
	assert.Len(t, frames[0].Data, 16*16*3/2)
}

func TestFFmpegDecoder_CloseStopsSubprocess(t *testing.T) {
	binary := skipIfNoFFmpeg(t)

	ctx := context.Background()
	dec, err := NewFFmpegVideoDecoder(ctx, binary, "h264", 16, 16, nil)
	require.NoError(t, err)
	assert.NoError(t, dec.Close())
}
