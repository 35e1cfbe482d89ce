package demux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pathrelay/internal/frame"
)

// sps/pps/idr are throwaway NAL units; the demuxer never validates their
// bitstream contents, only that AnnexB marshaling round-trips them.
var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
)

func writeTestH264Stream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	track := &mpegts.Track{PID: 0x100, Codec: &mpegts.CodecH264{}}
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())
	require.NoError(t, w.WriteH264(track, 90000, 90000, [][]byte{testSPS, testPPS, testIDR}))
	return buf.Bytes()
}

func TestMPEGTSDemuxer_DiscoversH264Track(t *testing.T) {
	data := writeTestH264Stream(t)

	d := NewMPEGTSDemuxer(nil)
	defer d.Close()

	require.NoError(t, d.Write(data))
	d.Flush()

	require.NoError(t, d.WaitInitialized(context.Background()))
	streams := d.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "h264", streams[0].Codec)
}

func TestMPEGTSDemuxer_EmitsKeyframePacket(t *testing.T) {
	data := writeTestH264Stream(t)

	d := NewMPEGTSDemuxer(nil)
	defer d.Close()

	require.NoError(t, d.Write(data))
	d.Flush()
	require.NoError(t, d.WaitInitialized(context.Background()))

	select {
	case pkt, ok := <-d.Packets():
		require.True(t, ok)
		assert.Equal(t, frame.StreamVideo, pkt.Kind)
		assert.True(t, pkt.IsKeyframe)
		assert.NotEmpty(t, pkt.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestMPEGTSDemuxer_WaitInitialized_ContextCancelled(t *testing.T) {
	d := NewMPEGTSDemuxer(nil)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.WaitInitialized(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
