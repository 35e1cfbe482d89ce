// Package variant defines the pipeline's variant/mapping/group data model:
// what each output rendition is, which source stream it consumes, and how
// renditions cluster into muxable groups for egress. Video/audio encoder
// parameter sets are grounded on the upstream project's VideoVariant and
// AudioVariant encoder configuration (preset, profile, keyframe interval,
// colorspace, channel layout, sample format).
package variant

import "github.com/google/uuid"

// Kind discriminates the five variant shapes the pipeline can produce.
type Kind int

const (
	KindTranscodeVideo Kind = iota
	KindTranscodeAudio
	KindCopyVideo
	KindCopyAudio
	KindSubtitle
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTranscodeVideo:
		return "transcode_video"
	case KindTranscodeAudio:
		return "transcode_audio"
	case KindCopyVideo:
		return "copy_video"
	case KindCopyAudio:
		return "copy_audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// IsTranscode reports whether this variant requires decode+encode rather
// than a byte-for-byte copy of the source packet.
func (k Kind) IsTranscode() bool {
	return k == KindTranscodeVideo || k == KindTranscodeAudio
}

// IsVideo reports whether this variant carries a video stream.
func (k Kind) IsVideo() bool {
	return k == KindTranscodeVideo || k == KindCopyVideo
}

// IsAudio reports whether this variant carries an audio stream.
func (k Kind) IsAudio() bool {
	return k == KindTranscodeAudio || k == KindCopyAudio
}

// Mapping ties a variant to its source and destination stream indices and
// the group it belongs to. The id is stable for the lifetime of the
// pipeline and is what egresses and the overseer use to refer to segments.
type Mapping struct {
	ID       uuid.UUID
	SrcIndex int
	DstIndex int
	GroupID  uuid.UUID
}

// VideoParams carries the encoder configuration for a TranscodeVideo
// variant. Fields mirror the upstream VideoVariant encoder construction:
// a fixed "fast" preset, GOP size equal to the keyframe interval, B-frames
// capped at 3, and BT.709 colorspace.
type VideoParams struct {
	Width            int
	Height           int
	FPS              float64
	Bitrate          int64
	Codec            string // e.g. "h264", "h265"
	Profile          string
	Level            string
	KeyframeInterval int // seconds
	PixelFormat      string
	// NeedGlobalHeader requests AV_CODEC_FLAG_GLOBAL_HEADER-equivalent
	// behavior: extradata emitted once in the container's init segment
	// rather than in-band with every keyframe. fMP4 egresses require it.
	NeedGlobalHeader bool
}

// AudioParams carries the encoder configuration for a TranscodeAudio variant.
type AudioParams struct {
	SampleRate       int
	Bitrate          int64
	Codec            string // e.g. "aac", "opus"
	Channels         int
	SampleFormat     string
	NeedGlobalHeader bool
}

// Variant is one output rendition. Exactly one of Video/Audio is populated,
// selected by Kind; copy variants carry neither (their shape is inherited
// from the source stream they mirror).
type Variant struct {
	Mapping Mapping
	Kind    Kind
	Video   *VideoParams
	Audio   *AudioParams
}

// Group is an ordered cluster of variant ids that share one muxed output,
// typically one video variant and its matched audio variant.
type Group struct {
	ID    uuid.UUID
	Video *uuid.UUID
	Audio *uuid.UUID
	Subs  []uuid.UUID
}

// SegmentContainer names the container a group's HLS egress writes segments in.
type SegmentContainer int

const (
	ContainerMPEGTS SegmentContainer = iota
	ContainerFMP4
)

// String implements fmt.Stringer.
func (c SegmentContainer) String() string {
	if c == ContainerFMP4 {
		return "fmp4"
	}
	return "mpegts"
}

// EgressKind discriminates the four egress shapes a pipeline configuration
// can reference.
type EgressKind int

const (
	EgressHLS EgressKind = iota
	EgressRecorder
	EgressRTMPForwarder
	EgressMoQ
)

// EgressConfig is a tagged egress configuration paired with the groups it
// publishes. Only the fields relevant to Kind are populated.
type EgressConfig struct {
	ID     uuid.UUID
	Kind   EgressKind
	Groups []Group

	// HLS fields.
	SegmentDurationTarget float64 // seconds
	Container             SegmentContainer
	LowLatency            bool
	// SegmentWindow is the eviction retention window in seconds; 0 means
	// the HLS muxer's default of 30s.
	SegmentWindow float64

	// Recorder fields.
	HeightSelector int // 0 = use the highest available rendition

	// RTMPForwarder fields.
	DestinationURL string
}
