package variant

import "github.com/google/uuid"

// StreamDescriptor describes one demuxed source stream: its index, kind,
// and whatever codec parameters the demuxer was able to read out of the
// container (SPS/PPS for video, ADTS/ASC for audio). Variants reference a
// source stream by index via Mapping.SrcIndex.
type StreamDescriptor struct {
	Index int
	Kind  StreamKindHint
	Codec string

	// Video hints, populated when Kind == video.
	Width  int
	Height int
	FPS    float64

	// Audio hints, populated when Kind == audio.
	SampleRate int
	Channels   int
}

// StreamKindHint mirrors frame.StreamKind without importing internal/frame,
// keeping the variant package's dependency surface to its own domain and
// the demuxer's descriptor-building code.
type StreamKindHint int

const (
	StreamHintUnknown StreamKindHint = iota
	StreamHintVideo
	StreamHintAudio
	StreamHintSubtitle
)

// IngressInfo snapshots the source container's streams at the moment the
// pipeline transitions out of its uninitialized state. It never changes
// for the lifetime of a connection.
type IngressInfo struct {
	Streams           []StreamDescriptor
	PrimaryVideoIndex int
	PrimaryAudioIndex int
	HasPrimaryVideo   bool
	HasPrimaryAudio   bool
}

// PipelineConfig is the fully resolved description of what a pipeline run
// produces: every variant it transcodes or copies, every egress it feeds,
// and the ingress snapshot the variants were derived from.
type PipelineConfig struct {
	Ingress  IngressInfo
	Variants []Variant
	Egresses []EgressConfig
}

// VariantByID returns the variant with the given id, if present.
func (c *PipelineConfig) VariantByID(id uuid.UUID) (Variant, bool) {
	for _, v := range c.Variants {
		if v.Mapping.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// VariantsForGroup returns the variants belonging to a group, in
// video-then-audio-then-subtitle order.
func (c *PipelineConfig) VariantsForGroup(g Group) []Variant {
	var out []Variant
	add := func(id *uuid.UUID) {
		if id == nil {
			return
		}
		if v, ok := c.VariantByID(*id); ok {
			out = append(out, v)
		}
	}
	add(g.Video)
	add(g.Audio)
	for i := range g.Subs {
		add(&g.Subs[i])
	}
	return out
}
