package codec

import "fmt"

// H264Params carries the profile/level information needed to build an
// RFC 6381 codec attribute string for an H.264 elementary stream.
type H264Params struct {
	ProfileIDC uint8
	LevelIDC   uint8
}

// ConstraintFlags returns the constraint-flags byte used in the avc1 codec
// string. Baseline profile (66) sets constraint_set1_flag; other profiles
// carry no constraints in the attribute.
func (p H264Params) ConstraintFlags() uint8 {
	const profileBaseline = 66
	if p.ProfileIDC == profileBaseline {
		return 0x40
	}
	return 0x00
}

// RFC6381 returns the "avc1.PPccLL" codec attribute for this H.264 stream.
func (p H264Params) RFC6381() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", p.ProfileIDC, p.ConstraintFlags(), p.LevelIDC)
}

// AACLowComplexityCodecAttr is the RFC 6381 codec attribute for AAC-LC,
// the only AAC profile the pipeline advertises in HLS manifests.
const AACLowComplexityCodecAttr = "mp4a.40.2"

// CodecAttr returns the RFC 6381 codec attribute string for a video codec
// given its stream parameters, or "" if the codec has no standard attribute
// form in this pipeline (e.g. it should be omitted from advertised CODECS).
func (v Video) CodecAttr(h264 H264Params) string {
	switch v {
	case VideoH264:
		return h264.RFC6381()
	default:
		return ""
	}
}

// CodecAttr returns the RFC 6381 codec attribute string for an audio codec,
// or "" if the codec should be omitted from advertised CODECS.
func (a Audio) CodecAttr() string {
	switch a {
	case AudioAAC:
		return AACLowComplexityCodecAttr
	default:
		return ""
	}
}
