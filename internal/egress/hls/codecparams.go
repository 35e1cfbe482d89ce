package hls

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// sps264ProfileLevel reads profile_idc and level_idc directly out of a raw
// (not yet RBSP-unescaped) H.264 SPS NAL unit. Both bytes sit before any
// emulation-prevention byte can appear, so no unescaping is needed: byte 0
// of the RBSP is profile_idc, byte 2 is level_idc per the NAL unit syntax.
func sps264ProfileLevel(sps []byte) (profileIDC, levelIDC uint8, ok bool) {
	if len(sps) < 4 {
		return 0, 0, false
	}
	// sps[0] is the NAL header byte; RBSP payload starts at sps[1].
	return sps[1], sps[3], true
}

// findNALsByType extracts every NAL unit of the given type from an access
// unit already split into individual NALs.
func findNALsByType(au [][]byte, typ h264.NALUType) [][]byte {
	var out [][]byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == typ {
			out = append(out, nalu)
		}
	}
	return out
}
