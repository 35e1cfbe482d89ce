package frame

import "sort"

// ReorderBuffer holds decode-order frames for one source stream and
// releases them in presentation-time order once enough later frames have
// arrived to be confident no earlier PTS is still in flight. It holds at
// most Capacity frames; pushing past capacity releases the lowest-PTS
// frames until the buffer is back within its window.
type ReorderBuffer struct {
	Capacity int
	entries  []reorderEntry
}

type reorderEntry struct {
	pts   int64
	frame Frame
}

// NewReorderBuffer constructs a buffer that retains up to capacity frames
// in decode order before forcing out the oldest by PTS.
func NewReorderBuffer(capacity int) *ReorderBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReorderBuffer{Capacity: capacity}
}

// Push inserts a frame in PTS order and returns any frames now eligible
// for release: while the buffer holds more than Capacity frames, the
// lowest-PTS frame is released. Frames are returned in PTS-ascending order.
func (b *ReorderBuffer) Push(f Frame) []Frame {
	idx := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].pts >= f.PTS })
	b.entries = append(b.entries, reorderEntry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = reorderEntry{pts: f.PTS, frame: f}

	var released []Frame
	for len(b.entries) > b.Capacity {
		oldest := b.entries[0]
		b.entries = b.entries[1:]
		released = append(released, oldest.frame)
	}
	return released
}

// Flush releases every remaining buffered frame in PTS order and empties
// the buffer. Called when the source stream ends.
func (b *ReorderBuffer) Flush() []Frame {
	out := make([]Frame, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.frame
	}
	b.entries = nil
	return out
}

// Len reports the number of frames currently buffered.
func (b *ReorderBuffer) Len() int {
	return len(b.entries)
}

// PTSRepair applies a monotonically non-decreasing offset to frame PTS
// values so that the sequence reaching the encoder is strictly increasing,
// even when the reorder buffer (or a discontinuous source) emits a
// duplicate or backwards PTS.
type PTSRepair struct {
	lastPTS int64
	hasLast bool
	offset  int64
}

// NewPTSRepair constructs repair state for one source stream.
func NewPTSRepair() *PTSRepair {
	return &PTSRepair{}
}

// Apply adjusts pts by the accumulated offset, growing the offset if the
// adjusted value would not be strictly greater than the last emitted PTS.
// Returns the repaired PTS, which becomes the new "last emitted" value.
func (r *PTSRepair) Apply(pts int64) int64 {
	adjusted := pts + r.offset
	if r.hasLast && adjusted <= r.lastPTS {
		additional := r.lastPTS + 1 - adjusted
		r.offset += additional
		adjusted = pts + r.offset
	}
	r.lastPTS = adjusted
	r.hasLast = true
	return adjusted
}

// Offset returns the current cumulative offset, for diagnostics/tests.
func (r *PTSRepair) Offset() int64 {
	return r.offset
}
