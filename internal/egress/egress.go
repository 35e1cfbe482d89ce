// Package egress defines the Egress interface every output sink (HLS,
// MP4 recorder, RTMP forwarder, MoQ) implements, and a mutex-guarded List
// that lets multiple variant workers feed the same egress set
// concurrently. Grounded on the upstream project's egress dispatch inside
// the pipeline worker, which serializes access to a shared
// `Arc<Mutex<Vec<Box<dyn Egress>>>>`.
package egress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
)

// Egress consumes encoded packets for the variants it was configured
// with and reports any segments it created or evicted as a result.
type Egress interface {
	// ID returns the egress's configured id, for logging and stats.
	ID() uuid.UUID

	// ProcessPacket muxes one packet belonging to variantID. Returning an
	// error marks the egress failed; the caller decides whether that is
	// fatal (recorder) or merely logged (RTMP forwarder), per the
	// egress's own Critical() flag.
	ProcessPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error)

	// Critical reports whether a processing error should abort the
	// pipeline run. HLS and the recorder are critical; the RTMP
	// forwarder and MoQ egress are not.
	Critical() bool

	// Reset is called when the upstream source discontinuity requires
	// the egress to drop any buffered state. Muxer-backed egresses close
	// their muxer and open a fresh one; the MoQ egress treats this as a
	// no-op and keeps its PTS offset.
	Reset()

	// Close flushes and releases any resources (open files, subprocess
	// handles, network connections).
	Close() error
}

// List is a concurrency-safe collection of egresses shared by every
// variant worker in a pipeline run.
type List struct {
	mu   sync.Mutex
	list []Egress
}

// NewList constructs an empty egress list.
func NewList() *List {
	return &List{}
}

// Add appends an egress to the list.
func (l *List) Add(e Egress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, e)
}

// Dispatch sends one packet to every egress in the list, collecting
// segment events and logging (via the returned error) any non-critical
// failures the caller should report but not abort on. A critical
// egress's error is returned immediately without running the rest of
// the list, mirroring the upstream behavior of aborting the whole run on
// a critical egress failure.
func (l *List) Dispatch(variantID uuid.UUID, pkt frame.Packet) (created, deleted []overseer.SegmentInfo, nonCritical []error, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.list {
		c, d, perr := e.ProcessPacket(variantID, pkt)
		created = append(created, c...)
		deleted = append(deleted, d...)
		if perr == nil {
			continue
		}
		if e.Critical() {
			return created, deleted, nonCritical, perr
		}
		nonCritical = append(nonCritical, perr)
	}
	return created, deleted, nonCritical, nil
}

// CloseAll closes every egress in the list, collecting any errors.
func (l *List) CloseAll() []error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, e := range l.list {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Len reports the number of configured egresses.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}
