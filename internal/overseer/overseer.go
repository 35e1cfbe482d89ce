// Package overseer defines the collaborator interface a pipeline run
// reports to: stream lifecycle, segment/thumbnail events, periodic stats,
// and MoQ origin lookup. A concrete Overseer is supplied by whatever
// embeds the pipeline (an ingest server, a CLI demo harness, a test
// double); this package only defines the contract and the small value
// types that cross it.
package overseer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/pathrelay/internal/variant"
)

// SegmentInfo describes one segment written by an HLS or recorder egress,
// reported so the overseer can update playlists, catalogs, or storage
// accounting.
type SegmentInfo struct {
	VariantID uuid.UUID
	Index     uint64
	Duration  time.Duration
	Path      string
	SHA256    [32]byte
}

// ThumbnailInfo describes a sampled thumbnail frame written to disk.
type ThumbnailInfo struct {
	Path      string
	Timestamp time.Duration
}

// StatKind discriminates the three stat shapes on the stats stream.
type StatKind int

const (
	StatIngress StatKind = iota
	StatEgress
	StatPipeline
)

// IngressStats reports instantaneous ingest throughput.
type IngressStats struct {
	BitrateBps  int64
	PacketCount uint64
}

// EgressStats reports instantaneous per-egress throughput. Workers driving
// a transcoded variant also report here, keyed by the variant's mapping ID
// rather than an egress's, carrying the encoder subprocess's resource
// usage sampled via internal/ffmpeg's process monitor; a copy-kind variant
// has no subprocess and gets no entry.
type EgressStats struct {
	EgressID       uuid.UUID
	BitrateBps     int64
	SegmentCount   uint64
	CPUPercent     float64
	MemoryRSSBytes uint64
}

// PipelineStats reports the runner's own health.
type PipelineStats struct {
	AverageFPS  float64
	TotalFrames uint64
	IsRunning   bool
}

// Stats is a tagged union of the three stat kinds; only the field named by
// Kind is populated.
type Stats struct {
	Kind     StatKind
	Ingress  IngressStats
	Egress   EgressStats
	Pipeline PipelineStats
}

// MoQOrigin is the minimal surface the MoQ egress needs from whatever
// publishes tracks to relays/subscribers. No Go MoQ/hang client library
// exists in the dependency corpus this module draws on, so the egress
// depends on this narrow interface instead of a concrete transport; a real
// deployment supplies an implementation backed by its own MoQ stack.
type MoQOrigin interface {
	// Track returns (creating if necessary) the named track under the
	// given broadcast path, published at the given priority (higher runs
	// first when a subscriber's bandwidth forces the relay to drop
	// tracks). Video tracks are assigned priorities starting at 100,
	// audio tracks starting at 1, each incrementing per variant.
	Track(broadcastPath, trackName string, priority int) (MoQTrack, error)
}

// MoQTrack is a single MoQ track accepting timestamped frames.
type MoQTrack interface {
	WriteFrame(ctx context.Context, timestamp time.Duration, keyframe bool, payload []byte) error
	Close() error
}

// Overseer is the collaborator a pipeline run reports all lifecycle and
// telemetry events to.
type Overseer interface {
	// StartStream is called once the ingress container has been probed.
	// It resolves and returns the PipelineConfig for this connection, or
	// an error to abort the run before any packet is processed.
	StartStream(ctx context.Context, connectionID string, info variant.IngressInfo) (*variant.PipelineConfig, error)

	// OnSegments is called whenever one or more egresses produce new
	// segments and/or evict old ones in the same mux call.
	OnSegments(ctx context.Context, created []SegmentInfo, deleted []SegmentInfo)

	// OnThumbnail is called when the pipeline samples a new thumbnail.
	OnThumbnail(ctx context.Context, thumb ThumbnailInfo)

	// OnEnd is called exactly once when the run terminates, with the
	// terminal error if the run ended abnormally (nil on clean shutdown).
	OnEnd(ctx context.Context, err error)

	// OnUpdate is called when the resolved PipelineConfig changes after
	// StartStream (e.g. a variant added or removed mid-stream).
	OnUpdate(ctx context.Context, cfg *variant.PipelineConfig)

	// OnStats is called on the configured stats interval with a snapshot
	// of ingress, egress, and pipeline throughput.
	OnStats(ctx context.Context, stats []Stats)

	// OnExpire is an additive hint (not present in every deployment) that
	// lets the overseer pre-emptively mirror a segment's scheduled
	// eviction time, e.g. to expire a CDN cache entry slightly before the
	// playlist itself drops the segment. Implementations that don't need
	// this may ignore the call; it carries no error return because the
	// pipeline does not depend on it succeeding.
	OnExpire(ctx context.Context, segment SegmentInfo, expiresAt time.Time)

	// GetMoQOrigin returns the MoQ origin to publish tracks to, or nil if
	// no MoQ egress is configured for this connection.
	GetMoQOrigin() MoQOrigin
}
