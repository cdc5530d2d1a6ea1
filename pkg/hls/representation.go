package hls

import (
	"strings"
	"time"
)

// Representation is one encoded version of a stream. It owns the segment
// timeline and an optional initialization segment.
type Representation struct {
	// SourceURL is the media playlist address. Empty for included (muxed)
	// streams, which own no timeline of their own.
	SourceURL string

	// URL is the shared media file address for byte-range addressed
	// playlists, where segments carry ranges instead of URLs.
	URL string

	Bandwidth uint32
	Width     int
	Height    int

	// FrameRate over FrameRateScale yields frames per second.
	FrameRate      uint32
	FrameRateScale uint32

	AudioChannels uint32

	// Timescale is the tick rate for Duration and segment PTS. Always > 0.
	Timescale uint32

	// StartNumber is the sequence number of the first timeline segment.
	StartNumber uint64

	// Duration of the timeline in timescale ticks.
	Duration uint64

	ContainerType ContainerType

	// HasSegmentsURL is set when segments carry their own URLs rather than
	// byte ranges into a shared file.
	HasSegmentsURL    bool
	HasInitialization bool

	// IsIncludedStream marks a stream muxed into another representation.
	IsIncludedStream bool
	IsEnabled        bool
	IsDownloaded     bool

	// IsWaitingForSegment is set when playback caught up with a live edge
	// and is waiting for the next refresh to surface more segments.
	IsWaitingForSegment bool

	// PSSHSetPos indexes the owning period's key slot table.
	PSSHSetPos uint16

	AssuredBufferDuration time.Duration
	MaxBufferDuration     time.Duration

	// Timeline is the ordered segment list. It is replaced wholesale by
	// SwapTimeline so readers see either the old or the new list.
	Timeline []Segment

	// Initialization is the EXT-X-MAP segment, valid when HasInitialization.
	Initialization Segment

	codecs []string

	// currentSegment indexes Timeline, -1 when no segment is selected.
	currentSegment int
}

// NewRepresentation returns a representation with the master-playlist
// default timescale and no selected segment.
func NewRepresentation() *Representation {
	return &Representation{
		Timescale:      DefaultTimescale,
		IsEnabled:      true,
		Initialization: newSegment(),
		currentSegment: -1,
	}
}

// AddCodecs merges a comma-separated codec list into the representation's
// codec set. Duplicates are dropped.
func (r *Representation) AddCodecs(codecs string) {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !r.ContainsCodec(c) {
			r.codecs = append(r.codecs, c)
		}
	}
}

// Codecs returns the codec set in insertion order.
func (r *Representation) Codecs() []string {
	return r.codecs
}

// ContainsCodec reports whether any codec string contains name.
func (r *Representation) ContainsCodec(name string) bool {
	for _, c := range r.codecs {
		if strings.Contains(c, name) {
			return true
		}
	}
	return false
}

// SwapTimeline atomically replaces the timeline and start number with a
// freshly parsed one. The previous timeline is released.
func (r *Representation) SwapTimeline(segments []Segment, startNumber uint64) {
	r.Timeline = segments
	r.StartNumber = startNumber
}

// SegmentAt returns the timeline segment at index i, or nil when out of range.
func (r *Representation) SegmentAt(i int) *Segment {
	if i < 0 || i >= len(r.Timeline) {
		return nil
	}
	return &r.Timeline[i]
}

// CurrentSegment returns the selected segment, or nil when none is selected.
func (r *Representation) CurrentSegment() *Segment {
	return r.SegmentAt(r.currentSegment)
}

// CurrentSegmentNumber returns the sequence number of the selected segment,
// or SegmentNoNumber when none is selected.
func (r *Representation) CurrentSegmentNumber() uint64 {
	if r.currentSegment < 0 {
		return SegmentNoNumber
	}
	return r.StartNumber + uint64(r.currentSegment)
}

// SetCurrentSegmentIndex selects the timeline segment at index i; a negative
// index clears the selection.
func (r *Representation) SetCurrentSegmentIndex(i int) {
	if i < 0 || i >= len(r.Timeline) {
		r.currentSegment = -1
		return
	}
	r.currentSegment = i
}

// NextSegment returns the segment after the current one, or nil at the end.
func (r *Representation) NextSegment() *Segment {
	if r.currentSegment < 0 {
		return r.SegmentAt(0)
	}
	return r.SegmentAt(r.currentSegment + 1)
}

// copyForDiscontinuity duplicates structural metadata without the timeline,
// so representations keep stable positional indices across periods.
func (r *Representation) copyForDiscontinuity() *Representation {
	cp := NewRepresentation()
	cp.SourceURL = r.SourceURL
	cp.Bandwidth = r.Bandwidth
	cp.Width = r.Width
	cp.Height = r.Height
	cp.FrameRate = r.FrameRate
	cp.FrameRateScale = r.FrameRateScale
	cp.AudioChannels = r.AudioChannels
	cp.Timescale = r.Timescale
	cp.ContainerType = r.ContainerType
	cp.IsIncludedStream = r.IsIncludedStream
	cp.IsEnabled = r.IsEnabled
	cp.AssuredBufferDuration = r.AssuredBufferDuration
	cp.MaxBufferDuration = r.MaxBufferDuration
	cp.codecs = append([]string(nil), r.codecs...)
	return cp
}
