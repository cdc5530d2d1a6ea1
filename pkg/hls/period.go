package hls

import "bytes"

// PSSHSet is a per-period encryption key descriptor referenced by index from
// representations and segments. Slot 0 of every period is the reserved clear
// entry; its usage count tracks clear references.
type PSSHSet struct {
	// PSSH is the opaque key payload: the key URI for AES-128, the
	// base64 PSSH box for Widevine.
	PSSH string

	// DefaultKID is the 16-byte default key identifier once resolved.
	DefaultKID []byte

	// KIDState tracks lazy resolution of DefaultKID; AES-128 keys start
	// out pending and are fetched on first use.
	KIDState KeyResolution

	// IV is the initialization vector, at most 16 bytes. Empty means the
	// IV is derived from the segment sequence number.
	IV []byte

	CryptoMode CryptoMode
	StreamType StreamType

	// UsageCount is the number of live references from representations,
	// timeline segments and initialization segments.
	UsageCount uint32
}

// equalKey is the structural equality used for interning. Usage count and
// KID resolution state are deliberately excluded.
func (p *PSSHSet) equalKey(other *PSSHSet) bool {
	return p.PSSH == other.PSSH &&
		bytes.Equal(p.DefaultKID, other.DefaultKID) &&
		bytes.Equal(p.IV, other.IV) &&
		p.CryptoMode == other.CryptoMode &&
		p.StreamType == other.StreamType
}

// Period is a contiguous-PTS region of the presentation. Discontinuities in
// the source playlist open new periods.
type Period struct {
	ID      string
	BaseURL string

	// Timescale is the tick rate for Start and Duration. Always > 0.
	Timescale uint32
	Start     uint64
	StartPTS  uint64
	Duration  uint64

	// Sequence is the discontinuity sequence number of the period.
	Sequence uint32

	EncryptionState EncryptionState

	// IncludedStreamMask has bit 1<<StreamType set for every stream type
	// muxed into another stream of this period.
	IncludedStreamMask uint32

	AdaptationSets []*AdaptationSet

	psshSets []PSSHSet
}

// NewPeriod returns a period whose key table holds the reserved clear slot.
func NewPeriod() *Period {
	return &Period{
		Timescale: DefaultTimescale,
		psshSets:  []PSSHSet{{}},
	}
}

// AddAdaptationSet appends an adaptation set to the period.
func (p *Period) AddAdaptationSet(adp *AdaptationSet) {
	p.AdaptationSets = append(p.AdaptationSets, adp)
}

// AdaptationSetAt returns the adaptation set at index i, or nil.
func (p *Period) AdaptationSetAt(i int) *AdaptationSet {
	if i < 0 || i >= len(p.AdaptationSets) {
		return nil
	}
	return p.AdaptationSets[i]
}

// SetIncludedStream marks a stream type as muxed into another stream.
func (p *Period) SetIncludedStream(streamType StreamType) {
	p.IncludedStreamMask |= 1 << uint(streamType)
}

// HasIncludedStream reports whether a stream type is muxed in.
func (p *Period) HasIncludedStream(streamType StreamType) bool {
	return p.IncludedStreamMask&(1<<uint(streamType)) != 0
}

// PSSHSets exposes the key slot table. Slot 0 is the clear entry.
func (p *Period) PSSHSets() []PSSHSet {
	return p.psshSets
}

// PSSHSetAt returns the key slot at idx, or nil when out of range.
func (p *Period) PSSHSetAt(idx uint16) *PSSHSet {
	if int(idx) >= len(p.psshSets) {
		return nil
	}
	return &p.psshSets[idx]
}

// InsertPSSHSet interns a key descriptor and returns its slot index. A nil
// descriptor references the reserved clear slot. An existing slot matching
// structurally is reused when active; an unused matching slot is overwritten
// with the new descriptor. The slot's usage count is always incremented.
func (p *Period) InsertPSSHSet(set *PSSHSet) uint16 {
	if set == nil {
		p.psshSets[0].UsageCount++
		return PSSHSetPosDefault
	}

	idx := -1
	for i := 1; i < len(p.psshSets); i++ {
		if p.psshSets[i].equalKey(set) {
			idx = i
			break
		}
	}

	switch {
	case idx < 0:
		p.psshSets = append(p.psshSets, *set)
		idx = len(p.psshSets) - 1
	case p.psshSets[idx].UsageCount == 0:
		// Repurpose the unused slot.
		p.psshSets[idx] = *set
	}

	p.psshSets[idx].UsageCount++
	return uint16(idx)
}

// IncrementPSSHSetUsage bumps the usage count of an existing slot.
func (p *Period) IncrementPSSHSetUsage(idx uint16) {
	if int(idx) < len(p.psshSets) {
		p.psshSets[idx].UsageCount++
	}
}

// DecrementPSSHSetUsage releases one reference on a slot.
func (p *Period) DecrementPSSHSetUsage(idx uint16) {
	if int(idx) < len(p.psshSets) && p.psshSets[idx].UsageCount > 0 {
		p.psshSets[idx].UsageCount--
	}
}

// RemovePSSHSet detaches every representation of the period whose key slot
// index equals idx.
func (p *Period) RemovePSSHSet(idx uint16) {
	for _, adp := range p.AdaptationSets {
		reps := adp.Representations[:0]
		for _, rep := range adp.Representations {
			if rep.PSSHSetPos != idx {
				reps = append(reps, rep)
			}
		}
		adp.Representations = reps
	}
}

// CopyForDiscontinuity duplicates the period's structural metadata, its
// adaptation sets and representations, without segment timelines. The key
// table starts fresh with only the clear slot.
func (p *Period) CopyForDiscontinuity() *Period {
	cp := NewPeriod()
	cp.ID = p.ID
	cp.BaseURL = p.BaseURL
	cp.Timescale = p.Timescale
	cp.Start = p.Start
	cp.StartPTS = p.StartPTS
	cp.Duration = p.Duration
	cp.EncryptionState = p.EncryptionState
	cp.IncludedStreamMask = p.IncludedStreamMask
	cp.AdaptationSets = make([]*AdaptationSet, 0, len(p.AdaptationSets))
	for _, adp := range p.AdaptationSets {
		cp.AdaptationSets = append(cp.AdaptationSets, adp.copyForDiscontinuity())
	}
	return cp
}

// FreeSegmentReferences releases the key slot references held by a
// representation's timeline and initialization segment, ahead of a swap.
func (p *Period) FreeSegmentReferences(rep *Representation) {
	for i := range rep.Timeline {
		p.DecrementPSSHSetUsage(rep.Timeline[i].PSSHSetPos)
	}
	if rep.HasInitialization {
		p.DecrementPSSHSetUsage(rep.Initialization.PSSHSetPos)
	}
}
