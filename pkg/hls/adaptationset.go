package hls

// AdaptationSet groups representations that are interchangeable at runtime:
// same content at different bitrates or resolutions.
type AdaptationSet struct {
	StreamType    StreamType
	Language      string
	Name          string
	IsDefault     bool
	IsForced      bool
	ContainerType ContainerType

	Representations []*Representation
}

// NewAdaptationSet returns an adaptation set of the given stream type with
// the language defaulted to "unk".
func NewAdaptationSet(streamType StreamType) *AdaptationSet {
	return &AdaptationSet{
		StreamType: streamType,
		Language:   "unk",
	}
}

// AddRepresentation appends a representation to the set.
func (a *AdaptationSet) AddRepresentation(rep *Representation) {
	a.Representations = append(a.Representations, rep)
}

// RepresentationAt returns the representation at index i, or nil.
func (a *AdaptationSet) RepresentationAt(i int) *Representation {
	if i < 0 || i >= len(a.Representations) {
		return nil
	}
	return a.Representations[i]
}

// copyForDiscontinuity duplicates the set and its representations without
// segment timelines.
func (a *AdaptationSet) copyForDiscontinuity() *AdaptationSet {
	cp := NewAdaptationSet(a.StreamType)
	cp.Language = a.Language
	cp.Name = a.Name
	cp.IsDefault = a.IsDefault
	cp.IsForced = a.IsForced
	cp.ContainerType = a.ContainerType
	cp.Representations = make([]*Representation, 0, len(a.Representations))
	for _, rep := range a.Representations {
		cp.Representations = append(cp.Representations, rep.copyForDiscontinuity())
	}
	return cp
}
