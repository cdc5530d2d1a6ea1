package hls

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// targetDurationFactor scales EXT-X-TARGETDURATION into the live update
// interval, so a 1 second target duration refreshes every 25 minutes.
const targetDurationFactor = 1500

// PrepareRepresentation downloads and parses a representation's media
// playlist, (re)populating its segment timeline. With update set, the
// current-segment cursor is remapped onto the new timeline; otherwise a
// successful initial parse starts the live refresh driver.
//
// On failure the representation is left unchanged: the timeline swap only
// happens once the whole document parsed.
func (t *Tree) PrepareRepresentation(ctx context.Context, period *Period, adp *AdaptationSet, rep *Representation, update bool) PrepareResult {
	if rep.SourceURL == "" {
		return PrepareFailure
	}

	entryRep := rep
	currentRepSegNumber := rep.CurrentSegmentNumber()

	prepareStatus := PrepareOK

	if !rep.IsDownloaded {
		body, effectiveURL, err := t.client.Download(ctx, rep.SourceURL, nil)
		if err != nil {
			t.log.Warn("failed to download media playlist",
				slog.String("url", rep.SourceURL), slog.String("error", err.Error()))
			return PrepareFailure
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		prepareStatus = t.parseMediaPlaylist(body, removeParameters(effectiveURL), period, adp, rep, update)
		if prepareStatus == PrepareFailure {
			return PrepareFailure
		}
	} else {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	if update {
		t.remapSegmentCursor(entryRep, currentRepSegNumber)
	} else {
		t.startRefreshLocked()
	}

	return prepareStatus
}

// parseMediaPlaylist runs the media playlist state machine. Callers hold
// the tree-update mutex. baseURL is the parameter-stripped effective URL of
// the playlist download, used for relative resolution.
func (t *Tree) parseMediaPlaylist(data []byte, baseURL string, period *Period, adp *AdaptationSet, rep *Representation, update bool) PrepareResult {
	adpPos := positionOfAdaptationSet(period, adp)
	repPos := positionOfRepresentation(adp, rep)
	if adpPos < 0 || repPos < 0 {
		t.log.Error("representation not addressable by position")
		return PrepareFailure
	}

	// A currently playing period evicted by a discontinuity sequence jump
	// is moved here and re-prepended once parsing is done, on failure paths
	// included so the playing period is never dropped.
	var periodLost *Period
	defer func() {
		if periodLost != nil {
			t.periods = append([]*Period{periodLost}, t.periods...)
		}
	}()

	prepareStatus := PrepareOK

	currentEncryption := EncryptionClear
	var currentSegStartPTS uint64
	var newStartNumber uint64

	var newSegments []Segment
	var inProgress *Segment
	segmentHasByteRange := false

	// Key slot shared between segments until the next EXT-X-KEY.
	psshSetPos := PSSHSetPosDefault

	segInit := newSegment()
	segInitURL := ""
	hasSegmentInit := false

	var discontCount uint32

	isExtM3U := false

	lex := newLexer(data)
	for {
		line, ok := lex.next()
		if !ok {
			break
		}
		tagName, tagValue, isTag := parseTag(line)

		if !isExtM3U {
			if isTag && tagName == "#EXTM3U" {
				isExtM3U = true
			}
			continue
		}

		switch {
		case tagName == "#EXT-X-KEY":
			attrs := ParseAttributes(tagValue)

			switch t.processEncryption(baseURL, attrs) {
			case EncryptionNotSupported:
				period.EncryptionState = EncryptionStateEncrypted
				return PrepareFailure
			case EncryptionAES128:
				currentEncryption = EncryptionAES128
				// The next segment interns the key.
				psshSetPos = PSSHSetPosDefault
			case EncryptionWidevine:
				currentEncryption = EncryptionWidevine
				period.EncryptionState = EncryptionStateEncryptedSupported

				rep.PSSHSetPos = t.insertCurrentPSSHSet(period, adp.StreamType)
				if period.psshSets[rep.PSSHSetPos].UsageCount == 1 || prepareStatus == PrepareDRMChanged {
					prepareStatus = PrepareDRMChanged
				} else {
					prepareStatus = PrepareDRMUnchanged
				}
			case EncryptionUnknown:
				t.log.Warn("unknown encryption type")
			}

		case tagName == "#EXT-X-MAP":
			attrs := ParseAttributes(tagValue)

			if uri, ok := attrs["URI"]; ok {
				if isURLAbsolute(uri) {
					segInitURL = uri
				} else {
					segInitURL = joinURL(baseURL, uri)
				}
				segInit.URL = segInitURL
				segInit.StartPTS = NoPTSValue
				segInit.PSSHSetPos = PSSHSetPosDefault
				rep.HasInitialization = true
				rep.ContainerType = ContainerMP4
				hasSegmentInit = true
			}

			if br, ok := attrs["BYTERANGE"]; ok {
				if length, offset, hasOffset, ok := parseByteRange(br); ok && hasOffset {
					segInit.RangeBegin = offset
					segInit.RangeEnd = offset + length - 1
				}
			} else {
				segInit.RangeBegin = NoRangeValue
				segInit.RangeEnd = NoRangeValue
			}

		case tagName == "#EXT-X-MEDIA-SEQUENCE":
			newStartNumber, _ = strconv.ParseUint(tagValue, 10, 64)

		case tagName == "#EXT-X-PLAYLIST-TYPE":
			if strings.EqualFold(tagValue, "VOD") {
				t.refreshPlaylist = false
				t.isLive = false
			}

		case tagName == "#EXT-X-TARGETDURATION":
			secs, _ := strconv.ParseUint(tagValue, 10, 32)
			if interval := time.Duration(secs) * targetDurationFactor * time.Second; interval < t.updateInterval {
				t.updateInterval = interval
			}

		case tagName == "#EXTINF":
			seg := newSegment()
			seg.StartPTS = currentSegStartPTS
			seg.Duration = uint64(parseLeadingFloat(tagValue) * float64(rep.Timescale))
			seg.PSSHSetPos = psshSetPos

			currentSegStartPTS += seg.Duration
			inProgress = &seg

		case tagName == "#EXT-X-BYTERANGE" && inProgress != nil:
			length, offset, hasOffset, ok := parseByteRange(tagValue)
			if !ok {
				break
			}
			if hasOffset {
				inProgress.RangeBegin = offset
			} else if len(newSegments) > 0 {
				inProgress.RangeBegin = newSegments[len(newSegments)-1].RangeEnd + 1
			} else {
				inProgress.RangeBegin = 0
			}
			inProgress.RangeEnd = inProgress.RangeBegin + length - 1
			segmentHasByteRange = true

		case !isTag && inProgress != nil:
			// The URI line closing the segment opened by EXTINF.
			if rep.ContainerType == ContainerNone {
				rep.ContainerType = t.detectContainer(line, adp.StreamType)
			}
			if rep.ContainerType == ContainerInvalid {
				// Skip EXTINF segment.
				inProgress = nil
				continue
			}

			if !segmentHasByteRange || rep.URL == "" {
				segURL := line
				if !isURLAbsolute(segURL) {
					segURL = joinURL(baseURL, segURL)
				}
				if segmentHasByteRange {
					rep.URL = segURL
				} else {
					inProgress.URL = segURL
				}
			}

			if currentEncryption == EncryptionAES128 && psshSetPos == PSSHSetPosDefault {
				psshSetPos = t.insertCurrentPSSHSet(period, StreamTypeNone)
				inProgress.PSSHSetPos = psshSetPos
			} else {
				period.IncrementPSSHSetUsage(inProgress.PSSHSetPos)
			}

			newSegments = append(newSegments, *inProgress)
			inProgress = nil

		case tagName == "#EXT-X-DISCONTINUITY-SEQUENCE":
			seq, _ := strconv.ParseUint(tagValue, 10, 32)
			t.discontSeq = uint32(seq)
			if t.initialSequence == nil {
				initial := t.discontSeq
				t.initialSequence = &initial
			}
			t.hasDiscontSeq = true

			// Make sure the first period has a sequence on initial prepare.
			if !update && t.discontSeq > 0 && len(t.periods) > 0 &&
				t.periods[len(t.periods)-1].Sequence == 0 {
				t.periods[0].Sequence = t.discontSeq
			}

			kept := t.periods[:0]
			for _, p := range t.periods {
				if p.Sequence >= t.discontSeq {
					kept = append(kept, p)
					continue
				}
				if p == t.currentPeriod {
					// Playback paused long enough for its period to fall
					// out of the live window; keep it aside and reattach
					// after the parse.
					periodLost = p
				}
			}
			t.periods = kept

			if len(t.periods) == 0 {
				t.log.Error("all periods evicted by discontinuity sequence")
				return PrepareFailure
			}
			period = t.periods[0]
			adp = period.AdaptationSetAt(adpPos)
			if adp == nil {
				return PrepareFailure
			}
			rep = adp.RepresentationAt(repPos)
			if rep == nil {
				return PrepareFailure
			}

		case tagName == "#EXT-X-DISCONTINUITY":
			if len(newSegments) == 0 {
				t.log.Error("segment at position 0 not found")
				continue
			}

			period.Sequence = t.discontSeq + discontCount
			if !segmentHasByteRange {
				rep.HasSegmentsURL = true
			}

			rep.Duration = currentSegStartPTS - newSegments[0].StartPTS
			if adp.StreamType != StreamTypeSubtitle {
				period.Duration = rescale(rep.Duration, rep.Timescale, period.Timescale)
			}

			t.commitTimeline(period, rep, newSegments, newStartNumber, hasSegmentInit, &segInit, segInitURL)
			newStartNumber += uint64(len(rep.Timeline))
			newSegments = nil

			discontCount++
			if len(t.periods) == int(discontCount) {
				source := t.currentPeriod
				if source == nil {
					source = period
				}
				t.periods = append(t.periods, source.CopyForDiscontinuity())
			}
			period = t.periods[discontCount]
			adp = period.AdaptationSetAt(adpPos)
			if adp == nil {
				return PrepareFailure
			}
			rep = adp.RepresentationAt(repPos)
			if rep == nil {
				return PrepareFailure
			}

			currentSegStartPTS = 0

			if currentEncryption == EncryptionWidevine {
				rep.PSSHSetPos = t.insertCurrentPSSHSet(period, adp.StreamType)
				period.EncryptionState = EncryptionStateEncryptedSupported
			}

			// The EXT-X-MAP init URL persists into the new period until
			// overridden by a new tag.
			if hasSegmentInit && segInitURL != "" {
				rep.HasInitialization = true
				rep.ContainerType = ContainerMP4
			}

		case tagName == "#EXT-X-ENDLIST":
			t.refreshPlaylist = false
			t.isLive = false
		}
	}

	if !isExtM3U {
		t.log.Error("non-compliant HLS manifest, #EXTM3U tag not found")
		return PrepareFailure
	}

	if !segmentHasByteRange {
		rep.HasSegmentsURL = true
	}

	if len(newSegments) == 0 {
		t.log.Error("no segments parsed", slog.String("url", rep.SourceURL))
		return PrepareFailure
	}

	t.commitTimeline(period, rep, newSegments, newStartNumber, hasSegmentInit, &segInit, segInitURL)

	rep.Duration = currentSegStartPTS - rep.Timeline[0].StartPTS
	period.Sequence = t.discontSeq + discontCount

	var totalTimeSecs uint64
	if discontCount > 0 || t.hasDiscontSeq {
		if adp.StreamType != StreamTypeSubtitle {
			period.Duration = rescale(rep.Duration, rep.Timescale, period.Timescale)
		}

		for _, p := range t.periods {
			totalTimeSecs += p.Duration / uint64(p.Timescale)
			if !t.isLive && !t.refreshPlaylist {
				if a := p.AdaptationSetAt(adpPos); a != nil {
					if r := a.RepresentationAt(repPos); r != nil {
						r.IsDownloaded = true
					}
				}
			}
		}
	} else {
		totalTimeSecs = rep.Duration / uint64(rep.Timescale)
		if !t.isLive && !t.refreshPlaylist {
			rep.IsDownloaded = true
		}
	}

	if adp.StreamType != StreamTypeSubtitle {
		t.totalDurationSecs = totalTimeSecs
	}

	return prepareStatus
}

// commitTimeline swaps a freshly built timeline into the representation:
// old key references are released first, then the timeline and the
// initialization segment are replaced in one step so readers never observe
// a partially built list.
func (t *Tree) commitTimeline(period *Period, rep *Representation, segments []Segment, startNumber uint64, hasSegmentInit bool, segInit *Segment, segInitURL string) {
	period.FreeSegmentReferences(rep)
	rep.SwapTimeline(segments, startNumber)

	if hasSegmentInit {
		prev := rep.Initialization
		rep.Initialization = *segInit
		*segInit = prev
		segInit.URL = segInitURL
		period.IncrementPSSHSetUsage(rep.Initialization.PSSHSetPos)
	}
}

// remapSegmentCursor re-selects the segment that was playing before a
// refresh. A cursor beyond the new live edge clamps to the last segment; a
// cursor that fell out of the window is cleared.
func (t *Tree) remapSegmentCursor(rep *Representation, prevSegNumber uint64) {
	if prevSegNumber == SegmentNoNumber || prevSegNumber < rep.StartNumber {
		rep.SetCurrentSegmentIndex(-1)
	} else {
		if prevSegNumber >= rep.StartNumber+uint64(len(rep.Timeline)) {
			prevSegNumber = rep.StartNumber + uint64(len(rep.Timeline)) - 1
		}
		rep.SetCurrentSegmentIndex(int(prevSegNumber - rep.StartNumber))
	}

	if rep.IsWaitingForSegment &&
		(rep.NextSegment() != nil || (len(t.periods) > 0 && t.currentPeriod != t.periods[len(t.periods)-1])) {
		rep.IsWaitingForSegment = false
	}
}

// detectContainer determines the container type from a media URL, falling
// back by stream type when the extension gives nothing away, for example
// when the media address is encoded as a query parameter of a beacon URL.
func (t *Tree) detectContainer(mediaURL string, streamType StreamType) ContainerType {
	containerType := detectContainerFromURL(mediaURL)
	if containerType != ContainerInvalid {
		return containerType
	}

	switch streamType {
	case StreamTypeVideo:
		t.log.Warn("cannot detect container type from media url, fallback to TS")
		return ContainerTS
	case StreamTypeAudio:
		t.log.Warn("cannot detect container type from media url, fallback to ADTS")
		return ContainerADTS
	case StreamTypeSubtitle:
		t.log.Warn("cannot detect container type from media url, fallback to TEXT")
		return ContainerText
	}
	return ContainerInvalid
}

// parseLeadingFloat parses the numeric prefix of an EXTINF value, which may
// be followed by a comma and an optional title.
func parseLeadingFloat(val string) float64 {
	if idx := strings.IndexByte(val, ','); idx >= 0 {
		val = val[:idx]
	}
	f, _ := strconv.ParseFloat(strings.TrimSpace(val), 64)
	return f
}

// parseByteRange parses a byte range value of the form "length[@offset]".
func parseByteRange(val string) (length, offset uint64, hasOffset, ok bool) {
	lengthPart := val
	if idx := strings.IndexByte(val, '@'); idx >= 0 {
		lengthPart = val[:idx]
		var err error
		offset, err = strconv.ParseUint(val[idx+1:], 10, 64)
		if err != nil {
			return 0, 0, false, false
		}
		hasOffset = true
	}
	length, err := strconv.ParseUint(lengthPart, 10, 64)
	if err != nil {
		return 0, 0, false, false
	}
	return length, offset, hasOffset, true
}

// rescale converts a duration between timescales.
func rescale(duration uint64, from, to uint32) uint64 {
	if from == 0 {
		return 0
	}
	return duration * uint64(to) / uint64(from)
}
