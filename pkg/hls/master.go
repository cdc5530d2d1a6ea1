package hls

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// extGroup collects the alternate renditions declared under one GROUP-ID
// until they are merged into the period at the end of the master parse.
type extGroup struct {
	codecs  string
	adpSets []*AdaptationSet
}

// setCodecs records the codec inferred from a variant referencing this
// group and propagates it into every representation already in the group.
func (g *extGroup) setCodecs(codecs string) {
	g.codecs = codecs
	for _, adp := range g.adpSets {
		for _, rep := range adp.Representations {
			rep.AddCodecs(codecs)
		}
	}
}

// audioCodecFromCodecs infers the audio codec from a CODECS attribute. The
// CODECS attribute is optional and not guaranteed complete, so this is a
// best-effort ranking, multi-channel formats first.
func audioCodecFromCodecs(codecs string) string {
	if strings.Contains(codecs, "ec-3") {
		return "ec-3"
	}
	if strings.Contains(codecs, "ac-3") {
		return "ac-3"
	}
	return "aac"
}

// audioCodecFromRepresentation infers the audio codec from a
// representation's codec set with the same ranking.
func audioCodecFromRepresentation(rep *Representation) string {
	if rep.ContainsCodec("ec-3") {
		return "ec-3"
	}
	if rep.ContainsCodec("ac-3") {
		return "ac-3"
	}
	return "aac"
}

// normalizeLanguage canonicalizes a LANGUAGE attribute to a BCP 47 tag,
// keeps the raw value when it does not parse, and falls back to "unk" when
// the attribute is absent.
func normalizeLanguage(lang string) string {
	if lang == "" {
		return "unk"
	}
	if tag, err := language.Parse(lang); err == nil {
		return tag.String()
	}
	return lang
}

// parseResolution splits a RESOLUTION attribute (WxH) into its dimensions.
func parseResolution(val string) (width, height int) {
	idx := strings.IndexByte(val, 'x')
	if idx < 0 {
		return 0, 0
	}
	width, _ = strconv.Atoi(val[:idx])
	height, _ = strconv.Atoi(val[idx+1:])
	return width, height
}

// parseMasterPlaylist consumes a master playlist document and appends the
// resulting period to the tree. Callers hold the tree-update mutex.
func (t *Tree) parseMasterPlaylist(data []byte) error {
	lex := newLexer(data)

	isExtM3U := false
	// Set when a variant has no AUDIO group reference and audio must be
	// assumed muxed into the video stream.
	createDummyAudioRep := false

	extGroups := make(map[string]*extGroup)
	groupFor := func(id string) *extGroup {
		g, ok := extGroups[id]
		if !ok {
			g = &extGroup{}
			extGroups[id] = g
		}
		return g
	}

	period := NewPeriod()

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

		switch tagName {
		case "#EXT-X-MEDIA":
			attrs := ParseAttributes(tagValue)

			var streamType StreamType
			switch attrs["TYPE"] {
			case "AUDIO":
				streamType = StreamTypeAudio
			case "SUBTITLES":
				streamType = StreamTypeSubtitle
			default:
				continue
			}

			group := groupFor(attrs["GROUP-ID"])

			adpSet := NewAdaptationSet(streamType)
			adpSet.Language = normalizeLanguage(attrs["LANGUAGE"])
			adpSet.Name = attrs["NAME"]
			adpSet.IsDefault = attrs["DEFAULT"] == "YES"
			adpSet.IsForced = attrs["FORCED"] == "YES"

			rep := NewRepresentation()
			rep.AddCodecs(group.codecs)

			if uri, ok := attrs["URI"]; ok {
				rep.SourceURL = t.BuildDownloadURL(uri)
				if streamType == StreamTypeSubtitle {
					// Default to WebVTT.
					rep.AddCodecs("wvtt")
				}
			} else {
				rep.IsIncludedStream = true
				period.SetIncludedStream(streamType)
			}

			if streamType == StreamTypeAudio {
				rep.AudioChannels = parseUint32(attrs["CHANNELS"], 2)
			}

			t.applyBufferSettings(rep)

			adpSet.AddRepresentation(rep)
			group.adpSets = append(group.adpSets, adpSet)

		case "#EXT-X-STREAM-INF":
			attrs := ParseAttributes(tagValue)

			if _, ok := attrs["BANDWIDTH"]; !ok {
				t.log.Error("skipped EXT-X-STREAM-INF due to missing bandwidth attribute",
					slog.String("tag_value", tagValue))
				continue
			}

			if len(period.AdaptationSets) == 0 {
				period.AddAdaptationSet(NewAdaptationSet(StreamTypeVideo))
			}
			adpSet := period.AdaptationSets[0]

			rep := NewRepresentation()

			if codecs, ok := attrs["CODECS"]; ok {
				rep.AddCodecs(codecs)
			} else {
				t.log.Debug("missing CODECS attribute, fallback to h264")
				rep.AddCodecs("h264")
			}

			rep.Bandwidth = parseUint32(attrs["BANDWIDTH"], 0)

			if res, ok := attrs["RESOLUTION"]; ok {
				rep.Width, rep.Height = parseResolution(res)
			}

			if audioGroup, ok := attrs["AUDIO"]; ok {
				// Propagate the inferred audio codec to the group.
				groupFor(audioGroup).setCodecs(audioCodecFromCodecs(attrs["CODECS"]))
			} else {
				// We assume audio is muxed into the variant.
				period.SetIncludedStream(StreamTypeAudio)
				createDummyAudioRep = true
			}

			if fr, ok := attrs["FRAME-RATE"]; ok {
				frameRate, _ := strconv.ParseFloat(fr, 64)
				if frameRate == 0 {
					t.log.Warn("wrong FRAME-RATE attribute, fallback to 60 fps")
					frameRate = 60.0
				}
				rep.FrameRate = uint32(frameRate * 1000)
				rep.FrameRateScale = 1000
			}

			t.applyBufferSettings(rep)

			// The variant URI is on the following line. Peek so a
			// malformed playlist (tag instead of URI) leaves the line
			// for the main loop instead of looping on a rewind.
			next, ok := lex.peek()
			if !ok {
				continue
			}
			if _, _, nextIsTag := parseTag(next); nextIsTag {
				continue
			}
			lex.skip()

			sourceURL := t.BuildDownloadURL(next)
			if findRepresentationByURL(adpSet, sourceURL) == nil {
				rep.SourceURL = sourceURL
				adpSet.AddRepresentation(rep)
			}

		case "#EXTINF":
			// Not a multi-bitrate playlist: the manifest itself is the
			// media playlist of a single video representation.
			adpSet := NewAdaptationSet(StreamTypeVideo)

			rep := NewRepresentation()
			rep.SourceURL = t.manifestURL
			t.applyBufferSettings(rep)

			adpSet.AddRepresentation(rep)
			period.AddAdaptationSet(adpSet)

			period.SetIncludedStream(StreamTypeAudio)
			createDummyAudioRep = true

		case "#EXT-X-SESSION-KEY":
			attrs := ParseAttributes(tagValue)

			switch t.processEncryption(t.baseURL, attrs) {
			case EncryptionNotSupported:
				return ErrEncryptionNotSupported
			case EncryptionAES128, EncryptionWidevine:
				// Session keys allow preparing DRM before any media
				// playlist is loaded; the serial workflow here gains
				// nothing from that, so no action.
			case EncryptionUnknown:
				t.log.Warn("unknown encryption type")
			}
		}

		if tagName == "#EXTINF" {
			break
		}
	}

	if !isExtM3U {
		return ErrNotExtM3U
	}

	if createDummyAudioRep {
		period.AddAdaptationSet(t.makeDummyAudioSet(period))
	}

	// Merge the rendition groups into the period, in stable group order.
	groupIDs := make([]string, 0, len(extGroups))
	for id := range extGroups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)
	for _, id := range groupIDs {
		for _, adpSet := range extGroups[id].adpSets {
			period.AddAdaptationSet(adpSet)
		}
	}

	// Live until the media playlist says otherwise.
	t.isLive = true
	t.refreshPlaylist = true

	t.periods = append(t.periods, period)
	return nil
}

// makeDummyAudioSet builds the included audio representation standing in
// for audio muxed into the video stream.
func (t *Tree) makeDummyAudioSet(period *Period) *AdaptationSet {
	adpSet := NewAdaptationSet(StreamTypeAudio)
	adpSet.ContainerType = ContainerMP4

	rep := NewRepresentation()

	// Infer the codec from the first video representation.
	codec := "aac"
	if len(period.AdaptationSets) > 0 {
		if first := period.AdaptationSets[0].RepresentationAt(0); first != nil {
			codec = audioCodecFromRepresentation(first)
		}
	}
	rep.AddCodecs(codec)
	rep.AudioChannels = 2
	rep.IsIncludedStream = true

	t.applyBufferSettings(rep)

	adpSet.AddRepresentation(rep)
	return adpSet
}

// applyBufferSettings copies the host buffering hints onto a representation.
func (t *Tree) applyBufferSettings(rep *Representation) {
	rep.AssuredBufferDuration = t.settings.AssuredBufferDuration
	rep.MaxBufferDuration = t.settings.MaxBufferDuration
}

// findRepresentationByURL returns the representation with the given source
// URL, keeping variant lists free of duplicates.
func findRepresentationByURL(adpSet *AdaptationSet, sourceURL string) *Representation {
	for _, rep := range adpSet.Representations {
		if rep.SourceURL == sourceURL {
			return rep
		}
	}
	return nil
}

// parseUint32 parses an unsigned integer attribute with a fallback.
func parseUint32(val string, fallback uint32) uint32 {
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}
