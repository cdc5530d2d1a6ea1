package hls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const videoURL = "http://example.com/video.m3u8"

const simpleMaster = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000,CODECS="avc1.4d400d"
video.m3u8
`

const simpleVODChild = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg0.ts
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`

// openAndPrepare opens the master and prepares the first video
// representation from the given child playlist.
func openAndPrepare(t *testing.T, child string) (*Tree, *fakeDownloader, PrepareResult) {
	t.Helper()
	dl := newFakeDownloader()
	dl.set(masterURL, simpleMaster)
	dl.set(videoURL, child)
	tree := newTestTree(t, dl, nil)
	require.NoError(t, tree.Open(context.Background(), masterURL, nil))

	period, adp, rep := firstRep(tree)
	result := tree.PrepareRepresentation(context.Background(), period, adp, rep, false)
	return tree, dl, result
}

func TestPrepareSimpleVOD(t *testing.T) {
	tree, _, result := openAndPrepare(t, simpleVODChild)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)

	require.Len(t, rep.Timeline, 2)
	assert.Equal(t, "http://example.com/seg0.ts", rep.Timeline[0].URL)
	assert.Equal(t, "http://example.com/seg1.ts", rep.Timeline[1].URL)

	// PTS advances monotonically by EXTINF durations in timescale ticks.
	assert.Equal(t, uint64(0), rep.Timeline[0].StartPTS)
	assert.Equal(t, uint64(6*DefaultTimescale), rep.Timeline[1].StartPTS)
	assert.Equal(t, uint64(6*DefaultTimescale), rep.Timeline[0].Duration)

	assert.False(t, tree.IsLive())
	assert.Equal(t, uint64(12), tree.TotalDurationSecs())
	assert.True(t, rep.IsDownloaded)
	assert.Equal(t, ContainerTS, rep.ContainerType)
	assert.True(t, rep.HasSegmentsURL)
}

func TestPrepareRequiresExtM3U(t *testing.T) {
	_, _, result := openAndPrepare(t, "#EXTINF:6.0,\nseg0.ts\n#EXT-X-ENDLIST\n")
	assert.Equal(t, PrepareFailure, result)
}

func TestPrepareFailsWithoutSegments(t *testing.T) {
	tree, _, result := openAndPrepare(t, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-ENDLIST\n")
	assert.Equal(t, PrepareFailure, result)

	// Nothing was committed.
	_, _, rep := firstRep(tree)
	assert.Empty(t, rep.Timeline)
}

func TestPrepareEmptySourceURLFails(t *testing.T) {
	dl := newFakeDownloader()
	dl.set(masterURL, simpleMaster)
	tree := newTestTree(t, dl, nil)
	require.NoError(t, tree.Open(context.Background(), masterURL, nil))

	period := tree.Periods()[0]
	// The dummy audio representation is an included stream with no URL.
	audio := period.AdaptationSets[1]
	result := tree.PrepareRepresentation(context.Background(), period, audio, audio.Representations[0], false)
	assert.Equal(t, PrepareFailure, result)
}

func TestPrepareMediaSequenceSetsStartNumber(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:42
#EXTINF:6.0,
seg42.ts
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)
	assert.Equal(t, uint64(42), rep.StartNumber)
}

func TestPrepareDiscontinuitySplitsPeriods(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6,
A.ts
#EXT-X-DISCONTINUITY
#EXTINF:6,
B.ts
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	periods := tree.Periods()
	require.Len(t, periods, 2)

	repA := periods[0].AdaptationSets[0].Representations[0]
	repB := periods[1].AdaptationSets[0].Representations[0]

	require.Len(t, repA.Timeline, 1)
	require.Len(t, repB.Timeline, 1)
	assert.Equal(t, "http://example.com/A.ts", repA.Timeline[0].URL)
	assert.Equal(t, "http://example.com/B.ts", repB.Timeline[0].URL)

	// PTS restarts at zero in the new period.
	assert.Equal(t, uint64(0), repB.Timeline[0].StartPTS)

	// Sequence follows the discontinuity count.
	assert.Equal(t, uint32(0), periods[0].Sequence)
	assert.Equal(t, uint32(1), periods[1].Sequence)

	// Start numbers chain across periods.
	assert.Equal(t, repA.StartNumber+uint64(len(repA.Timeline)), repB.StartNumber)

	// Both periods contribute to the total duration.
	assert.Equal(t, uint64(12), tree.TotalDurationSecs())
}

func TestPrepareByteRangeSegments(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
#EXT-X-BYTERANGE:1000@0
media.ts
#EXTINF:6.0,
#EXT-X-BYTERANGE:500
media.ts
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)
	require.Len(t, rep.Timeline, 2)

	// Segments address ranges of the representation-level URL.
	assert.Equal(t, "http://example.com/media.ts", rep.URL)
	assert.False(t, rep.HasSegmentsURL)

	assert.Equal(t, uint64(0), rep.Timeline[0].RangeBegin)
	assert.Equal(t, uint64(999), rep.Timeline[0].RangeEnd)

	// Missing offset continues from the previous segment.
	assert.Equal(t, uint64(1000), rep.Timeline[1].RangeBegin)
	assert.Equal(t, uint64(1499), rep.Timeline[1].RangeEnd)
}

func TestPrepareMapInitializationSegment(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4",BYTERANGE="600@0"
#EXTINF:6.0,
seg0.m4s?token=a
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)
	require.True(t, rep.HasInitialization)
	assert.Equal(t, ContainerMP4, rep.ContainerType)
	assert.Equal(t, "http://example.com/init.mp4", rep.Initialization.URL)
	assert.Equal(t, uint64(0), rep.Initialization.RangeBegin)
	assert.Equal(t, uint64(599), rep.Initialization.RangeEnd)
	assert.Equal(t, uint64(NoPTSValue), rep.Initialization.StartPTS)
}

func TestPrepareContainerFallbackByStreamType(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
segment-without-extension
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)
	assert.Equal(t, ContainerTS, rep.ContainerType)
}

func TestPrepareAESKeyRotation(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
seg0.ts
#EXT-X-KEY:METHOD=AES-128,URI="key2.bin",IV=0x00000000000000000000000000000002
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	period, _, rep := firstRep(tree)

	require.Len(t, period.PSSHSets(), 3)
	assert.Equal(t, "http://example.com/key1.bin", period.PSSHSets()[1].PSSH)
	assert.Equal(t, "http://example.com/key2.bin", period.PSSHSets()[2].PSSH)
	assert.Equal(t, uint32(1), period.PSSHSets()[1].UsageCount)
	assert.Equal(t, uint32(1), period.PSSHSets()[2].UsageCount)

	require.Len(t, rep.Timeline, 2)
	assert.Equal(t, uint16(1), rep.Timeline[0].PSSHSetPos)
	assert.Equal(t, uint16(2), rep.Timeline[1].PSSHSetPos)
}

func TestPrepareSharedAESKeyReusesSlot(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="key1.bin",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
seg0.ts
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`)
	require.Equal(t, PrepareOK, result)

	period, _, rep := firstRep(tree)
	require.Len(t, period.PSSHSets(), 2)
	assert.Equal(t, uint32(2), period.PSSHSets()[1].UsageCount)
	assert.Equal(t, uint16(1), rep.Timeline[0].PSSHSetPos)
	assert.Equal(t, uint16(1), rep.Timeline[1].PSSHSetPos)
}

func TestPrepareClearUsageCountsSegments(t *testing.T) {
	tree, _, result := openAndPrepare(t, simpleVODChild)
	require.Equal(t, PrepareOK, result)

	period, _, _ := firstRep(tree)
	// Both clear segments reference the reserved slot.
	assert.Equal(t, uint32(2), period.PSSHSets()[0].UsageCount)
}

func TestPrepareUnsupportedKeyFailsAndMarksEncrypted(t *testing.T) {
	tree, _, result := openAndPrepare(t, `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://key",KEYFORMAT="com.apple.streamingkeydelivery"
#EXTINF:6.0,
seg0.ts
#EXT-X-ENDLIST
`)
	assert.Equal(t, PrepareFailure, result)

	period, _, _ := firstRep(tree)
	assert.Equal(t, EncryptionStateEncrypted, period.EncryptionState)
}

func TestPrepareWidevineDRMChangeDetection(t *testing.T) {
	childK1 := widevineChild("11223344556677889900aabbccddeeff")
	childK2 := widevineChild("ffeeddccbbaa00998877665544332211")

	dl := newFakeDownloader()
	dl.set(masterURL, simpleMaster)
	dl.set(videoURL, childK1)
	tree := newTestTree(t, dl, nil)
	require.NoError(t, tree.Open(context.Background(), masterURL, nil))

	period, adp, rep := firstRep(tree)

	// Initial parse interns a fresh key.
	result := tree.PrepareRepresentation(context.Background(), period, adp, rep, false)
	assert.Equal(t, PrepareDRMChanged, result)
	assert.Equal(t, EncryptionStateEncryptedSupported, period.EncryptionState)
	assert.Equal(t, uint16(1), rep.PSSHSetPos)
	assert.Equal(t, CryptoModeAESCTR, period.PSSHSets()[1].CryptoMode)

	// Same key on refresh.
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	assert.Equal(t, PrepareDRMUnchanged, result)

	// Rotated key on refresh.
	dl.set(videoURL, childK2)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	assert.Equal(t, PrepareDRMChanged, result)
}

func widevineChild(keyID string) string {
	return "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		`#EXT-X-KEY:METHOD=SAMPLE-AES-CTR,URI="data:text/plain;base64,AAAAAnBzc2g=",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYID=0x` + keyID + "\n" +
		"#EXTINF:6.0,\nseg0.mp4\n"
}

func TestPrepareIdempotentReparse(t *testing.T) {
	tree, _, result := openAndPrepare(t, simpleVODChild)
	require.Equal(t, PrepareOK, result)

	_, _, rep := firstRep(tree)
	first := append([]Segment(nil), rep.Timeline...)

	// VOD playlists are marked downloaded, so force a real re-parse the
	// way a live update would run it.
	rep.IsDownloaded = false
	period, adp, _ := firstRep(tree)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	require.Equal(t, PrepareOK, result)

	assert.Equal(t, first, rep.Timeline)
	assert.Equal(t, uint32(2), period.PSSHSets()[0].UsageCount)
}

func TestPrepareDownloadedRepresentationSkipsDownload(t *testing.T) {
	tree, dl, result := openAndPrepare(t, simpleVODChild)
	require.Equal(t, PrepareOK, result)
	require.Equal(t, 1, dl.callCount(videoURL))

	period, adp, rep := firstRep(tree)
	require.True(t, rep.IsDownloaded)

	// Re-parsing after EXT-X-ENDLIST is a no-op.
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	assert.Equal(t, PrepareOK, result)
	assert.Equal(t, 1, dl.callCount(videoURL))
	assert.Len(t, rep.Timeline, 2)
}

func TestPrepareLiveCursorPreservation(t *testing.T) {
	childV1 := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
#EXTINF:6.0,
seg12.ts
#EXTINF:6.0,
seg13.ts
#EXTINF:6.0,
seg14.ts
`
	childV2 := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:12
#EXTINF:6.0,
seg12.ts
#EXTINF:6.0,
seg13.ts
#EXTINF:6.0,
seg14.ts
#EXTINF:6.0,
seg15.ts
#EXTINF:6.0,
seg16.ts
`

	tree, dl, result := openAndPrepare(t, childV1)
	require.Equal(t, PrepareOK, result)

	period, adp, rep := firstRep(tree)
	require.Equal(t, uint64(10), rep.StartNumber)
	require.Len(t, rep.Timeline, 5)
	assert.True(t, tree.IsLive())

	// Playback sits on segment 12.
	rep.SetCurrentSegmentIndex(2)
	require.Equal(t, uint64(12), rep.CurrentSegmentNumber())

	dl.set(videoURL, childV2)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	require.Equal(t, PrepareOK, result)

	// The cursor followed segment 12 to index 0 of the new timeline.
	assert.Equal(t, uint64(12), rep.CurrentSegmentNumber())
	assert.Same(t, rep.SegmentAt(0), rep.CurrentSegment())
}

func TestPrepareCursorClampedToLastSegment(t *testing.T) {
	childV1 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
#EXTINF:6.0,
seg12.ts
`
	childV2 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:5
#EXTINF:6.0,
seg5.ts
#EXTINF:6.0,
seg6.ts
`

	tree, dl, result := openAndPrepare(t, childV1)
	require.Equal(t, PrepareOK, result)

	period, adp, rep := firstRep(tree)
	rep.SetCurrentSegmentIndex(2) // segment 12

	dl.set(videoURL, childV2)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	require.Equal(t, PrepareOK, result)

	// Segment 12 is beyond the new window, clamp to the last segment.
	assert.Equal(t, uint64(6), rep.CurrentSegmentNumber())
}

func TestPrepareCursorClearedWhenBeforeWindow(t *testing.T) {
	childV1 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
`
	childV2 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:20
#EXTINF:6.0,
seg20.ts
#EXTINF:6.0,
seg21.ts
`

	tree, dl, result := openAndPrepare(t, childV1)
	require.Equal(t, PrepareOK, result)

	period, adp, rep := firstRep(tree)
	rep.SetCurrentSegmentIndex(0) // segment 10

	dl.set(videoURL, childV2)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	require.Equal(t, PrepareOK, result)

	assert.Equal(t, uint64(SegmentNoNumber), rep.CurrentSegmentNumber())
	assert.Nil(t, rep.CurrentSegment())
}

func TestPrepareUpdateClearsWaitFlag(t *testing.T) {
	childV1 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
`
	childV2 := `#EXTM3U
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:6.0,
seg10.ts
#EXTINF:6.0,
seg11.ts
`

	tree, dl, result := openAndPrepare(t, childV1)
	require.Equal(t, PrepareOK, result)

	period, adp, rep := firstRep(tree)
	rep.SetCurrentSegmentIndex(0)
	rep.IsWaitingForSegment = true

	dl.set(videoURL, childV2)
	result = tree.PrepareRepresentation(context.Background(), period, adp, rep, true)
	require.Equal(t, PrepareOK, result)

	// A next segment exists now.
	assert.False(t, rep.IsWaitingForSegment)
}

func TestPrepareDiscontinuitySequenceEvictsOldPeriods(t *testing.T) {
	childV1 := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6,
A.ts
#EXT-X-DISCONTINUITY
#EXTINF:6,
B.ts
`
	// The live window moved past the first discontinuity.
	childV2 := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-DISCONTINUITY-SEQUENCE:1
#EXT-X-MEDIA-SEQUENCE:1
#EXTINF:6,
B.ts
#EXTINF:6,
C.ts
`

	tree, dl, result := openAndPrepare(t, childV1)
	require.Equal(t, PrepareOK, result)
	require.Len(t, tree.Periods(), 2)

	// Playback moved on to the second period.
	secondPeriod := tree.Periods()[1]
	tree.SetCurrentPeriod(secondPeriod)

	period, adp, rep := firstRep(tree)
	_ = period
	dl.set(videoURL, childV2)
	result = tree.PrepareRepresentation(context.Background(), tree.Periods()[0], adp, rep, true)
	require.NotEqual(t, PrepareFailure, result)

	// The stale first period is gone; the current one survived.
	for _, p := range tree.Periods() {
		assert.GreaterOrEqual(t, p.Sequence, uint32(1))
	}
	assert.Contains(t, tree.Periods(), secondPeriod)
}
