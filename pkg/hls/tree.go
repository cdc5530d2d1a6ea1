package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// noUpdateInterval is the update interval before any EXT-X-TARGETDURATION
// has been seen; the refresh driver treats it as "do not tick".
const noUpdateInterval = time.Duration(math.MaxInt64)

// Common errors surfaced by parsing.
var (
	ErrNotExtM3U              = errors.New("non-compliant HLS manifest, #EXTM3U tag not found")
	ErrNoPeriods              = errors.New("no periods in the manifest")
	ErrEncryptionNotSupported = errors.New("encryption keyformat not supported")
)

// Downloader fetches manifests and keys. The effective URL reflects
// redirects; its parameter-stripped form becomes the base for relative URL
// resolution in child playlists.
type Downloader interface {
	Download(ctx context.Context, url string, headers map[string]string) (body []byte, effectiveURL string, err error)
}

// Decrypter supplies the AES primitives and license plumbing the tree needs
// for AES-128 streams. Decryption itself happens outside the tree lock.
type Decrypter interface {
	// Decrypt decrypts one chunk of a segment with the given key and IV.
	Decrypt(key, iv, src []byte, isLastChunk bool) ([]byte, error)
	// IVFromSequence derives a 16-byte IV from a segment sequence number.
	IVFromSequence(seq uint64) []byte
	// ConvertIV decodes a hex IV attribute value into bytes.
	ConvertIV(hexValue string) []byte
	// LicenseKey returns the license key descriptor configured by the host,
	// a '|'-separated list of url, headers and renewal token fields.
	LicenseKey() string
	// RenewLicense asks the host to renew the license; reports success.
	RenewLicense(token string) bool
}

// Settings carries host buffering hints copied onto every representation
// and the bounds applied to the live refresh driver.
type Settings struct {
	AssuredBufferDuration time.Duration
	MaxBufferDuration     time.Duration

	// RefreshMinInterval is the tightest live refresh cadence allowed.
	// Zero selects the package default.
	RefreshMinInterval time.Duration

	// RefreshMaxWait caps a single wait between refresh checks. Zero
	// selects the package default.
	RefreshMaxWait time.Duration
}

// Options configures a Tree.
type Options struct {
	// Client downloads manifests and keys. Required.
	Client Downloader

	// Decrypter supplies AES primitives. Required for encrypted streams.
	Decrypter Decrypter

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	Settings Settings
}

// Tree is the stateful model of one HLS presentation: an ordered list of
// periods built from the master playlist and maintained across live
// refreshes of the media playlists.
//
// A single tree-update mutex serializes mutations against consumer reads.
// Parsing mutates under the lock; downloads happen outside it, except the
// lazy key resolution in OnDataArrived.
type Tree struct {
	mu sync.Mutex

	id        string
	log       *slog.Logger
	client    Downloader
	decrypter Decrypter
	settings  Settings

	manifestURL string
	baseURL     string

	periods       []*Period
	currentPeriod *Period

	// isLive mirrors the timeshift buffer flag: true until the playlist
	// declares itself VOD or ends.
	isLive          bool
	refreshPlaylist bool

	updateInterval    time.Duration
	totalDurationSecs uint64

	discontSeq      uint32
	hasDiscontSeq   bool
	initialSequence *uint32

	lastUpdated time.Time

	// Scratch state owned by the encryption processor, valid between an
	// EXT-X-KEY tag and the segments that consume it.
	currentPSSH       string
	currentDefaultKID []byte
	currentIV         []byte
	cryptoMode        CryptoMode

	refresh *refreshDriver
}

// NewTree returns an unopened tree.
func NewTree(opts Options) *Tree {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := ulid.Make().String()
	return &Tree{
		id:             id,
		log:            logger.With(slog.String("component", "hls-tree"), slog.String("tree_id", id)),
		client:         opts.Client,
		decrypter:      opts.Decrypter,
		settings:       opts.Settings,
		updateInterval: noUpdateInterval,
	}
}

// ID returns the tree's instance identifier, used for log correlation.
func (t *Tree) ID() string { return t.id }

// ManifestURL returns the URL the tree was opened with.
func (t *Tree) ManifestURL() string { return t.manifestURL }

// BaseURL returns the parameter-stripped post-redirect manifest URL.
func (t *Tree) BaseURL() string { return t.baseURL }

// IsLive reports whether the presentation still has a growing live edge.
func (t *Tree) IsLive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLive
}

// TotalDurationSecs returns the summed period durations in seconds.
func (t *Tree) TotalDurationSecs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalDurationSecs
}

// UpdateInterval returns the live refresh interval.
func (t *Tree) UpdateInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateInterval
}

// LastUpdated returns the time of the last live refresh pass.
func (t *Tree) LastUpdated() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUpdated
}

// Periods returns the period list in discontinuity order.
func (t *Tree) Periods() []*Period {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.periods
}

// CurrentPeriod returns the period playback is positioned in.
func (t *Tree) CurrentPeriod() *Period {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentPeriod
}

// SetCurrentPeriod moves the playback period cursor.
func (t *Tree) SetCurrentPeriod(p *Period) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentPeriod = p
}

// PeriodBySequence returns the period with the given discontinuity
// sequence, or nil. Periods are addressed by sequence rather than position
// because eviction makes positions unstable.
func (t *Tree) PeriodBySequence(seq uint32) *Period {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.periodBySequenceLocked(seq)
}

func (t *Tree) periodBySequenceLocked(seq uint32) *Period {
	for _, p := range t.periods {
		if p.Sequence == seq {
			return p
		}
	}
	return nil
}

// Open downloads and parses the master playlist. Additional headers are
// passed through to the manifest request.
func (t *Tree) Open(ctx context.Context, manifestURL string, headers map[string]string) error {
	body, effectiveURL, err := t.client.Download(ctx, manifestURL, headers)
	if err != nil {
		return fmt.Errorf("downloading manifest: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.manifestURL = manifestURL
	t.baseURL = removeParameters(effectiveURL)

	if err := t.parseMasterPlaylist(body); err != nil {
		t.log.Error("failed to parse the manifest file", slog.String("url", manifestURL), slog.String("error", err.Error()))
		return err
	}

	if len(t.periods) == 0 {
		t.log.Warn("no periods in the manifest", slog.String("url", manifestURL))
		return ErrNoPeriods
	}

	t.currentPeriod = t.periods[0]
	return nil
}

// BuildDownloadURL resolves a manifest-relative reference against the
// tree's base URL.
func (t *Tree) BuildDownloadURL(ref string) string {
	if isURLAbsolute(ref) {
		return ref
	}
	return joinURL(baseDirectory(t.baseURL), ref)
}

// Close stops the refresh driver.
func (t *Tree) Close() {
	t.mu.Lock()
	driver := t.refresh
	t.refresh = nil
	t.mu.Unlock()
	if driver != nil {
		driver.stop()
	}
}

// positionOfAdaptationSet returns the positional index of adp in period.
func positionOfAdaptationSet(period *Period, adp *AdaptationSet) int {
	for i, a := range period.AdaptationSets {
		if a == adp {
			return i
		}
	}
	return -1
}

// positionOfRepresentation returns the positional index of rep in adp.
func positionOfRepresentation(adp *AdaptationSet, rep *Representation) int {
	for i, r := range adp.Representations {
		if r == rep {
			return i
		}
	}
	return -1
}
