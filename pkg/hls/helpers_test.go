package hls

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeDownloader serves canned bodies by URL and records every request.
type fakeDownloader struct {
	mu        sync.Mutex
	responses map[string]string
	effective map[string]string
	failures  map[string]bool
	calls     []string
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		responses: make(map[string]string),
		effective: make(map[string]string),
		failures:  make(map[string]bool),
	}
}

func (f *fakeDownloader) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = body
}

func (f *fakeDownloader) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = true
}

func (f *fakeDownloader) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if c == url {
			count++
		}
	}
	return count
}

func (f *fakeDownloader) Download(_ context.Context, url string, _ map[string]string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)

	if f.failures[url] {
		return nil, "", fmt.Errorf("download failed for %s", url)
	}
	body, ok := f.responses[url]
	if !ok {
		return nil, "", fmt.Errorf("no response configured for %s", url)
	}
	effectiveURL := url
	if eff, ok := f.effective[url]; ok {
		effectiveURL = eff
	}
	return []byte(body), effectiveURL, nil
}

// fakeDecrypter implements Decrypter without real cryptography; Decrypt
// marks the output so tests can tell it ran.
type fakeDecrypter struct {
	mu         sync.Mutex
	licenseKey string
	renewCalls []string
	renewOK    bool
}

func (d *fakeDecrypter) Decrypt(key, iv, src []byte, isLastChunk bool) ([]byte, error) {
	out := make([]byte, len(src))
	for i, b := range src {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}

func (d *fakeDecrypter) IVFromSequence(seq uint64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

func (d *fakeDecrypter) ConvertIV(hexValue string) []byte {
	hexValue = strings.TrimPrefix(hexValue, "0x")
	if hexValue == "" {
		return nil
	}
	iv, err := hex.DecodeString(hexValue)
	if err != nil {
		return nil
	}
	return iv
}

func (d *fakeDecrypter) LicenseKey() string {
	return d.licenseKey
}

func (d *fakeDecrypter) RenewLicense(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renewCalls = append(d.renewCalls, token)
	return d.renewOK
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTree builds a tree over the fake collaborators and tears down the
// refresh driver with the test.
func newTestTree(t *testing.T, client *fakeDownloader, decrypter *fakeDecrypter) *Tree {
	t.Helper()
	if decrypter == nil {
		decrypter = &fakeDecrypter{}
	}
	tree := NewTree(Options{
		Client:    client,
		Decrypter: decrypter,
		Logger:    discardLogger(),
		Settings: Settings{
			AssuredBufferDuration: 16 * time.Second,
			MaxBufferDuration:     60 * time.Second,
		},
	})
	t.Cleanup(tree.Close)
	return tree
}

// firstRep returns the first representation of the first adaptation set of
// the first period.
func firstRep(tree *Tree) (*Period, *AdaptationSet, *Representation) {
	period := tree.Periods()[0]
	adp := period.AdaptationSets[0]
	return period, adp, adp.Representations[0]
}
