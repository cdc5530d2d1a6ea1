package hls

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// OnDataArrived feeds one downloaded chunk of segment data through the
// decryption path into dst. Clear chunks pass through untouched. For
// AES-128 chunks the key slot's KID is resolved lazily, which may block on
// a key fetch; an unresolvable key emits a zero-filled chunk instead of
// failing playback. The iv buffer carries cipher chaining state across
// chunks of one segment and must be 16 bytes.
func (t *Tree) OnDataArrived(ctx context.Context, segNum uint64, psshSetPos uint16, iv []byte, src []byte, dst *bytes.Buffer, isLastChunk bool) error {
	period := t.CurrentPeriod()

	if psshSetPos == PSSHSetPosDefault || period == nil ||
		period.EncryptionState == EncryptionStateEncryptedSupported {
		dst.Write(src)
		return nil
	}

	t.mu.Lock()

	pssh := period.PSSHSetAt(psshSetPos)
	if pssh == nil {
		t.mu.Unlock()
		t.log.Error("cannot get PSSHSet at position", slog.Int("position", int(psshSetPos)))
		return fmt.Errorf("no PSSH set at position %d", psshSetPos)
	}

	if pssh.KIDState != KeyResolved {
		t.resolveKeyLocked(ctx, period, pssh)
	}

	if pssh.KIDState == KeyUnavailable {
		t.mu.Unlock()
		dst.Write(make([]byte, len(src)))
		return nil
	}

	if dst.Len() == 0 {
		// First chunk of the segment: establish the IV.
		if len(pssh.IV) == 0 {
			copy(iv, t.decrypter.IVFromSequence(segNum))
		} else {
			for i := range iv {
				iv[i] = 0
			}
			copy(iv, pssh.IV)
		}
	}

	key := append([]byte(nil), pssh.DefaultKID...)
	t.mu.Unlock()

	// Decryption runs outside the tree lock.
	plaintext, err := t.decrypter.Decrypt(key, iv, src, isLastChunk)
	if err != nil {
		return fmt.Errorf("decrypting segment %d: %w", segNum, err)
	}
	dst.Write(plaintext)

	// Carry the cipher chain into the next chunk.
	if len(src) >= 16 {
		copy(iv, src[len(src)-16:])
	}
	return nil
}

// resolveKeyLocked resolves a key slot's default KID: first from a sibling
// slot sharing the same key URL, then by fetching the key, with a single
// license renewal retry on failure. Callers hold the tree-update mutex.
func (t *Tree) resolveKeyLocked(ctx context.Context, period *Period, pssh *PSSHSet) {
	// Look if the same URL was already resolved on another slot.
	for i := range period.psshSets {
		other := &period.psshSets[i]
		if other != pssh && other.PSSH == pssh.PSSH && other.KIDState == KeyResolved {
			pssh.DefaultKID = other.DefaultKID
			pssh.KIDState = KeyResolved
			return
		}
	}

	keyParts := strings.Split(t.decrypter.LicenseKey(), "|")

	if t.fetchKey(ctx, pssh, keyParts) {
		return
	}

	// One renewal attempt before giving up.
	if len(keyParts) >= 5 && keyParts[4] != "" && t.decrypter.RenewLicense(keyParts[4]) {
		if t.fetchKey(ctx, pssh, keyParts) {
			return
		}
	}

	pssh.KIDState = KeyUnavailable
	t.log.Warn("key fetch failed, segment data will be zero-filled",
		slog.String("url", pssh.PSSH))
}

// fetchKey downloads the slot's key material and stores it as the KID.
func (t *Tree) fetchKey(ctx context.Context, pssh *PSSHSet, keyParts []string) bool {
	keyURL := pssh.PSSH
	if len(keyParts) > 0 && keyParts[0] != "" {
		keyURL = appendParameters(keyURL, keyParts[0])
	}
	var headers map[string]string
	if len(keyParts) > 1 && keyParts[1] != "" {
		headers = parseHeaderString(keyParts[1])
	}

	body, _, err := t.client.Download(ctx, keyURL, headers)
	if err != nil {
		return false
	}
	pssh.DefaultKID = body
	pssh.KIDState = KeyResolved
	return true
}

// appendParameters attaches a query parameter string to a URL.
func appendParameters(rawURL, params string) string {
	params = strings.TrimPrefix(params, "?")
	params = strings.TrimPrefix(params, "&")
	if params == "" {
		return rawURL
	}
	if strings.ContainsRune(rawURL, '?') {
		return rawURL + "&" + params
	}
	return rawURL + "?" + params
}

// parseHeaderString parses a "Name=Value&Name2=Value2" header descriptor.
func parseHeaderString(headerStr string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, "&") {
		if idx := strings.IndexByte(pair, '='); idx > 0 {
			headers[pair[:idx]] = pair[idx+1:]
		}
	}
	return headers
}
