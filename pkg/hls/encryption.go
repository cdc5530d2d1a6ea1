package hls

import (
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// widevineSystemID is the DASH-IF system identifier Widevine key tags carry
// in their KEYFORMAT attribute.
var widevineSystemID = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")

var keyformatWidevine = "urn:uuid:" + widevineSystemID.String()

const (
	keyformatFairplay = "com.apple.streamingkeydelivery"

	// dataURIPrefixLen is the length of "data:text/plain;base64," on
	// Widevine key URIs; the remainder is the base64 PSSH box.
	dataURIPrefixLen = 23
)

// processEncryption classifies a key tag's attribute list and captures the
// key material (PSSH payload, default KID, IV, crypto mode) into the tree's
// scratch state for the segments that follow.
func (t *Tree) processEncryption(baseURL string, attrs map[string]string) EncryptionType {
	method := attrs["METHOD"]

	if method == "NONE" {
		t.currentPSSH = ""
		return EncryptionClear
	}

	if method == "AES-128" && attrs["URI"] != "" {
		t.currentPSSH = attrs["URI"]
		if !isURLAbsolute(t.currentPSSH) {
			t.currentPSSH = joinURL(baseURL, t.currentPSSH)
		}
		if t.decrypter != nil {
			t.currentIV = t.decrypter.ConvertIV(attrs["IV"])
		} else {
			t.currentIV = nil
		}
		return EncryptionAES128
	}

	if strings.EqualFold(attrs["KEYFORMAT"], keyformatWidevine) && attrs["URI"] != "" {
		if keyID := attrs["KEYID"]; len(keyID) > 2 {
			// KEYID is hex with a 0x prefix.
			kid, err := hex.DecodeString(keyID[2:])
			if err == nil && len(kid) == 16 {
				t.currentDefaultKID = kid
			}
		}

		uri := attrs["URI"]
		if len(uri) > dataURIPrefixLen {
			t.currentPSSH = uri[dataURIPrefixLen:]
		} else {
			t.currentPSSH = uri
		}

		// No KEYID: try to pull the KID out of the PSSH box itself,
		// assuming len+'pssh'+version(0)+systemid+kidlen+kid layout.
		if len(t.currentDefaultKID) == 0 {
			if dec, err := base64.StdEncoding.DecodeString(t.currentPSSH); err == nil && len(dec) == 50 {
				t.currentDefaultKID = dec[34:50]
			}
		}

		if len(t.currentDefaultKID) > 0 {
			t.log.Debug("widevine key", slog.String("default_kid", kidString(t.currentDefaultKID)))
		}

		switch method {
		case "SAMPLE-AES-CTR":
			t.cryptoMode = CryptoModeAESCTR
		case "SAMPLE-AES":
			t.cryptoMode = CryptoModeAESCBC
		}
		return EncryptionWidevine
	}

	if strings.EqualFold(attrs["KEYFORMAT"], keyformatFairplay) {
		t.log.Debug("keyformat not supported", slog.String("keyformat", attrs["KEYFORMAT"]))
		return EncryptionNotSupported
	}

	return EncryptionUnknown
}

// insertCurrentPSSHSet interns the captured key material into a period's
// key table and returns the slot index.
func (t *Tree) insertCurrentPSSHSet(period *Period, streamType StreamType) uint16 {
	set := PSSHSet{
		PSSH:       t.currentPSSH,
		DefaultKID: append([]byte(nil), t.currentDefaultKID...),
		IV:         append([]byte(nil), t.currentIV...),
		CryptoMode: t.cryptoMode,
		StreamType: streamType,
	}
	if len(set.DefaultKID) > 0 {
		set.KIDState = KeyResolved
	}
	return period.InsertPSSHSet(&set)
}

// kidString renders a 16-byte KID as a UUID for logging.
func kidString(kid []byte) string {
	if u, err := uuid.FromBytes(kid); err == nil {
		return u.String()
	}
	return hex.EncodeToString(kid)
}
