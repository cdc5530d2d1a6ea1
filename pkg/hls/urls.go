package hls

import (
	"net/url"
	"strings"
)

// isURLAbsolute reports whether ref carries its own scheme.
func isURLAbsolute(ref string) bool {
	return strings.Contains(ref, "://")
}

// joinURL resolves ref against base. A ref that is already absolute is
// returned unchanged; unresolvable input falls back to plain concatenation.
func joinURL(base, ref string) string {
	if isURLAbsolute(ref) || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return base + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base + ref
	}
	return b.ResolveReference(r).String()
}

// removeParameters strips the query and fragment from a URL. The result is
// used as the base for relative resolution in child playlists.
func removeParameters(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return rawURL
}

// baseDirectory returns the URL up to and including the last path slash,
// suitable for resolving sibling references.
func baseDirectory(rawURL string) string {
	stripped := removeParameters(rawURL)
	if idx := strings.LastIndexByte(stripped, '/'); idx >= 0 {
		return stripped[:idx+1]
	}
	return stripped
}

// detectContainerFromURL inspects the extension of a media URL. Returns
// ContainerInvalid when the extension is missing or unknown.
func detectContainerFromURL(mediaURL string) ContainerType {
	path := removeParameters(mediaURL)
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		path = path[idx+1:]
	}
	ext := ""
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		ext = strings.ToLower(path[idx+1:])
	}
	switch ext {
	case "ts":
		return ContainerTS
	case "aac":
		return ContainerADTS
	case "mp4":
		return ContainerMP4
	case "vtt", "webvtt":
		return ContainerText
	}
	return ContainerInvalid
}
