package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantName  string
		wantValue string
		wantIsTag bool
	}{
		{"tag with value", "#EXT-X-VERSION:3", "#EXT-X-VERSION", "3", true},
		{"tag without value", "#EXT-X-ENDLIST", "#EXT-X-ENDLIST", "", true},
		{"tag with colon value", "#EXT-X-KEY:METHOD=AES-128,URI=\"http://k\"", "#EXT-X-KEY", "METHOD=AES-128,URI=\"http://k\"", true},
		{"uri line", "segment0.ts", "", "", false},
		{"absolute uri line", "https://example.com/seg.ts", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name, value, isTag := parseTag(tc.line)
			assert.Equal(t, tc.wantIsTag, isTag)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantValue, value)
		})
	}
}

func TestParseAttributes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{
			name:  "bare and quoted values",
			input: `KEY1=val,KEY2="a,b",KEY3=c`,
			want:  map[string]string{"KEY1": "val", "KEY2": "a,b", "KEY3": "c"},
		},
		{
			name:  "quoted comma does not split",
			input: `CODECS="mp4a.40.2, avc1.4d400d",RESOLUTION=416x234`,
			want:  map[string]string{"CODECS": "mp4a.40.2, avc1.4d400d", "RESOLUTION": "416x234"},
		},
		{
			name:  "whitespace around keys trimmed",
			input: ` TYPE=AUDIO, GROUP-ID="audio"`,
			want:  map[string]string{"TYPE": "AUDIO", "GROUP-ID": "audio"},
		},
		{
			name:  "empty value",
			input: `URI=""`,
			want:  map[string]string{"URI": ""},
		},
		{
			name:  "malformed trailing input returns what parsed",
			input: `BANDWIDTH=1000,garbage`,
			want:  map[string]string{"BANDWIDTH": "1000"},
		},
		{
			name:  "empty input",
			input: ``,
			want:  map[string]string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseAttributes(tc.input))
		})
	}
}

func TestLexerSkipsBlankLines(t *testing.T) {
	lex := newLexer([]byte("#EXTM3U\n\n   \nsegment.ts\n"))

	line, ok := lex.next()
	require.True(t, ok)
	assert.Equal(t, "#EXTM3U", line)

	line, ok = lex.next()
	require.True(t, ok)
	assert.Equal(t, "segment.ts", line)

	_, ok = lex.next()
	assert.False(t, ok)
}

func TestLexerPeekDoesNotConsume(t *testing.T) {
	lex := newLexer([]byte("first\nsecond\n"))

	line, ok := lex.peek()
	require.True(t, ok)
	assert.Equal(t, "first", line)

	line, ok = lex.next()
	require.True(t, ok)
	assert.Equal(t, "first", line)

	lex.skip()
	_, ok = lex.next()
	assert.False(t, ok)
}
