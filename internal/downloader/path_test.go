package downloader

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/lvcoi/getmux/internal/mux"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Plain title":           "Plain title",
		"AC/DC | Live":          "AC-DC - Live",
		"what? <really>":        "what- -really-",
		"tab\there":             "tabhere",
		"...hidden":             "hidden",
		"  . spaced  ":          "spaced",
		"":                      "video",
		"///":                   "---",
		`C:\Users\me`:           "C--Users-me",
		"new\nline and \x7fdel": "newline and del",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitize(in), "sanitize(%q)", in)
	}
}

func TestSanitize_CapsLength(t *testing.T) {
	long := strings.Repeat("日本", 60)
	got := sanitize(long)
	assert.Equal(t, maxTitleRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestOutputExt(t *testing.T) {
	two := []string{"http://a/x/1.seg?sig=abc", "http://a/x/2.seg"}
	cases := []struct {
		name  string
		spec  DownloadSpec
		merge bool
		want  string
	}{
		{"flv", DownloadSpec{URLs: two, Container: mux.ContainerFLV}, true, "flv"},
		{"mp4", DownloadSpec{URLs: two, Container: mux.ContainerMP4}, true, "mp4"},
		{"ts merged", DownloadSpec{URLs: two, Container: mux.ContainerTS}, true, "mkv"},
		{"ts not merged", DownloadSpec{URLs: two, Container: mux.ContainerTS}, false, "ts"},
		{"ts single", DownloadSpec{URLs: two[:1], Container: mux.ContainerTS}, true, "ts"},
		{"other from url", DownloadSpec{URLs: two, Container: mux.ContainerOther}, true, "seg"},
		{"other without ext", DownloadSpec{URLs: []string{"http://a/stream"}, Container: mux.ContainerOther}, true, "bin"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, outputExt(tc.spec, tc.merge), tc.name)
	}
}

func TestPartPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "clip[00].flv"), partPath("out", "clip", 0, 2, "flv"))
	assert.Equal(t, filepath.Join("out", "clip[07].flv"), partPath("out", "clip", 7, 8, "flv"))
	assert.Equal(t, filepath.Join("out", "clip[042].ts"), partPath("out", "clip", 42, 150, "ts"))
}

func TestPlanParts(t *testing.T) {
	spec := DownloadSpec{URLs: []string{"http://a/1", "http://a/2"}, Container: mux.ContainerMP4}
	parts := planParts(spec, "out", "clip", filepath.Join("out", "clip.mp4"))
	if assert.Len(t, parts, 2) {
		assert.Equal(t, filepath.Join("out", "clip[01].mp4"), parts[1].Path)
		assert.Equal(t, parts[1].Path+".download", parts[1].TempPath)
		assert.Equal(t, int64(-1), parts[1].ExpectedSize)
		assert.Equal(t, PartPending, parts[1].Status)
		assert.Equal(t, "http://a/2", parts[1].URL)
	}

	single := planParts(DownloadSpec{URLs: spec.URLs[:1]}, "out", "clip", filepath.Join("out", "clip.bin"))
	assert.Equal(t, filepath.Join("out", "clip.bin"), single[0].Path)
}
