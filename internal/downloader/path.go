package downloader

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lvcoi/getmux/internal/mux"
)

const (
	maxTitleRunes = 80
	tempSuffix    = ".download"
)

var (
	invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\x7F]`)
	controlChars     = regexp.MustCompile(`[\x00-\x1F\x7F]`)
)

// sanitize turns a title into a file name that is valid on every platform.
func sanitize(name string) string {
	clean := controlChars.ReplaceAllString(name, "")
	clean = invalidNameChars.ReplaceAllString(clean, "-")
	clean = strings.TrimSpace(clean)
	clean = strings.TrimLeft(clean, ".")
	clean = strings.TrimSpace(clean)
	if utf8.RuneCountInString(clean) > maxTitleRunes {
		clean = strings.TrimSpace(string([]rune(clean)[:maxTitleRunes]))
	}
	if clean == "" {
		return "video"
	}
	return clean
}

// outputExt picks the extension of the final file.
func outputExt(spec DownloadSpec, merge bool) string {
	parts := len(spec.URLs)
	switch spec.Container {
	case mux.ContainerFLV, mux.ContainerMP4:
		return spec.Container.Ext()
	case mux.ContainerTS:
		if parts > 1 && merge {
			return spec.Container.MergedExt()
		}
		return spec.Container.Ext()
	}
	if parts > 0 {
		if ext := urlExt(spec.URLs[0]); ext != "" {
			return ext
		}
	}
	return "bin"
}

// urlExt returns the extension of the URL path without the dot.
func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" || len(ext) > 5 || invalidNameChars.MatchString(ext) {
		return ""
	}
	return strings.ToLower(ext)
}

// partPath names part i of n: <dir>/<title>[NN].<ext>.
func partPath(dir, title string, i, n int, ext string) string {
	width := len(fmt.Sprint(n - 1))
	if width < 2 {
		width = 2
	}
	return filepath.Join(dir, fmt.Sprintf("%s[%0*d].%s", title, width, i, ext))
}

// planParts lays out the part files of spec. A single part is written
// straight to output.
func planParts(spec DownloadSpec, dir, title, output string) []PartState {
	n := len(spec.URLs)
	ext := spec.Container.Ext()
	if spec.Container == mux.ContainerOther {
		ext = strings.TrimPrefix(filepath.Ext(output), ".")
	}
	parts := make([]PartState, n)
	for i, u := range spec.URLs {
		p := output
		if n > 1 {
			p = partPath(dir, title, i, n, ext)
		}
		parts[i] = PartState{
			Index:        i,
			URL:          u,
			ExpectedSize: -1,
			Path:         p,
			TempPath:     p + tempSuffix,
			Status:       PartPending,
		}
	}
	return parts
}
