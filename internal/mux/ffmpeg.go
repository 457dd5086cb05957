package mux

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Encoder remuxes parts through an external program.
type Encoder interface {
	HasWorkingEncoder(ctx context.Context) bool
	ConcatToMKV(ctx context.Context, inputs []string, output string) error
}

var versionLine = regexp.MustCompile(`^(ffmpeg|avconv) version (\S+)`)

// FFmpeg runs ffmpeg, falling back to avconv. The probe result is cached
// once a probe has run to completion; a probe cut short by a cancelled
// context is retried by the next caller.
type FFmpeg struct {
	// Candidates overrides the probed program names.
	Candidates []string

	mu      sync.Mutex
	probed  bool
	program string
	version string
}

func (f *FFmpeg) probe(ctx context.Context) (program, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probed {
		return f.program, f.version
	}

	candidates := f.Candidates
	if len(candidates) == 0 {
		candidates = []string{"ffmpeg", "avconv"}
	}
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		out, err := exec.CommandContext(ctx, path, "-version").Output()
		if err != nil {
			if ctx.Err() != nil {
				return "", ""
			}
			continue
		}
		m := versionLine.FindStringSubmatch(strings.TrimSpace(string(out)))
		if m == nil {
			continue
		}
		f.program, f.version = path, m[2]
		break
	}
	if ctx.Err() != nil {
		return f.program, f.version
	}
	f.probed = true
	return f.program, f.version
}

// HasWorkingEncoder reports whether ffmpeg or avconv answered -version.
func (f *FFmpeg) HasWorkingEncoder(ctx context.Context) bool {
	program, _ := f.probe(ctx)
	return program != ""
}

// Version returns the probed program version, or "".
func (f *FFmpeg) Version(ctx context.Context) string {
	_, version := f.probe(ctx)
	return version
}

// ConcatToMKV joins MPEG-TS parts with the concat protocol and stream-copies
// them into a Matroska file. The child is killed when ctx is cancelled.
func (f *FFmpeg) ConcatToMKV(ctx context.Context, inputs []string, output string) error {
	program, _ := f.probe(ctx)
	if program == "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.Wrap(ErrMergeUnavailable, "no working ffmpeg or avconv")
	}
	tmp := output + ".merging.mkv"
	cmd := exec.CommandContext(ctx, program, concatArgs(inputs, tmp)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(tmp)
		if stderr := strings.TrimSpace(string(out)); stderr != "" {
			return errors.Wrapf(err, "%s: %s", program, lastLine(stderr))
		}
		return errors.Wrap(err, program)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "renaming merge output")
	}
	return nil
}

func concatArgs(inputs []string, output string) []string {
	return ffmpeg.Input("concat:"+strings.Join(inputs, "|")).
		Output(output, ffmpeg.KwArgs{"c": "copy", "f": "matroska"}).
		OverWriteOutput().
		GetArgs()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
