// Package progress reports byte-level download progress across the parts
// of one download.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Reporter receives progress events from concurrent part downloads. All
// methods are safe for concurrent use.
type Reporter interface {
	// Report adds delta received bytes.
	Report(delta int64)
	// Retract removes n bytes previously reported, when a part restarts
	// from zero.
	Retract(n int64)
	// SetPart records that the zero-based part i has started.
	SetPart(i int)
	// Finish renders the final state. Later calls do nothing.
	Finish()
}

// State is a snapshot of a download's progress. Total is -1 when unknown.
type State struct {
	Total    int64
	Received int64
	Part     int // parts started so far
	Parts    int
}

// Percent is the completed fraction in [0,1], or -1 when Total is unknown.
func (s State) Percent() float64 {
	if s.Total <= 0 {
		return -1
	}
	p := float64(s.Received) / float64(s.Total)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

func (s *State) apply(delta int64) {
	s.Received += delta
	if s.Received < 0 {
		s.Received = 0
	}
}

func (s *State) startPart(i int) {
	if i+1 > s.Part {
		s.Part = i + 1
	}
	if s.Parts > 0 && s.Part > s.Parts {
		s.Part = s.Parts
	}
}

// Discard ignores every event.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(int64)  {}
func (discard) Retract(int64) {}
func (discard) SetPart(int)   {}
func (discard) Finish()       {}

const mib = 1024 * 1024

// label is the text before the bar: " 45.2% ( 12.3/ 27.1MB)".
func label(s State) string {
	received := float64(s.Received) / mib
	if p := s.Percent(); p >= 0 {
		return fmt.Sprintf("%5.1f%% (%5.1f/%5.1fMB)", p*100, received, float64(s.Total)/mib)
	}
	return fmt.Sprintf("    ?%% (%5.1fMB)", received)
}

// suffix is the text after the bar: " 3/8  1.2 MB/s".
func suffix(s State, elapsed time.Duration) string {
	out := fmt.Sprintf(" %d/%d", s.Part, s.Parts)
	if elapsed > 0 && s.Received > 0 {
		rate := float64(s.Received) / elapsed.Seconds()
		out += "  " + humanize.Bytes(uint64(rate)) + "/s"
	}
	return out
}

// plainBar draws "[=====>    ]" or "[????      ]" when the total is unknown.
func plainBar(s State, width int) string {
	var b strings.Builder
	b.WriteByte('[')
	p := s.Percent()
	if p < 0 {
		q := min(4, width)
		b.WriteString(strings.Repeat("?", q))
		b.WriteString(strings.Repeat(" ", width-q))
	} else {
		filled := int(p * float64(width))
		if filled > 0 && filled < width {
			b.WriteString(strings.Repeat("=", filled-1))
			b.WriteByte('>')
		} else {
			b.WriteString(strings.Repeat("=", filled))
		}
		b.WriteString(strings.Repeat(" ", width-filled))
	}
	b.WriteByte(']')
	return b.String()
}
