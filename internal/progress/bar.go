package progress

import (
	"io"
	"strings"
	"sync"
	"time"

	bubbles "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

const (
	defaultWidth    = 25
	defaultInterval = 100 * time.Millisecond
)

// Bar renders a single progress line, rewritten in place with '\r'.
type Bar struct {
	mu       sync.Mutex
	out      io.Writer
	state    State
	start    time.Time
	last     time.Time
	lastLen  int
	interval time.Duration
	width    int
	finished bool
	now      func() time.Time

	styled bool
	bar    bubbles.Model
	label  lipgloss.Style
}

// Option configures a Bar.
type Option func(*Bar)

// WithStyle draws the bar with bubbles glyphs and colours the label.
func WithStyle() Option {
	return func(b *Bar) { b.styled = true }
}

// WithWidth sets the bar width in cells.
func WithWidth(n int) Option {
	return func(b *Bar) {
		if n > 0 {
			b.width = n
		}
	}
}

// WithInterval sets the minimum time between renders.
func WithInterval(d time.Duration) Option {
	return func(b *Bar) { b.interval = d }
}

// NewBar returns a bar for a download of total bytes (-1 or 0 when unknown)
// split into parts.
func NewBar(w io.Writer, total int64, parts int, opts ...Option) *Bar {
	if total == 0 {
		total = -1
	}
	b := &Bar{
		out:      w,
		state:    State{Total: total, Parts: parts},
		interval: defaultInterval,
		width:    defaultWidth,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	if b.styled {
		b.bar = bubbles.New(bubbles.WithWidth(b.width), bubbles.WithoutPercentage(), bubbles.WithDefaultGradient())
		b.label = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	}
	return b
}

func (b *Bar) Report(delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.apply(delta)
	b.maybeRender()
}

func (b *Bar) Retract(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.apply(-n)
	b.maybeRender()
}

func (b *Bar) SetPart(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.startPart(i)
	b.maybeRender()
}

func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.render()
	_, _ = io.WriteString(b.out, "\n")
	b.finished = true
}

// State returns a snapshot.
func (b *Bar) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bar) maybeRender() {
	if b.finished {
		return
	}
	if now := b.now(); b.last.IsZero() || now.Sub(b.last) >= b.interval {
		b.render()
	}
}

func (b *Bar) render() {
	now := b.now()
	b.last = now
	line := b.line(now.Sub(b.start))
	// erase leftovers of a longer previous line
	pad := ""
	if n := len(line); n < b.lastLen {
		pad = strings.Repeat(" ", b.lastLen-n)
	}
	b.lastLen = len(line)
	_, _ = io.WriteString(b.out, "\r"+line+pad)
}

func (b *Bar) line(elapsed time.Duration) string {
	if !b.styled {
		return label(b.state) + " " + plainBar(b.state, b.width) + suffix(b.state, elapsed)
	}
	p := b.state.Percent()
	if p < 0 {
		p = 0
	}
	return b.label.Render(label(b.state)) + " " + b.bar.ViewAs(p) + suffix(b.state, elapsed)
}
