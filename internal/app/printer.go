package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/lvcoi/getmux/internal/downloader"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

// Printer writes one line per finished download and a closing summary,
// or one JSON object per download in JSON mode.
type Printer struct {
	w          io.Writer
	quiet      bool
	json       bool
	color      bool
	columns    int
	titleWidth int
}

// NewPrinter returns a printer writing to w. Colour is used only when w is
// a terminal and the environment allows it.
func NewPrinter(w io.Writer, quiet, jsonMode bool) *Printer {
	columns := terminalColumns()
	if columns <= 0 {
		columns = 100
	}

	titleWidth := columns - 44
	if titleWidth < 20 {
		titleWidth = 20
	}
	if titleWidth > 60 {
		titleWidth = 60
	}

	return &Printer{
		w:          w,
		quiet:      quiet,
		json:       jsonMode,
		color:      supportsColor(w),
		columns:    columns,
		titleWidth: titleWidth,
	}
}

// Prefix renders "[ i/n] title" padded to the title column.
func (p *Printer) Prefix(index, total int, title string) string {
	if total <= 0 {
		total = 1
	}
	width := len(strconv.Itoa(total))
	idx := fmt.Sprintf("%*d/%d", width, index, total)
	return fmt.Sprintf("[%s] %-*s", idx, p.titleWidth, truncateText(title, p.titleWidth))
}

// Item reports one finished download.
func (p *Printer) Item(index, total int, res Result) {
	if p.json {
		p.emitJSON(res)
		return
	}
	if res.Err == nil && p.quiet {
		return
	}

	prefix := p.Prefix(index, total, res.Title)
	statusText, style := "OK", okStyle
	var detail string
	switch {
	case res.Err != nil:
		statusText, style = "FAIL", failStyle
		detail = res.Err.Error()
	case res.Download.Skipped:
		statusText, style = "SKIP", skipStyle
		detail = "already downloaded " + res.Download.OutputPath
	case res.Download.DryRun:
		detail = fmt.Sprintf("dry run, %d urls", len(res.URLs))
	case res.Download.Played:
		detail = "sent to player"
	case res.Download.OutputPath == "":
		detail = fmt.Sprintf("%s in %d parts", padLeft(humanize.Bytes(uint64(res.Download.Bytes)), 9), len(res.Download.Parts))
	default:
		detail = fmt.Sprintf("%s %s", padLeft(humanize.Bytes(uint64(res.Download.Bytes)), 9), res.Download.OutputPath)
	}

	maxDetail := p.columns - len(prefix) - len(statusText) - 3
	if maxDetail < 0 {
		maxDetail = 0
	}
	fmt.Fprintf(p.w, "%s %s %s\n", prefix, p.colorize(statusText, style), truncateText(detail, maxDetail))
}

// Summary reports the totals of a batch.
func (p *Printer) Summary(results []Result) {
	if p.quiet || p.json {
		return
	}
	var ok, failed, skipped int
	var bytes int64
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Download.Skipped:
			skipped++
		default:
			ok++
		}
		bytes += r.Download.Bytes
	}
	fmt.Fprintf(p.w, "Summary: %s %d | %s %d | %s %d | TOTAL %d | SIZE %s\n",
		p.colorize("OK", okStyle), ok,
		p.colorize("FAIL", failStyle), failed,
		p.colorize("SKIP", skipStyle), skipped,
		len(results), humanize.Bytes(uint64(bytes)))
}

type jsonResult struct {
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Session  string   `json:"session,omitempty"`
	Title    string   `json:"title,omitempty"`
	URLs     []string `json:"urls,omitempty"`
	Output   string   `json:"output,omitempty"`
	Bytes    int64    `json:"bytes,omitempty"`
	Parts    int      `json:"parts,omitempty"`
	Merged   bool     `json:"merged,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	Category string   `json:"category,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (p *Printer) emitJSON(res Result) {
	out := jsonResult{
		Type:    "download",
		Status:  "ok",
		Session: res.Download.SessionID,
		Title:   res.Title,
		URLs:    res.URLs,
		Output:  res.Download.OutputPath,
		Bytes:   res.Download.Bytes,
		Parts:   len(res.Download.Parts),
		Merged:  res.Download.Merged,
		Skipped: res.Download.Skipped,
	}
	switch {
	case res.Err != nil:
		out.Status = "error"
		out.Category = string(downloader.CategoryOf(res.Err))
		out.Error = res.Err.Error()
	case res.Download.Skipped:
		out.Status = "skipped"
	}
	enc := json.NewEncoder(p.w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(out)
}

func (p *Printer) colorize(text string, style lipgloss.Style) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

func padLeft(value string, width int) string {
	if len(value) >= width {
		return value
	}
	return strings.Repeat(" ", width-len(value)) + value
}

func truncateText(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	if max <= 3 {
		return text[:max]
	}
	return text[:max-3] + "..."
}

func terminalColumns() int {
	if columns := os.Getenv("COLUMNS"); columns != "" {
		if val, err := strconv.Atoi(columns); err == nil && val > 0 {
			return val
		}
	}
	return 0
}

func supportsColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" || os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
