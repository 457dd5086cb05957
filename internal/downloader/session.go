package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lvcoi/getmux/internal/mux"
	"github.com/lvcoi/getmux/internal/progress"
)

// ProgressFactory builds the reporter of one download. total is -1 when
// unknown.
type ProgressFactory func(title string, total int64, parts int) progress.Reporter

// Session downloads specs with one set of options and one HTTP transport.
// A Session is safe for concurrent use by several downloads.
type Session struct {
	id       string
	opts     Options
	logger   *log.Logger
	progress ProgressFactory
	encoder  mux.Encoder
	out      io.Writer
	client   *http.Client
	probe    *http.Client
	fetcher  *Fetcher
	initErr  error
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProgress sets the reporter factory. The default reports nothing.
func WithProgress(factory ProgressFactory) SessionOption {
	return func(s *Session) {
		if factory != nil {
			s.progress = factory
		}
	}
}

// WithEncoder replaces the ffmpeg encoder used for TS merges.
func WithEncoder(enc mux.Encoder) SessionOption {
	return func(s *Session) { s.encoder = enc }
}

// WithOutput sets where dry runs print URLs and where the player writes.
func WithOutput(w io.Writer) SessionOption {
	return func(s *Session) {
		if w != nil {
			s.out = w
		}
	}
}

// WithHTTPClient replaces the HTTP client for both probes and bodies.
func WithHTTPClient(client *http.Client) SessionOption {
	return func(s *Session) {
		if client != nil {
			s.client = client
			s.probe = client
		}
	}
}

// NewSession builds a session. Invalid options surface from Download.
func NewSession(opts Options, options ...SessionOption) *Session {
	s := &Session{
		id:       uuid.NewString(),
		opts:     opts.withDefaults(),
		logger:   log.New(io.Discard),
		progress: func(string, int64, int) progress.Reporter { return progress.Discard },
		encoder:  &mux.FFmpeg{},
		out:      os.Stdout,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)

	if err := opts.Validate(); err != nil {
		s.initErr = err
		return s
	}
	if s.client == nil {
		transport, err := newTransport(s.opts)
		if err != nil {
			s.initErr = err
			return s
		}
		s.client = newHTTPClient(transport)
		s.probe = newProbeClient(transport, s.opts)
	}
	s.fetcher = NewFetcher(s.client, s.opts.ChunkSize, s.opts.RateLimit)
	return s
}

// ID identifies the session in logs and results.
func (s *Session) ID() string { return s.id }

// Download fetches every part of spec and merges them into one file.
func (s *Session) Download(ctx context.Context, spec DownloadSpec) (Result, error) {
	start := time.Now()
	spec = spec.clone()
	if spec.Container == "" {
		spec.Container = mux.ContainerOther
	}
	title := sanitize(spec.Title)
	result := Result{SessionID: s.id, Title: title}
	if s.initErr != nil {
		return result, s.initErr
	}
	if err := spec.Validate(); err != nil {
		return result, err
	}
	logger := s.logger.With("title", title)

	if s.opts.DryRun {
		for _, u := range spec.URLs {
			fmt.Fprintln(s.out, u)
		}
		result.DryRun = true
		return result, nil
	}
	if s.opts.PlayerCommand != "" {
		logger.Info("launching player", "command", s.opts.PlayerCommand, "parts", len(spec.URLs))
		if err := launchPlayer(ctx, s.opts.PlayerCommand, spec.URLs, s.out, s.out); err != nil {
			return result, err
		}
		result.Played = true
		return result, nil
	}

	output := filepath.Join(s.opts.OutputDir, title+"."+outputExt(spec, s.opts.Merge))
	result.OutputPath = output
	if skipped, size, err := s.existingOutput(spec, output); err != nil {
		return result, err
	} else if skipped {
		logger.Info("output exists, skipping", "path", output)
		result.Skipped = true
		result.Bytes = size
		result.Elapsed = time.Since(start)
		return result, nil
	}

	header := requestHeader(spec, s.opts)
	parts := planParts(spec, s.opts.OutputDir, title, output)
	total := int64(-1)
	if spec.TotalSize > 0 {
		total = spec.TotalSize
		if len(parts) == 1 {
			parts[0].ExpectedSize = spec.TotalSize
		}
	} else if s.opts.ProbeSizes {
		total = probeSizes(ctx, s.probe, header, parts, s.opts.Concurrency, logger)
	}
	logger.Debug("starting download", "parts", len(parts), "total", total, "output", output)

	reporter := s.progress(title, total, len(parts))
	orch := NewOrchestrator(s.fetcher, header, s.opts, logger)
	parts, err := orch.Run(ctx, parts, reporter)
	reporter.Finish()
	result.Parts = parts
	for _, p := range parts {
		result.Bytes += p.BytesWritten
	}
	result.Elapsed = time.Since(start)
	if err != nil {
		return result, err
	}

	if len(parts) == 1 {
		return result, nil
	}
	if !s.opts.Merge {
		result.OutputPath = ""
		return result, nil
	}

	inputs := make([]string, len(parts))
	for i, p := range parts {
		inputs[i] = p.Path
	}
	stats, err := mux.Merge(ctx, spec.Container, inputs, output, s.encoder)
	if err != nil {
		logger.Error("merge failed, keeping parts", "err", err)
		return result, fmt.Errorf("merge %s: %w", title, err)
	}
	if err := validateOutputFile(output); err != nil {
		return result, err
	}
	for _, in := range inputs {
		if err := os.Remove(in); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("could not remove part", "path", in, "err", err)
		}
	}
	logger.Info("merged", "parts", stats.Parts, "bytes", stats.Bytes)
	result.Merged = true
	result.Elapsed = time.Since(start)
	return result, nil
}

// existingOutput reports whether output is already complete. A single part
// with a known size only counts when the sizes agree.
func (s *Session) existingOutput(spec DownloadSpec, output string) (bool, int64, error) {
	if s.opts.Overwrite {
		return false, 0, nil
	}
	info, err := os.Stat(output)
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, wrapCategory(CategoryFilesystem, fmt.Errorf("stat %s: %w", output, err))
	}
	if info.IsDir() {
		return false, 0, wrapCategory(CategoryFilesystem, fmt.Errorf("output %s is a directory", output))
	}
	if len(spec.URLs) == 1 && spec.TotalSize > 0 && info.Size() != spec.TotalSize {
		return false, 0, nil
	}
	return true, info.Size(), nil
}
