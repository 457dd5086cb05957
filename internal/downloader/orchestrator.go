package downloader

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/getmux/internal/progress"
)

// Orchestrator downloads the parts of one spec with a bounded pool.
type Orchestrator struct {
	fetcher *Fetcher
	header  http.Header
	opts    Options
	logger  *log.Logger
}

// NewOrchestrator returns an orchestrator sending header with every part
// request.
func NewOrchestrator(fetcher *Fetcher, header http.Header, opts Options, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Orchestrator{fetcher: fetcher, header: header, opts: opts.withDefaults(), logger: logger}
}

// Run downloads every part and returns their final states. It returns once
// all started parts have stopped; the first failure cancels the others.
// Temp files of unfinished parts stay on disk.
func (o *Orchestrator) Run(ctx context.Context, parts []PartState, reporter progress.Reporter) ([]PartState, error) {
	if reporter == nil {
		reporter = progress.Discard
	}
	out := append([]PartState(nil), parts...)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i := range out {
		part := &out[i]
		g.Go(func() error {
			return o.runPart(gctx, part, reporter)
		})
	}
	return out, g.Wait()
}

func (o *Orchestrator) runPart(ctx context.Context, part *PartState, reporter progress.Reporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reporter.SetPart(part.Index)
	logger := o.logger.With("part", part.Index)

	w, decision, err := openForResume(part.Path, part.ExpectedSize, o.opts.Overwrite)
	if err != nil {
		return o.fail(part, err)
	}
	defer w.close()

	sink := &partSink{w: w, reporter: reporter}
	sink.credit()
	if decision.Complete {
		logger.Debug("part already on disk", "bytes", w.Written())
		o.complete(part, w)
		return nil
	}
	if decision.StartOffset > 0 {
		logger.Debug("resuming part", "offset", decision.StartOffset)
	}

	part.Status = PartInProgress
	retries, restarts := 0, 0
	for {
		_, err := o.fetcher.Fetch(ctx, part.URL, w.Written(), o.header, sink)
		if err == nil {
			err = w.commit()
		}
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusRequestedRangeNotSatisfiable {
			err = o.rangeNotSatisfiable(w, statusErr)
		}
		sink.credit()
		if err == nil {
			logger.Debug("part complete", "bytes", w.Written())
			o.complete(part, w)
			return nil
		}

		switch {
		case errors.Is(err, ErrRangeMismatch) && restarts < maxRangeRestarts:
			restarts++
			logger.Warn("range mismatch, restarting part", "restart", restarts, "err", err)
		case isRetryableFetch(err) && retries < o.opts.MaxRetries:
			retries++
			delay := o.opts.retryConfig().backoffDelay(retries)
			logger.Warn("retrying part", "attempt", retries, "offset", w.Written(), "delay", delay, "err", err)
			if serr := sleepWithContext(ctx, delay); serr != nil {
				part.BytesWritten = w.Written()
				return o.fail(part, serr)
			}
		default:
			part.BytesWritten = w.Written()
			return o.fail(part, err)
		}
	}
}

// rangeNotSatisfiable handles a 416. A temp file holding exactly the
// announced length is complete; anything else restarts the part.
func (o *Orchestrator) rangeNotSatisfiable(w *partWriter, statusErr *HTTPStatusError) error {
	if statusErr.Total >= 0 && statusErr.Total == w.Written() && (w.expected < 0 || w.expected == statusErr.Total) {
		w.expected = statusErr.Total
		return w.commit()
	}
	if err := w.truncate(); err != nil {
		return err
	}
	if statusErr.Total >= 0 {
		w.expected = statusErr.Total
	}
	return errors.Join(ErrRangeMismatch, statusErr)
}

func (o *Orchestrator) complete(part *PartState, w *partWriter) {
	part.Status = PartComplete
	part.BytesWritten = w.Written()
	part.ExpectedSize = w.Written()
}

func (o *Orchestrator) fail(part *PartState, err error) error {
	part.Status = PartFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	o.logger.Error("part failed", "part", part.Index, "err", err)
	return &PartDownloadError{Index: part.Index, URL: part.URL, Err: err}
}

// partSink feeds a response body to the part writer and keeps the
// reporter's count for this part equal to the bytes on disk.
type partSink struct {
	w        *partWriter
	reporter progress.Reporter
	credited int64
}

func (s *partSink) Begin(res FetchResult) error {
	err := s.w.accept(res)
	s.credit()
	return err
}

func (s *partSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.credit()
	return n, err
}

// credit reports or retracts the difference between the bytes on disk and
// the bytes already reported.
func (s *partSink) credit() {
	switch diff := s.w.Written() - s.credited; {
	case diff > 0:
		s.reporter.Report(diff)
	case diff < 0:
		s.reporter.Retract(-diff)
	}
	s.credited = s.w.Written()
}
