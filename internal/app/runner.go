// Package app runs batches of downloads and reports their outcome.
package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lvcoi/getmux/internal/downloader"
)

// Result is the outcome of one spec in a batch.
type Result struct {
	Index    int
	Title    string
	URLs     []string
	Download downloader.Result
	Err      error
}

// Run downloads specs with up to jobs in parallel through one shared
// session. Failures do not stop the batch; the returned exit code is the
// highest code among the failures, or 130 when ctx was cancelled.
// printer may be nil.
func Run(ctx context.Context, specs []downloader.DownloadSpec, opts downloader.Options, jobs int, printer *Printer, options ...downloader.SessionOption) ([]Result, int) {
	if jobs < 1 {
		jobs = 1
	}
	session := downloader.NewSession(opts, options...)
	results := make([]Result, len(specs))

	var g errgroup.Group
	g.SetLimit(jobs)
	for i, spec := range specs {
		if ctx.Err() != nil {
			results[i] = Result{Index: i, Title: spec.Title, URLs: spec.URLs, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			res, err := session.Download(ctx, spec)
			title := res.Title
			if title == "" {
				title = spec.Title
			}
			results[i] = Result{Index: i, Title: title, URLs: spec.URLs, Download: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	exitCode := 0
	for i, res := range results {
		if res.Err != nil {
			if code := downloader.ExitCode(res.Err); code > exitCode {
				exitCode = code
			}
		}
		if printer != nil {
			printer.Item(i+1, len(results), res)
			if res.Err != nil {
				results[i].Err = downloader.MarkReported(res.Err)
			}
		}
	}
	if printer != nil {
		printer.Summary(results)
	}
	if ctx.Err() != nil && exitCode == 0 {
		exitCode = 130
	}
	return results, exitCode
}
