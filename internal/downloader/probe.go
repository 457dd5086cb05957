package downloader

import (
	"context"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// probeSizes fills ExpectedSize with HEAD requests for the parts not yet
// on disk and returns the summed size, or -1 when any part stays unknown.
// Probe failures only leave the size unknown.
func probeSizes(ctx context.Context, client *http.Client, header http.Header, parts []PartState, limit int, logger *log.Logger) int64 {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range parts {
		part := &parts[i]
		if info, err := os.Stat(part.Path); err == nil {
			part.ExpectedSize = info.Size()
			continue
		}
		g.Go(func() error {
			size, err := headSize(gctx, client, header, part.URL)
			if err != nil {
				logger.Debug("size probe failed", "part", part.Index, "err", err)
				return nil
			}
			part.ExpectedSize = size
			return nil
		})
	}
	_ = g.Wait()

	var total int64
	for _, p := range parts {
		if p.ExpectedSize < 0 {
			return -1
		}
		total += p.ExpectedSize
	}
	return total
}

func headSize(ctx context.Context, client *http.Client, header http.Header, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return -1, err
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	resp, err := client.Do(req)
	if err != nil {
		return -1, &NetworkError{URL: rawURL, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1, &HTTPStatusError{URL: rawURL, Code: resp.StatusCode, Total: -1}
	}
	return resp.ContentLength, nil
}
