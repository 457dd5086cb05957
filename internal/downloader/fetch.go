package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// FetchResult describes a response. Everything but Transferred is known
// before the first body byte reaches the sink.
type FetchResult struct {
	Status      int
	RangeStart  int64 // first byte of the body within the resource
	Total       int64 // full resource length, -1 when unknown
	Length      int64 // body length, -1 when unknown
	Transferred int64
}

// Sink receives one response body. Begin may refuse the response, in which
// case no body byte is read.
type Sink interface {
	Begin(FetchResult) error
	io.Writer
}

// Fetcher performs single-shot ranged GETs. It never retries; callers
// decide what to do with the error.
type Fetcher struct {
	client    *http.Client
	chunkSize int
	limiter   *rate.Limiter
}

// NewFetcher returns a fetcher reading bodies in chunkSize pieces. A
// positive bytesPerSecond caps the bandwidth shared by all its fetches.
func NewFetcher(client *http.Client, chunkSize int, bytesPerSecond int64) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	f := &Fetcher{client: client, chunkSize: chunkSize}
	if bytesPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), chunkSize)
	}
	return f
}

// Fetch requests rawURL from byte start onwards and streams the body into
// sink.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, start int64, header http.Header, sink Sink) (FetchResult, error) {
	res := FetchResult{Total: -1, Length: -1}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return res, wrapCategory(CategoryInvalidInput, fmt.Errorf("build request: %w", err))
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.Length = resp.ContentLength
	switch resp.StatusCode {
	case http.StatusOK:
		res.Total = resp.ContentLength
	case http.StatusPartialContent:
		first, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			return res, fmt.Errorf("%w: bad Content-Range %q", ErrRangeMismatch, resp.Header.Get("Content-Range"))
		}
		res.RangeStart, res.Total = first, total
	case http.StatusRequestedRangeNotSatisfiable:
		return res, &HTTPStatusError{URL: rawURL, Code: resp.StatusCode, Total: unsatisfiedTotal(resp.Header.Get("Content-Range"))}
	default:
		return res, &HTTPStatusError{URL: rawURL, Code: resp.StatusCode, Total: -1}
	}

	if err := sink.Begin(res); err != nil {
		return res, err
	}

	buf := make([]byte, f.chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if f.limiter != nil {
				if err := f.limiter.WaitN(ctx, n); err != nil {
					return res, err
				}
			}
			if _, err := sink.Write(buf[:n]); err != nil {
				return res, err
			}
			res.Transferred += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, &NetworkError{URL: rawURL, Err: rerr}
		}
	}
	if res.Length >= 0 && res.Transferred < res.Length {
		return res, &NetworkError{URL: rawURL, Err: io.ErrUnexpectedEOF}
	}
	return res, nil
}

// parseContentRange parses "bytes first-last/total". total is -1 for "*".
func parseContentRange(v string) (first, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	first, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil || first < 0 {
		return 0, 0, false
	}
	last, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil || last < first {
		return 0, 0, false
	}
	if size == "*" {
		return first, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil || total <= last {
		return 0, 0, false
	}
	return first, total, true
}

// unsatisfiedTotal parses the "bytes */total" of a 416 response.
func unsatisfiedTotal(v string) int64 {
	rest, found := strings.CutPrefix(strings.TrimSpace(v), "bytes */")
	if !found {
		return -1
	}
	total, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return -1
	}
	return total
}
