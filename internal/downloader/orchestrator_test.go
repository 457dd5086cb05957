package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu        sync.Mutex
	reported  int64
	retracted int64
	parts     []int
	finished  int
	onReport  func()
}

func (r *recordingReporter) Report(delta int64) {
	r.mu.Lock()
	r.reported += delta
	hook := r.onReport
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *recordingReporter) Retract(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retracted += n
}

func (r *recordingReporter) SetPart(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = append(r.parts, i)
}

func (r *recordingReporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordingReporter) net() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reported - r.retracted
}

// partServer serves one payload per path and records every request.
type partServer struct {
	*httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	ranges   []string
}

func newPartServer(t *testing.T, files map[string][]byte, override func(w http.ResponseWriter, r *http.Request, n int32) bool) *partServer {
	t.Helper()
	ps := &partServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ps.requests.Add(1)
		ps.mu.Lock()
		ps.ranges = append(ps.ranges, r.Header.Get("Range"))
		ps.mu.Unlock()
		if override != nil && override(w, r, n) {
			return
		}
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		serveRange(w, r, data)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *partServer) rangeHeaders() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.ranges...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.MaxRetryDelay = 5 * time.Millisecond
	opts.ChunkSize = 512
	return opts
}

func newTestOrchestrator(ps *partServer, opts Options) *Orchestrator {
	return NewOrchestrator(NewFetcher(ps.Client(), opts.ChunkSize, 0), nil, opts, nil)
}

func testParts(dir, baseURL string, names ...string) []PartState {
	parts := make([]PartState, len(names))
	for i, name := range names {
		p := filepath.Join(dir, "clip["+strconv.Itoa(i)+"].flv")
		parts[i] = PartState{Index: i, URL: baseURL + "/" + name, ExpectedSize: -1, Path: p, TempPath: p + tempSuffix}
	}
	return parts
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestOrchestrator_DownloadsAllParts(t *testing.T) {
	files := map[string][]byte{
		"/a": testPayload(3000),
		"/b": testPayload(1500),
		"/c": testPayload(10),
	}
	ps := newPartServer(t, files, nil)
	opts := testOptions()
	opts.Concurrency = 2

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, opts).Run(t.Context(), testParts(t.TempDir(), ps.URL, "a", "b", "c"), reporter)
	require.NoError(t, err)

	for i, name := range []string{"/a", "/b", "/c"} {
		assert.Equal(t, PartComplete, parts[i].Status)
		assert.Equal(t, files[name], readFile(t, parts[i].Path))
		assert.Equal(t, int64(len(files[name])), parts[i].BytesWritten)
		assert.NoFileExists(t, parts[i].TempPath)
	}
	assert.Equal(t, int64(4510), reporter.net())
	assert.ElementsMatch(t, []int{0, 1, 2}, reporter.parts)
}

func TestOrchestrator_ResumeIsByteIdentical(t *testing.T) {
	data := testPayload(5000)
	ps := newPartServer(t, map[string][]byte{"/a": data}, nil)
	parts := testParts(t.TempDir(), ps.URL, "a")
	writeFile(t, parts[0].TempPath, data[:1234])

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), parts, reporter)
	require.NoError(t, err)

	assert.Equal(t, data, readFile(t, parts[0].Path))
	assert.Equal(t, []string{"bytes=1234-"}, ps.rangeHeaders())
	assert.Equal(t, int64(5000), reporter.net())
	assert.Zero(t, reporter.retracted)
}

func TestOrchestrator_CompletedPartMakesNoRequests(t *testing.T) {
	data := testPayload(700)
	ps := newPartServer(t, map[string][]byte{"/a": data}, nil)
	parts := testParts(t.TempDir(), ps.URL, "a")
	writeFile(t, parts[0].Path, data)
	parts[0].ExpectedSize = 700

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), parts, reporter)
	require.NoError(t, err)

	assert.Zero(t, ps.requests.Load())
	assert.Equal(t, PartComplete, parts[0].Status)
	assert.Equal(t, int64(700), reporter.net())
}

func TestOrchestrator_RetriesDroppedConnection(t *testing.T) {
	data := testPayload(8000)
	ps := newPartServer(t, map[string][]byte{"/a": data}, func(w http.ResponseWriter, r *http.Request, n int32) bool {
		if n != 1 {
			return false
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:3000])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), testParts(t.TempDir(), ps.URL, "a"), reporter)
	require.NoError(t, err)

	assert.Equal(t, data, readFile(t, parts[0].Path))
	assert.Equal(t, int32(2), ps.requests.Load())
	ranges := ps.rangeHeaders()
	assert.Empty(t, ranges[0])
	assert.True(t, strings.HasPrefix(ranges[1], "bytes="), ranges[1])
	assert.Equal(t, int64(8000), reporter.net())
}

func TestOrchestrator_ServerIgnoringRangeRestartsBody(t *testing.T) {
	data := testPayload(2000)
	ps := newPartServer(t, nil, func(w http.ResponseWriter, r *http.Request, n int32) bool {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
		return true
	})
	parts := testParts(t.TempDir(), ps.URL, "a")
	writeFile(t, parts[0].TempPath, []byte("garbage from an older download"))

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), parts, reporter)
	require.NoError(t, err)

	assert.Equal(t, data, readFile(t, parts[0].Path))
	assert.Equal(t, int32(1), ps.requests.Load())
	assert.Equal(t, int64(len("garbage from an older download")), reporter.retracted)
	assert.Equal(t, int64(2000), reporter.net())
}

func TestOrchestrator_RangeMismatchRestartsFromZero(t *testing.T) {
	data := testPayload(1000)
	ps := newPartServer(t, nil, func(w http.ResponseWriter, r *http.Request, n int32) bool {
		if r.Header.Get("Range") != "" {
			// Answers every range with the start of a different resource.
			w.Header().Set("Content-Range", "bytes 0-99/100")
			w.Header().Set("Content-Length", "100")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data[:100])
			return true
		}
		serveRange(w, r, data)
		return true
	})
	parts := testParts(t.TempDir(), ps.URL, "a")
	writeFile(t, parts[0].TempPath, data[:300])

	reporter := &recordingReporter{}
	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), parts, reporter)
	require.NoError(t, err)

	assert.Equal(t, data, readFile(t, parts[0].Path))
	assert.Equal(t, []string{"bytes=300-", ""}, ps.rangeHeaders())
	assert.Equal(t, int64(300), reporter.retracted)
	assert.Equal(t, int64(1000), reporter.net())
}

func TestOrchestrator_RangeNotSatisfiableCompletesTempFile(t *testing.T) {
	data := testPayload(900)
	ps := newPartServer(t, map[string][]byte{"/a": data}, nil)
	parts := testParts(t.TempDir(), ps.URL, "a")
	writeFile(t, parts[0].TempPath, data)

	parts, err := newTestOrchestrator(ps, testOptions()).Run(t.Context(), parts, &recordingReporter{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), ps.requests.Load())
	assert.Equal(t, data, readFile(t, parts[0].Path))
	assert.NoFileExists(t, parts[0].TempPath)
}

func TestOrchestrator_ClientErrorFailsFast(t *testing.T) {
	ps := newPartServer(t, map[string][]byte{"/a": testPayload(10)}, nil)
	parts := testParts(t.TempDir(), ps.URL, "a", "missing")
	opts := testOptions()
	opts.Concurrency = 1

	parts, err := newTestOrchestrator(ps, opts).Run(t.Context(), parts, &recordingReporter{})
	var partErr *PartDownloadError
	require.ErrorAs(t, err, &partErr)
	assert.Equal(t, 1, partErr.Index)
	assert.Equal(t, CategoryNetwork, CategoryOf(err))
	assert.Equal(t, PartFailed, parts[1].Status)
	assert.Equal(t, int32(2), ps.requests.Load())
}

func TestOrchestrator_GivesUpAfterMaxRetries(t *testing.T) {
	ps := newPartServer(t, nil, func(w http.ResponseWriter, r *http.Request, n int32) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	})
	opts := testOptions()
	opts.MaxRetries = 2

	_, err := newTestOrchestrator(ps, opts).Run(t.Context(), testParts(t.TempDir(), ps.URL, "a"), &recordingReporter{})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, int32(3), ps.requests.Load())
}

func TestOrchestrator_CancelKeepsTempFile(t *testing.T) {
	data := testPayload(4096)
	ps := newPartServer(t, nil, func(w http.ResponseWriter, r *http.Request, n int32) bool {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:1024])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	reporter := &recordingReporter{}
	var once sync.Once
	reporter.onReport = func() { once.Do(cancel) }

	parts, err := newTestOrchestrator(ps, testOptions()).Run(ctx, testParts(t.TempDir(), ps.URL, "a"), reporter)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CategoryCancelled, CategoryOf(err))
	assert.FileExists(t, parts[0].TempPath)
	assert.NoFileExists(t, parts[0].Path)
}
