package downloader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ResumeDecision says where a part download starts.
type ResumeDecision struct {
	StartOffset int64
	Truncate    bool // a stale temp file was discarded
	Complete    bool // nothing left to fetch
}

// partWriter owns the bytes of one part on disk. Data is appended to
// TempPath and renamed onto Path by commit.
type partWriter struct {
	path     string
	tempPath string
	expected int64
	written  int64
	file     *os.File
}

// openForResume inspects path and its .download temp file and opens the
// temp file for appending at the right offset. expected is -1 when unknown.
func openForResume(path string, expected int64, overwrite bool) (*partWriter, ResumeDecision, error) {
	w := &partWriter{path: path, tempPath: path + tempSuffix, expected: expected}

	if info, err := os.Stat(path); err == nil {
		if !overwrite && (expected < 0 || info.Size() == expected) {
			w.written = info.Size()
			w.expected = info.Size()
			return w, ResumeDecision{StartOffset: info.Size(), Complete: true}, nil
		}
		if err := os.Remove(path); err != nil {
			return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("remove stale %s: %w", path, err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("stat %s: %w", path, err))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("create directory: %w", err))
	}

	var decision ResumeDecision
	flags := os.O_CREATE | os.O_WRONLY
	info, err := os.Stat(w.tempPath)
	switch {
	case err == nil && expected >= 0 && info.Size() == expected:
		if err := os.Rename(w.tempPath, path); err != nil {
			return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("finalize %s: %w", path, err))
		}
		w.written = expected
		return w, ResumeDecision{StartOffset: expected, Complete: true}, nil
	case err == nil && expected >= 0 && info.Size() > expected:
		flags |= os.O_TRUNC
		decision.Truncate = true
	case err == nil:
		decision.StartOffset = info.Size()
	case errors.Is(err, os.ErrNotExist):
		flags |= os.O_TRUNC
	default:
		return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("stat %s: %w", w.tempPath, err))
	}

	file, err := os.OpenFile(w.tempPath, flags, 0o644)
	if err != nil {
		return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("open %s: %w", w.tempPath, err))
	}
	if _, err := file.Seek(decision.StartOffset, io.SeekStart); err != nil {
		file.Close()
		return nil, ResumeDecision{}, wrapCategory(CategoryFilesystem, fmt.Errorf("seek %s: %w", w.tempPath, err))
	}
	w.file = file
	w.written = decision.StartOffset
	return w, decision, nil
}

// Written is the number of bytes of the part on disk.
func (w *partWriter) Written() int64 { return w.written }

// Expected is the part length, -1 when unknown.
func (w *partWriter) Expected() int64 { return w.expected }

// accept checks a response against the bytes on disk before any body byte
// is written. A 200 while resuming means the server ignored Range: the
// file restarts and the same body is kept.
func (w *partWriter) accept(res FetchResult) error {
	switch res.Status {
	case 206:
		if res.RangeStart != w.written || (w.expected >= 0 && res.Total >= 0 && res.Total != w.expected) {
			have, want := w.written, w.expected
			if err := w.truncate(); err != nil {
				return err
			}
			if res.Total >= 0 {
				w.expected = res.Total
			}
			return fmt.Errorf("%w: have %d of %d bytes, server sent %d of %d", ErrRangeMismatch, have, want, res.RangeStart, res.Total)
		}
	default:
		if w.written > 0 {
			if err := w.truncate(); err != nil {
				return err
			}
		}
	}
	if res.Total >= 0 {
		w.expected = res.Total
	}
	return nil
}

func (w *partWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		return n, wrapCategory(CategoryFilesystem, fmt.Errorf("write %s: %w", w.tempPath, err))
	}
	return n, nil
}

func (w *partWriter) truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("truncate %s: %w", w.tempPath, err))
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("seek %s: %w", w.tempPath, err))
	}
	w.written = 0
	return nil
}

// commit verifies the size and renames the temp file onto the final path,
// replacing any existing file. A short file is reported as a network error
// so the caller can resume it.
func (w *partWriter) commit() error {
	if w.expected >= 0 && w.written < w.expected {
		return &NetworkError{URL: w.path, Err: fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, w.written, w.expected)}
	}
	if w.expected >= 0 && w.written > w.expected {
		if err := w.truncate(); err != nil {
			return err
		}
		return fmt.Errorf("%w: file grew past %d bytes", ErrRangeMismatch, w.expected)
	}
	if w.file == nil {
		return nil
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return wrapCategory(CategoryFilesystem, fmt.Errorf("close %s: %w", w.tempPath, err))
	}
	w.file = nil
	if err := os.Rename(w.tempPath, w.path); err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("finalize %s: %w", w.path, err))
	}
	w.expected = w.written
	return nil
}

// close releases the temp file and leaves it on disk for a later resume.
func (w *partWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
