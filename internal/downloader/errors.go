package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lvcoi/getmux/internal/mux"
)

// ErrorCategory classifies failures for exit codes and reporting.
type ErrorCategory string

const (
	CategoryNetwork      ErrorCategory = "network"
	CategoryFilesystem   ErrorCategory = "filesystem"
	CategoryMerge        ErrorCategory = "merge"
	CategoryInvalidInput ErrorCategory = "invalid_input"
	CategoryUnsupported  ErrorCategory = "unsupported"
	CategoryCancelled    ErrorCategory = "cancelled"
	CategoryUnknown      ErrorCategory = "unknown"
)

// CategorizedError tags an error with its category.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e CategorizedError) Unwrap() error {
	return e.Err
}

func wrapCategory(category ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	var existing CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return CategorizedError{Category: category, Err: err}
}

// CategoryOf returns the category of err, inferring it from the typed
// errors of this package and of mux when no tag is present.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ce CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var (
		netErr    *NetworkError
		statusErr *HTTPStatusError
		mergeErr  *mux.MergeError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	case errors.As(err, &netErr), errors.As(err, &statusErr), errors.Is(err, ErrRangeMismatch):
		return CategoryNetwork
	case errors.Is(err, mux.ErrMergeUnavailable):
		return CategoryUnsupported
	case errors.As(err, &mergeErr):
		return CategoryMerge
	}
	return CategoryUnknown
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch CategoryOf(err) {
	case "":
		return 0
	case CategoryInvalidInput:
		return 2
	case CategoryNetwork:
		return 3
	case CategoryFilesystem:
		return 4
	case CategoryMerge:
		return 5
	case CategoryUnsupported:
		return 6
	case CategoryCancelled:
		return 130
	default:
		return 1
	}
}

// NetworkError is a transport failure: dial, TLS, or a body that ended
// before the expected length.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a response status other than 200 or 206. Total is the
// resource length announced by a 416 Content-Range, or -1.
type HTTPStatusError struct {
	URL   string
	Code  int
	Total int64
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s for %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || isRetryableStatus(e.Code) || e.Code >= 500
}

// ErrRangeMismatch means the server answered a range request with a
// different range or resource length than the one on disk.
var ErrRangeMismatch = errors.New("server range does not match local file")

// PartDownloadError reports the part that could not be downloaded.
type PartDownloadError struct {
	Index int
	URL   string
	Err   error
}

func (e *PartDownloadError) Error() string {
	return fmt.Sprintf("part %d: %v", e.Index, e.Err)
}

func (e *PartDownloadError) Unwrap() error { return e.Err }

type reportedError struct {
	err error
}

func (e reportedError) Error() string {
	return e.err.Error()
}

func (e reportedError) Unwrap() error {
	return e.err
}

// MarkReported records that err has been shown to the user.
func MarkReported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err: err}
}

// IsReported reports whether err was already printed to the user.
func IsReported(err error) bool {
	var re reportedError
	return errors.As(err, &re)
}
