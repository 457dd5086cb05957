package downloader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/lvcoi/getmux/internal/mux"
)

// DownloadSpec is what an extractor hands over: resolved part URLs in
// concatenation order plus the declared container.
type DownloadSpec struct {
	URLs             []string      `yaml:"urls"`
	Title            string        `yaml:"title"`
	Container        mux.Container `yaml:"container"`
	TotalSize        int64         `yaml:"total_size"` // 0 when unknown
	Referer          string        `yaml:"referer"`
	UseFakeUserAgent bool          `yaml:"fake_user_agent"`
}

// LoadSpec reads a YAML spec file holding exactly one spec.
func LoadSpec(path string) (DownloadSpec, error) {
	specs, err := LoadSpecs(path)
	if err != nil {
		return DownloadSpec{}, err
	}
	if len(specs) != 1 {
		return DownloadSpec{}, wrapCategory(CategoryInvalidInput, fmt.Errorf("spec %s holds %d downloads, want 1", path, len(specs)))
	}
	return specs[0], nil
}

// LoadSpecs reads a YAML stream holding one or more specs separated by
// "---".
func LoadSpecs(path string) ([]DownloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapCategory(CategoryFilesystem, fmt.Errorf("read spec %s: %w", path, err))
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.SetStrict(true)
	var specs []DownloadSpec
	for {
		var spec DownloadSpec
		err := dec.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapCategory(CategoryInvalidInput, fmt.Errorf("parse spec %s: %w", path, err))
		}
		if spec.Container == "" {
			spec.Container = mux.ContainerOther
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, wrapCategory(CategoryInvalidInput, fmt.Errorf("spec %s holds no downloads", path))
	}
	return specs, nil
}

func (s DownloadSpec) clone() DownloadSpec {
	s.URLs = append([]string(nil), s.URLs...)
	return s
}

// Validate checks that the spec can be downloaded.
func (s DownloadSpec) Validate() error {
	if len(s.URLs) == 0 {
		return wrapCategory(CategoryInvalidInput, errors.New("spec has no urls"))
	}
	for i, raw := range s.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return wrapCategory(CategoryInvalidInput, fmt.Errorf("url %d: %w", i, err))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return wrapCategory(CategoryInvalidInput, fmt.Errorf("url %d: unsupported scheme %q", i, u.Scheme))
		}
	}
	switch s.Container {
	case mux.ContainerFLV, mux.ContainerMP4, mux.ContainerTS, mux.ContainerOther:
	default:
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("unknown container %q", s.Container))
	}
	if s.TotalSize < 0 {
		return wrapCategory(CategoryInvalidInput, fmt.Errorf("total_size must not be negative, got %d", s.TotalSize))
	}
	return nil
}

// PartStatus is the lifecycle state of one part.
type PartStatus int

const (
	PartPending PartStatus = iota
	PartInProgress
	PartComplete
	PartFailed
)

func (s PartStatus) String() string {
	switch s {
	case PartPending:
		return "pending"
	case PartInProgress:
		return "in-progress"
	case PartComplete:
		return "complete"
	case PartFailed:
		return "failed"
	default:
		return fmt.Sprintf("PartStatus(%d)", int(s))
	}
}

// PartState tracks one part on disk. ExpectedSize is -1 when unknown.
type PartState struct {
	Index        int
	URL          string
	ExpectedSize int64
	Path         string
	TempPath     string
	BytesWritten int64
	Status       PartStatus
}
