// Package mux merges downloaded media parts into a single container file.
//
// FLV and MP4 parts are merged in-process by rewriting their metadata
// (AMF0 onMetaData, ISO-BMFF sample tables). MPEG-TS parts are handed to an
// external encoder (ffmpeg or avconv) which remuxes them into Matroska.
package mux

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Container is the declared container type of a download.
type Container string

const (
	ContainerFLV   Container = "flv"
	ContainerMP4   Container = "mp4"
	ContainerTS    Container = "ts"
	ContainerOther Container = "other"
)

// ParseContainer normalizes a container name. Unknown names map to
// ContainerOther.
func ParseContainer(raw string) Container {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")) {
	case "flv", "f4v":
		return ContainerFLV
	case "mp4", "m4v":
		return ContainerMP4
	case "ts", "mpegts", "m2ts":
		return ContainerTS
	default:
		return ContainerOther
	}
}

// UnmarshalYAML lets spec files spell containers loosely ("FLV", "f4v").
func (c *Container) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*c = ParseContainer(raw)
	return nil
}

// Ext is the file extension used for parts of this container.
func (c Container) Ext() string {
	switch c {
	case ContainerFLV, ContainerMP4, ContainerTS:
		return string(c)
	default:
		return ""
	}
}

// MergedExt is the extension of the merged output. TS parts become MKV.
func (c Container) MergedExt() string {
	if c == ContainerTS {
		return "mkv"
	}
	return c.Ext()
}

var (
	ErrAMFDecode             = errors.New("amf decode error")
	ErrMetaTypeMismatch      = errors.New("flv metadata type mismatch")
	ErrMalformedFLV          = errors.New("malformed flv")
	ErrMalformedMP4          = errors.New("malformed mp4")
	ErrInconsistentFrameRate = errors.New("inconsistent frame rate")
	ErrTrackLayout           = errors.New("unexpected track layout")
	ErrMergeUnavailable      = errors.New("merge unavailable")
	ErrNoInputs              = errors.New("no input parts")
)

// MergeError reports a merge failure together with the offending part.
// Part is zero-based; -1 when the failure is not tied to one part.
type MergeError struct {
	Part int
	Err  error
}

func (e *MergeError) Error() string {
	if e.Part < 0 {
		return fmt.Sprintf("merge: %v", e.Err)
	}
	return fmt.Sprintf("merge part %d: %v", e.Part, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// wrapCause tags cause with one of the sentinels above. Both stay
// reachable with errors.Is.
func wrapCause(sentinel, cause error, msg string) error {
	return fmt.Errorf("%w: %s: %w", sentinel, msg, cause)
}

func partError(part int, err error) error {
	if err == nil {
		return nil
	}
	var me *MergeError
	if errors.As(err, &me) {
		return err
	}
	return &MergeError{Part: part, Err: err}
}

// Stats summarises a finished merge.
type Stats struct {
	Parts    int
	Bytes    int64
	Tags     int     // FLV media tags written
	Samples  []int   // MP4 samples per track
	Duration float64 // seconds, when known
}

// Merge combines inputs, in order, into output according to the container.
// output is written through a temporary file and only appears on success;
// inputs are never modified.
func Merge(ctx context.Context, container Container, inputs []string, output string, enc Encoder) (Stats, error) {
	if len(inputs) == 0 {
		return Stats{}, &MergeError{Part: -1, Err: ErrNoInputs}
	}
	if len(inputs) == 1 {
		return copySingle(inputs[0], output)
	}
	switch container {
	case ContainerFLV:
		return MergeFLV(ctx, inputs, output)
	case ContainerMP4:
		return MergeMP4(ctx, inputs, output)
	case ContainerTS:
		if enc == nil || !enc.HasWorkingEncoder(ctx) {
			if err := ctx.Err(); err != nil {
				return Stats{}, err
			}
			return Stats{}, &MergeError{Part: -1, Err: errors.Wrap(ErrMergeUnavailable, "no working ffmpeg or avconv")}
		}
		if err := enc.ConcatToMKV(ctx, inputs, output); err != nil {
			return Stats{}, partError(-1, err)
		}
		st := Stats{Parts: len(inputs)}
		if info, err := os.Stat(output); err == nil {
			st.Bytes = info.Size()
		}
		return st, nil
	default:
		return Stats{}, &MergeError{Part: -1, Err: errors.Wrapf(ErrMergeUnavailable, "cannot merge %q parts", container)}
	}
}

func copySingle(input, output string) (Stats, error) {
	src, err := os.Open(input)
	if err != nil {
		return Stats{}, partError(0, err)
	}
	defer src.Close()
	st := Stats{Parts: 1}
	err = writeAtomically(output, func(w io.Writer) error {
		n, err := io.Copy(w, src)
		st.Bytes = n
		return err
	})
	return st, partError(0, err)
}

// writeAtomically writes through output+".merging" and renames on success.
func writeAtomically(output string, fill func(w io.Writer) error) error {
	tmp := output + ".merging"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating merge output")
	}
	if err := fill(file); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "closing merge output")
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "renaming merge output")
	}
	return nil
}
