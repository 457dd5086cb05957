package mux

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// Box is one ISO-BMFF box. Size is the full encoded size including the
// header; WriteTo emits exactly Size bytes.
type Box interface {
	Type() string
	Size() uint64
	WriteTo(w io.Writer) (int64, error)
}

var containerTypes = map[string]bool{
	"moov": true, "trak": true, "mdia": true, "minf": true,
	"stbl": true, "dinf": true, "edts": true,
}

func boxHeaderLen(payload uint64) uint64 {
	if payload+8 > math.MaxUint32 {
		return 16
	}
	return 8
}

func writeBoxHeader(w io.Writer, typ string, payload uint64) (int64, error) {
	var b [16]byte
	n := boxHeaderLen(payload)
	if n == 16 {
		binary.BigEndian.PutUint32(b[0:], 1)
		copy(b[4:8], typ)
		binary.BigEndian.PutUint64(b[8:], payload+16)
	} else {
		binary.BigEndian.PutUint32(b[0:], uint32(payload+8))
		copy(b[4:8], typ)
	}
	written, err := w.Write(b[:n])
	return int64(written), err
}

type leaf interface {
	Type() string
	body() []byte
}

func leafSize(l leaf) uint64 {
	n := uint64(len(l.body()))
	return boxHeaderLen(n) + n
}

func writeLeaf(w io.Writer, l leaf) (int64, error) {
	body := l.body()
	n, err := writeBoxHeader(w, l.Type(), uint64(len(body)))
	if err != nil {
		return n, err
	}
	m, err := w.Write(body)
	return n + int64(m), err
}

// RawBox is a leaf copied verbatim.
type RawBox struct {
	BoxType string
	Body    []byte
}

func (b *RawBox) Type() string                       { return b.BoxType }
func (b *RawBox) body() []byte                       { return b.Body }
func (b *RawBox) Size() uint64                       { return leafSize(b) }
func (b *RawBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

// ContainerBox holds child boxes only.
type ContainerBox struct {
	BoxType  string
	Children []Box
}

func (b *ContainerBox) Type() string { return b.BoxType }

func (b *ContainerBox) Size() uint64 {
	var payload uint64
	for _, c := range b.Children {
		payload += c.Size()
	}
	return boxHeaderLen(payload) + payload
}

func (b *ContainerBox) WriteTo(w io.Writer) (int64, error) {
	var payload uint64
	for _, c := range b.Children {
		payload += c.Size()
	}
	total, err := writeBoxHeader(w, b.BoxType, payload)
	if err != nil {
		return total, err
	}
	for _, c := range b.Children {
		n, err := c.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Child returns the first direct child of the given type.
func (b *ContainerBox) Child(typ string) Box {
	for _, c := range b.Children {
		if c.Type() == typ {
			return c
		}
	}
	return nil
}

// Container returns the first direct child container of the given type.
func (b *ContainerBox) Container(typ string) *ContainerBox {
	c, _ := b.Child(typ).(*ContainerBox)
	return c
}

// Path walks nested containers, e.g. Path("mdia", "minf", "stbl").
func (b *ContainerBox) Path(types ...string) *ContainerBox {
	cur := b
	for _, t := range types {
		if cur == nil {
			return nil
		}
		cur = cur.Container(t)
	}
	return cur
}

// Remove drops every direct child of the given type.
func (b *ContainerBox) Remove(typ string) {
	kept := b.Children[:0]
	for _, c := range b.Children {
		if c.Type() != typ {
			kept = append(kept, c)
		}
	}
	b.Children = kept
}

// Replace swaps the first child of old's type for box, appending when absent.
func (b *ContainerBox) Replace(box Box) {
	for i, c := range b.Children {
		if c.Type() == box.Type() || (isChunkOffset(c.Type()) && isChunkOffset(box.Type())) {
			b.Children[i] = box
			return
		}
	}
	b.Children = append(b.Children, box)
}

func isChunkOffset(typ string) bool { return typ == "stco" || typ == "co64" }

// HeaderBox is mvhd, tkhd or mdhd. The body is kept as-is and the duration
// field is patched in place.
type HeaderBox struct {
	BoxType string
	Body    []byte
}

func (b *HeaderBox) Type() string                       { return b.BoxType }
func (b *HeaderBox) body() []byte                       { return b.Body }
func (b *HeaderBox) Size() uint64                       { return leafSize(b) }
func (b *HeaderBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

func (b *HeaderBox) version() byte {
	if len(b.Body) == 0 {
		return 0
	}
	return b.Body[0]
}

func (b *HeaderBox) durationField() (offset, width int) {
	v1 := b.version() == 1
	switch b.BoxType {
	case "tkhd":
		if v1 {
			return 28, 8
		}
		return 20, 4
	default: // mvhd, mdhd
		if v1 {
			return 24, 8
		}
		return 16, 4
	}
}

// Duration reads the duration field.
func (b *HeaderBox) Duration() (uint64, error) {
	off, width := b.durationField()
	if len(b.Body) < off+width {
		return 0, errors.Wrapf(ErrMalformedMP4, "%s too short", b.BoxType)
	}
	if width == 8 {
		return binary.BigEndian.Uint64(b.Body[off:]), nil
	}
	return uint64(binary.BigEndian.Uint32(b.Body[off:])), nil
}

// SetDuration overwrites the duration field.
func (b *HeaderBox) SetDuration(d uint64) error {
	off, width := b.durationField()
	if len(b.Body) < off+width {
		return errors.Wrapf(ErrMalformedMP4, "%s too short", b.BoxType)
	}
	if width == 8 {
		binary.BigEndian.PutUint64(b.Body[off:], d)
		return nil
	}
	if d > math.MaxUint32 {
		return errors.Errorf("%s: duration %d does not fit a version 0 box", b.BoxType, d)
	}
	binary.BigEndian.PutUint32(b.Body[off:], uint32(d))
	return nil
}

// Timescale reads the timescale of an mvhd or mdhd box.
func (b *HeaderBox) Timescale() (uint32, error) {
	off := 12
	if b.version() == 1 {
		off = 20
	}
	if b.BoxType == "tkhd" || len(b.Body) < off+4 {
		return 0, errors.Wrapf(ErrMalformedMP4, "%s has no timescale", b.BoxType)
	}
	return binary.BigEndian.Uint32(b.Body[off:]), nil
}

// fullBox carries the version and flags word common to sample tables.
type fullBox struct {
	Version uint8
	Flags   uint32
}

func (f fullBox) put(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(f.Version)<<24|f.Flags&0xFFFFFF)
}

type SttsEntry struct {
	Count uint32
	Delta uint32
}

// SttsBox is the decoding time-to-sample table.
type SttsBox struct {
	fullBox
	Entries []SttsEntry
}

func (b *SttsBox) Type() string { return "stts" }
func (b *SttsBox) body() []byte {
	out := b.put(make([]byte, 0, 8+8*len(b.Entries)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		out = binary.BigEndian.AppendUint32(out, e.Count)
		out = binary.BigEndian.AppendUint32(out, e.Delta)
	}
	return out
}
func (b *SttsBox) Size() uint64                       { return leafSize(b) }
func (b *SttsBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

type CttsEntry struct {
	Count  uint32
	Offset uint32
}

// CttsBox is the composition offset table. Offsets are kept as raw 32-bit
// words so version 1 signed offsets round-trip.
type CttsBox struct {
	fullBox
	Entries []CttsEntry
}

func (b *CttsBox) Type() string { return "ctts" }
func (b *CttsBox) body() []byte {
	out := b.put(make([]byte, 0, 8+8*len(b.Entries)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		out = binary.BigEndian.AppendUint32(out, e.Count)
		out = binary.BigEndian.AppendUint32(out, e.Offset)
	}
	return out
}
func (b *CttsBox) Size() uint64                       { return leafSize(b) }
func (b *CttsBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

type StscEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	DescIndex       uint32
}

// StscBox is the sample-to-chunk table.
type StscBox struct {
	fullBox
	Entries []StscEntry
}

func (b *StscBox) Type() string { return "stsc" }
func (b *StscBox) body() []byte {
	out := b.put(make([]byte, 0, 8+12*len(b.Entries)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		out = binary.BigEndian.AppendUint32(out, e.FirstChunk)
		out = binary.BigEndian.AppendUint32(out, e.SamplesPerChunk)
		out = binary.BigEndian.AppendUint32(out, e.DescIndex)
	}
	return out
}
func (b *StscBox) Size() uint64                       { return leafSize(b) }
func (b *StscBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

// StszBox is the sample size table. When SampleSize is non-zero every
// sample has that size and Sizes is empty.
type StszBox struct {
	fullBox
	SampleSize  uint32
	SampleCount uint32
	Sizes       []uint32
}

func (b *StszBox) Type() string { return "stsz" }
func (b *StszBox) body() []byte {
	out := b.put(make([]byte, 0, 12+4*len(b.Sizes)))
	out = binary.BigEndian.AppendUint32(out, b.SampleSize)
	out = binary.BigEndian.AppendUint32(out, b.SampleCount)
	if b.SampleSize == 0 {
		for _, s := range b.Sizes {
			out = binary.BigEndian.AppendUint32(out, s)
		}
	}
	return out
}
func (b *StszBox) Size() uint64                       { return leafSize(b) }
func (b *StszBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

// SizeOf returns the size of the zero-based sample i.
func (b *StszBox) SizeOf(i int) uint32 {
	if b.SampleSize != 0 {
		return b.SampleSize
	}
	return b.Sizes[i]
}

// ChunkOffsetBox is stco, or co64 when Large is set.
type ChunkOffsetBox struct {
	fullBox
	Large   bool
	Offsets []uint64
}

func (b *ChunkOffsetBox) Type() string {
	if b.Large {
		return "co64"
	}
	return "stco"
}
func (b *ChunkOffsetBox) body() []byte {
	width := 4
	if b.Large {
		width = 8
	}
	out := b.put(make([]byte, 0, 8+width*len(b.Offsets)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Offsets)))
	for _, o := range b.Offsets {
		if b.Large {
			out = binary.BigEndian.AppendUint64(out, o)
		} else {
			out = binary.BigEndian.AppendUint32(out, uint32(o))
		}
	}
	return out
}
func (b *ChunkOffsetBox) Size() uint64                       { return leafSize(b) }
func (b *ChunkOffsetBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

// StssBox lists 1-based sync sample numbers.
type StssBox struct {
	fullBox
	Samples []uint32
}

func (b *StssBox) Type() string { return "stss" }
func (b *StssBox) body() []byte {
	out := b.put(make([]byte, 0, 8+4*len(b.Samples)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Samples)))
	for _, s := range b.Samples {
		out = binary.BigEndian.AppendUint32(out, s)
	}
	return out
}
func (b *StssBox) Size() uint64                       { return leafSize(b) }
func (b *StssBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

type ElstEntry struct {
	SegmentDuration uint64
	MediaTime       int64
	RateInteger     int16
	RateFraction    int16
}

// ElstBox is the edit list.
type ElstBox struct {
	fullBox
	Entries []ElstEntry
}

func (b *ElstBox) Type() string { return "elst" }
func (b *ElstBox) body() []byte {
	out := b.put(make([]byte, 0, 8+20*len(b.Entries)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Entries)))
	for _, e := range b.Entries {
		if b.Version == 1 {
			out = binary.BigEndian.AppendUint64(out, e.SegmentDuration)
			out = binary.BigEndian.AppendUint64(out, uint64(e.MediaTime))
		} else {
			out = binary.BigEndian.AppendUint32(out, uint32(e.SegmentDuration))
			out = binary.BigEndian.AppendUint32(out, uint32(int32(e.MediaTime)))
		}
		out = binary.BigEndian.AppendUint16(out, uint16(e.RateInteger))
		out = binary.BigEndian.AppendUint16(out, uint16(e.RateFraction))
	}
	return out
}
func (b *ElstBox) Size() uint64                       { return leafSize(b) }
func (b *ElstBox) WriteTo(w io.Writer) (int64, error) { return writeLeaf(w, b) }

// fileRange is a span of media payload inside a part file.
type fileRange struct {
	Path   string
	Offset int64
	Length int64
}

// MdatBox is the media payload, streamed from its source files on write.
type MdatBox struct {
	Sources []fileRange
}

func (b *MdatBox) Type() string { return "mdat" }

func (b *MdatBox) payloadSize() uint64 {
	var n uint64
	for _, s := range b.Sources {
		n += uint64(s.Length)
	}
	return n
}

func (b *MdatBox) Size() uint64 {
	n := b.payloadSize()
	return boxHeaderLen(n) + n
}

func (b *MdatBox) WriteTo(w io.Writer) (int64, error) {
	total, err := writeBoxHeader(w, "mdat", b.payloadSize())
	if err != nil {
		return total, err
	}
	buf := make([]byte, copyBufferSize)
	for _, s := range b.Sources {
		n, err := copyRange(w, s, buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func copyRange(w io.Writer, s fileRange, buf []byte) (int64, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.CopyBuffer(w, io.NewSectionReader(f, s.Offset, s.Length), buf)
	if err == nil && n != s.Length {
		err = errors.Wrapf(ErrMalformedMP4, "%s: mdat truncated at %d of %d bytes", s.Path, n, s.Length)
	}
	return n, err
}
