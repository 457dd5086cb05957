package mux

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

// mp4File is one parsed part: top-level boxes in file order, with the
// payload of its single mdat referenced by file range.
type mp4File struct {
	Path          string
	Boxes         []Box
	Moov          *ContainerBox
	Mdat          *MdatBox
	PayloadOffset int64
	PayloadSize   int64
}

func openMP4(path string) (*mp4File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	m := &mp4File{Path: path}
	var offset int64
	for offset < size {
		if size-offset < 8 {
			return nil, errors.Wrapf(ErrMalformedMP4, "%d trailing bytes at %d", size-offset, offset)
		}
		var hdr [16]byte
		if _, err := f.ReadAt(hdr[:8], offset); err != nil {
			return nil, errors.Wrapf(ErrMalformedMP4, "box header at %d: %v", offset, err)
		}
		typ := string(hdr[4:8])
		boxSize := int64(binary.BigEndian.Uint32(hdr[:4]))
		hdrLen := int64(8)
		switch boxSize {
		case 0:
			boxSize = size - offset
		case 1:
			if _, err := f.ReadAt(hdr[8:16], offset+8); err != nil {
				return nil, errors.Wrapf(ErrMalformedMP4, "%s large size at %d: %v", typ, offset, err)
			}
			large := binary.BigEndian.Uint64(hdr[8:16])
			if large > math.MaxInt64 {
				return nil, errors.Wrapf(ErrMalformedMP4, "%s size %d out of range", typ, large)
			}
			boxSize = int64(large)
			hdrLen = 16
		}
		if boxSize < hdrLen || boxSize > size-offset {
			return nil, errors.Wrapf(ErrMalformedMP4, "%s at %d has size %d, file has %d bytes left", typ, offset, boxSize, size-offset)
		}

		switch typ {
		case "moof":
			return nil, errors.Wrap(ErrMalformedMP4, "fragmented mp4 is not supported")
		case "mdat":
			if m.Mdat != nil {
				return nil, errors.Wrap(ErrMalformedMP4, "more than one mdat")
			}
			m.PayloadOffset = offset + hdrLen
			m.PayloadSize = boxSize - hdrLen
			m.Mdat = &MdatBox{Sources: []fileRange{{Path: path, Offset: m.PayloadOffset, Length: m.PayloadSize}}}
			m.Boxes = append(m.Boxes, m.Mdat)
		default:
			body := make([]byte, boxSize-hdrLen)
			if _, err := f.ReadAt(body, offset+hdrLen); err != nil {
				return nil, errors.Wrapf(ErrMalformedMP4, "reading %s: %v", typ, err)
			}
			if typ != "moov" {
				m.Boxes = append(m.Boxes, &RawBox{BoxType: typ, Body: body})
				break
			}
			if m.Moov != nil {
				return nil, errors.Wrap(ErrMalformedMP4, "more than one moov")
			}
			children, err := parseBoxes(body)
			if err != nil {
				return nil, errors.Wrap(err, "moov")
			}
			m.Moov = &ContainerBox{BoxType: "moov", Children: children}
			if m.Moov.Child("mvex") != nil {
				return nil, errors.Wrap(ErrMalformedMP4, "fragmented mp4 is not supported")
			}
			m.Boxes = append(m.Boxes, m.Moov)
		}
		offset += boxSize
	}
	if m.Moov == nil {
		return nil, errors.Wrap(ErrMalformedMP4, "no moov box")
	}
	if m.Mdat == nil {
		return nil, errors.Wrap(ErrMalformedMP4, "no mdat box")
	}
	return m, nil
}

// Tracks returns the trak boxes in file order.
func (m *mp4File) Tracks() []*ContainerBox {
	var out []*ContainerBox
	for _, c := range m.Moov.Children {
		if t, ok := c.(*ContainerBox); ok && t.BoxType == "trak" {
			out = append(out, t)
		}
	}
	return out
}

// parseBoxes decodes a run of boxes held in memory.
func parseBoxes(data []byte) ([]Box, error) {
	var boxes []Box
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errors.Wrapf(ErrMalformedMP4, "%d stray bytes", len(data))
		}
		size := uint64(binary.BigEndian.Uint32(data))
		typ := string(data[4:8])
		hdrLen := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return nil, errors.Wrapf(ErrMalformedMP4, "%s truncated large size", typ)
			}
			size = binary.BigEndian.Uint64(data[8:])
			hdrLen = 16
		}
		if size < hdrLen || size > uint64(len(data)) {
			return nil, errors.Wrapf(ErrMalformedMP4, "%s has size %d, %d bytes left", typ, size, len(data))
		}
		box, err := decodeBox(typ, data[hdrLen:size])
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
		data = data[size:]
	}
	return boxes, nil
}

func decodeBox(typ string, body []byte) (Box, error) {
	if containerTypes[typ] {
		children, err := parseBoxes(body)
		if err != nil {
			return nil, errors.Wrap(err, typ)
		}
		return &ContainerBox{BoxType: typ, Children: children}, nil
	}
	// Copy so boxes never alias the moov read buffer.
	body = append([]byte(nil), body...)
	r := &tableReader{typ: typ, b: body}
	switch typ {
	case "mvhd", "tkhd", "mdhd":
		return &HeaderBox{BoxType: typ, Body: body}, nil
	case "stts":
		box := &SttsBox{fullBox: r.full()}
		n := r.count(8)
		for i := 0; i < n; i++ {
			box.Entries = append(box.Entries, SttsEntry{Count: r.u32(), Delta: r.u32()})
		}
		return box, r.err
	case "ctts":
		box := &CttsBox{fullBox: r.full()}
		n := r.count(8)
		for i := 0; i < n; i++ {
			box.Entries = append(box.Entries, CttsEntry{Count: r.u32(), Offset: r.u32()})
		}
		return box, r.err
	case "stsc":
		box := &StscBox{fullBox: r.full()}
		n := r.count(12)
		for i := 0; i < n; i++ {
			box.Entries = append(box.Entries, StscEntry{FirstChunk: r.u32(), SamplesPerChunk: r.u32(), DescIndex: r.u32()})
		}
		return box, r.err
	case "stsz":
		box := &StszBox{fullBox: r.full(), SampleSize: r.u32()}
		box.SampleCount = r.u32()
		if box.SampleSize == 0 && r.err == nil {
			if uint64(box.SampleCount)*4 > uint64(len(r.b)-r.off) {
				return nil, errors.Wrapf(ErrMalformedMP4, "stsz claims %d samples", box.SampleCount)
			}
			box.Sizes = make([]uint32, box.SampleCount)
			for i := range box.Sizes {
				box.Sizes[i] = r.u32()
			}
		}
		return box, r.err
	case "stco", "co64":
		box := &ChunkOffsetBox{fullBox: r.full(), Large: typ == "co64"}
		width := 4
		if box.Large {
			width = 8
		}
		n := r.count(width)
		box.Offsets = make([]uint64, 0, n)
		for i := 0; i < n; i++ {
			if box.Large {
				box.Offsets = append(box.Offsets, r.u64())
			} else {
				box.Offsets = append(box.Offsets, uint64(r.u32()))
			}
		}
		return box, r.err
	case "stss":
		box := &StssBox{fullBox: r.full()}
		n := r.count(4)
		box.Samples = make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			box.Samples = append(box.Samples, r.u32())
		}
		return box, r.err
	case "elst":
		box := &ElstBox{fullBox: r.full()}
		width := 12
		if box.Version == 1 {
			width = 20
		}
		n := r.count(width)
		for i := 0; i < n; i++ {
			var e ElstEntry
			if box.Version == 1 {
				e.SegmentDuration = r.u64()
				e.MediaTime = int64(r.u64())
			} else {
				e.SegmentDuration = uint64(r.u32())
				e.MediaTime = int64(int32(r.u32()))
			}
			e.RateInteger = int16(r.u16())
			e.RateFraction = int16(r.u16())
			box.Entries = append(box.Entries, e)
		}
		return box, r.err
	default:
		return &RawBox{BoxType: typ, Body: body}, nil
	}
}

// tableReader reads big-endian fields and latches the first error.
type tableReader struct {
	typ string
	b   []byte
	off int
	err error
}

func (r *tableReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n {
		r.err = errors.Wrapf(ErrMalformedMP4, "%s truncated at byte %d", r.typ, r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *tableReader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *tableReader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *tableReader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *tableReader) full() fullBox {
	v := r.u32()
	return fullBox{Version: uint8(v >> 24), Flags: v & 0xFFFFFF}
}

// count reads an entry count and checks that the entries fit in the box.
func (r *tableReader) count(entrySize int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if uint64(n)*uint64(entrySize) > uint64(len(r.b)-r.off) {
		r.err = errors.Wrapf(ErrMalformedMP4, "%s claims %d entries", r.typ, n)
		return 0
	}
	return int(n)
}

// handlerType returns the hdlr handler_type of a trak, e.g. "vide".
func handlerType(trak *ContainerBox) string {
	mdia := trak.Container("mdia")
	if mdia == nil {
		return ""
	}
	hdlr, ok := mdia.Child("hdlr").(*RawBox)
	if !ok || len(hdlr.Body) < 12 {
		return ""
	}
	return string(hdlr.Body[8:12])
}
