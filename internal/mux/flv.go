package mux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	flvHeaderSize = 9
	flvTagHeader  = 11

	tagTypeAudio  byte = 8
	tagTypeVideo  byte = 9
	tagTypeScript byte = 18

	metaDataName = "onMetaData"

	copyBufferSize = 256 * 1024
)

type flvTag struct {
	Type      byte
	Size      uint32
	Timestamp uint32
}

func (t flvTag) marshal() [flvTagHeader]byte {
	var b [flvTagHeader]byte
	b[0] = t.Type
	b[1], b[2], b[3] = byte(t.Size>>16), byte(t.Size>>8), byte(t.Size)
	b[4], b[5], b[6] = byte(t.Timestamp>>16), byte(t.Timestamp>>8), byte(t.Timestamp)
	b[7] = byte(t.Timestamp >> 24)
	// stream id stays zero
	return b
}

func parseTag(b [flvTagHeader]byte) flvTag {
	return flvTag{
		Type:      b[0],
		Size:      uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Timestamp: uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6]) | uint32(b[7])<<24,
	}
}

type flvHeader struct {
	Version byte
	Flags   byte
}

func readFLVHeader(r io.Reader) (flvHeader, error) {
	var b [flvHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return flvHeader{}, wrapCause(ErrMalformedFLV, err, "reading header")
	}
	if string(b[:3]) != "FLV" {
		return flvHeader{}, errors.Wrapf(ErrMalformedFLV, "bad signature %q", b[:3])
	}
	if b[3] != 1 {
		return flvHeader{}, errors.Wrapf(ErrMalformedFLV, "unsupported version %d", b[3])
	}
	if off := binary.BigEndian.Uint32(b[5:]); off != flvHeaderSize {
		return flvHeader{}, errors.Wrapf(ErrMalformedFLV, "data offset %d, want 9", off)
	}
	return flvHeader{Version: b[3], Flags: b[4]}, nil
}

func writeFLVHeader(w io.Writer, h flvHeader) error {
	b := [flvHeaderSize]byte{'F', 'L', 'V', h.Version, h.Flags}
	binary.BigEndian.PutUint32(b[5:], flvHeaderSize)
	_, err := w.Write(b[:])
	return err
}

// nextTag reads a previous-tag-size field followed by a tag header. It
// returns io.EOF when the stream ends cleanly at a tag boundary.
func nextTag(r io.Reader) (flvTag, error) {
	var prev [4]byte
	if _, err := io.ReadFull(r, prev[:]); err != nil {
		if err == io.EOF {
			return flvTag{}, io.EOF
		}
		return flvTag{}, wrapCause(ErrMalformedFLV, err, "reading previous tag size")
	}
	var b [flvTagHeader]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.EOF {
			return flvTag{}, io.EOF
		}
		return flvTag{}, wrapCause(ErrMalformedFLV, err, "reading tag header")
	}
	return parseTag(b), nil
}

// FLVMeta is the onMetaData script tag of a part.
type FLVMeta struct {
	Name  string
	Value AMFValue
}

// Duration returns the duration property of the metadata.
func (m FLVMeta) Duration() (float64, bool) {
	obj, ok := m.Value.(*AMFObject)
	if !ok {
		return 0, false
	}
	v, ok := obj.Get("duration")
	if !ok {
		return 0, false
	}
	d, ok := v.(float64)
	return d, ok
}

func readMetaTag(r io.Reader) (FLVMeta, error) {
	tag, err := nextTag(r)
	if err != nil {
		if err == io.EOF {
			return FLVMeta{}, errors.Wrap(ErrMalformedFLV, "missing metadata tag")
		}
		return FLVMeta{}, err
	}
	if tag.Type != tagTypeScript {
		return FLVMeta{}, errors.Wrapf(ErrMalformedFLV, "first tag has type %d, want script data", tag.Type)
	}
	body := make([]byte, tag.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return FLVMeta{}, wrapCause(ErrMalformedFLV, err, "reading metadata body")
	}
	br := bytes.NewReader(body)
	name, err := DecodeAMF(br)
	if err != nil {
		return FLVMeta{}, err
	}
	s, ok := name.(string)
	if !ok {
		return FLVMeta{}, errors.Wrapf(ErrAMFDecode, "metadata name is %s, want string", amfKind(name))
	}
	if s != metaDataName {
		return FLVMeta{}, errors.Wrapf(ErrMetaTypeMismatch, "metadata tag is %q, want %s", s, metaDataName)
	}
	value, err := DecodeAMF(br)
	if err != nil {
		return FLVMeta{}, errors.Wrap(err, "decoding "+s)
	}
	return FLVMeta{Name: s, Value: value}, nil
}

func encodeMeta(m FLVMeta) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeAMF(&buf, m.Name); err != nil {
		return nil, err
	}
	if err := EncodeAMF(&buf, m.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// MergeFLV concatenates FLV parts. The first part's metadata is kept with
// its duration replaced by the sum of all parts; media tags are streamed in
// order. A part whose timeline restarts below the last written timestamp is
// shifted to continue after it.
func MergeFLV(ctx context.Context, inputs []string, output string) (Stats, error) {
	files := make([]*os.File, 0, len(inputs))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	readers := make([]*bufio.Reader, 0, len(inputs))
	headers := make([]flvHeader, 0, len(inputs))
	metas := make([]FLVMeta, 0, len(inputs))
	for i, path := range inputs {
		f, err := os.Open(path)
		if err != nil {
			return Stats{}, partError(i, err)
		}
		files = append(files, f)
		r := bufio.NewReaderSize(f, copyBufferSize)
		h, err := readFLVHeader(r)
		if err != nil {
			return Stats{}, partError(i, err)
		}
		meta, err := readMetaTag(r)
		if err != nil {
			return Stats{}, partError(i, err)
		}
		readers = append(readers, r)
		headers = append(headers, h)
		metas = append(metas, meta)
	}

	var total float64
	for i, m := range metas {
		if m.Name != metas[0].Name {
			return Stats{}, partError(i, errors.Wrapf(ErrMetaTypeMismatch, "metadata %q, first part has %q", m.Name, metas[0].Name))
		}
		if k, k0 := amfKind(m.Value), amfKind(metas[0].Value); k != k0 {
			return Stats{}, partError(i, errors.Wrapf(ErrMetaTypeMismatch, "metadata is %s, first part has %s", k, k0))
		}
		d, ok := m.Duration()
		if !ok {
			return Stats{}, partError(i, errors.Wrap(ErrMetaTypeMismatch, "metadata has no numeric duration"))
		}
		total += d
	}
	merged := metas[0]
	merged.Value.(*AMFObject).Set("duration", total)
	metaBody, err := encodeMeta(merged)
	if err != nil {
		return Stats{}, partError(0, err)
	}

	header := headers[0]
	for _, h := range headers[1:] {
		header.Flags |= h.Flags
	}

	st := Stats{Parts: len(inputs), Duration: total}
	err = writeAtomically(output, func(out io.Writer) error {
		cw := &countingWriter{w: out}
		w := bufio.NewWriterSize(cw, copyBufferSize)
		if err := writeFLVHeader(w, header); err != nil {
			return err
		}
		var prevSize uint32
		writeTag := func(t flvTag, body io.Reader) error {
			var prev [4]byte
			binary.BigEndian.PutUint32(prev[:], prevSize)
			if _, err := w.Write(prev[:]); err != nil {
				return err
			}
			hb := t.marshal()
			if _, err := w.Write(hb[:]); err != nil {
				return err
			}
			if _, err := io.CopyN(w, body, int64(t.Size)); err != nil {
				return err
			}
			prevSize = flvTagHeader + t.Size
			return nil
		}
		if err := writeTag(flvTag{Type: tagTypeScript, Size: uint32(len(metaBody))}, bytes.NewReader(metaBody)); err != nil {
			return err
		}

		var last uint32
		for i, r := range readers {
			var shift uint32
			first := true
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				tag, err := nextTag(r)
				if err == io.EOF {
					break
				}
				if err != nil {
					return partError(i, err)
				}
				if first {
					if i > 0 && tag.Timestamp < last {
						shift = last
					}
					first = false
				}
				tag.Timestamp += shift
				if err := writeTag(tag, r); err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
						return partError(i, errors.Wrap(ErrMalformedFLV, "truncated tag body"))
					}
					return err
				}
				last = tag.Timestamp
				st.Tags++
			}
		}

		var trailer [4]byte
		binary.BigEndian.PutUint32(trailer[:], prevSize)
		if _, err := w.Write(trailer[:]); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		st.Bytes = cw.n
		return nil
	})
	if err != nil {
		return Stats{}, partError(-1, err)
	}
	return st, nil
}
