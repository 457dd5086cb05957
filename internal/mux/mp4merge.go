package mux

import (
	"bufio"
	"context"
	"io"
	"math"

	"github.com/pkg/errors"
)

// MergeMP4 concatenates non-fragmented MP4 parts. The first part supplies
// the box layout; its moov is rewritten so that every track's sample tables
// cover the samples of all parts, and its mdat is replaced by the payloads
// of all parts in order.
func MergeMP4(ctx context.Context, inputs []string, output string) (Stats, error) {
	parts := make([]*mp4File, len(inputs))
	for i, path := range inputs {
		p, err := openMP4(path)
		if err != nil {
			return Stats{}, partError(i, err)
		}
		parts[i] = p
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, partError(-1, err)
	}

	base := parts[0]
	baseTracks := base.Tracks()
	if len(baseTracks) == 0 {
		return Stats{}, partError(0, errors.Wrap(ErrTrackLayout, "no tracks"))
	}
	tracks := make([][]*ContainerBox, len(parts))
	for i, p := range parts {
		tracks[i] = p.Tracks()
		if len(tracks[i]) != len(baseTracks) {
			return Stats{}, partError(i, errors.Wrapf(ErrTrackLayout, "%d tracks, first part has %d", len(tracks[i]), len(baseTracks)))
		}
		for j, trak := range tracks[i] {
			got, want := handlerType(trak), handlerType(baseTracks[j])
			if got == "" || got != want {
				return Stats{}, partError(i, errors.Wrapf(ErrTrackLayout, "track %d handler %q, first part has %q", j, got, want))
			}
		}
	}

	movieScale, err := sumHeaders(parts, func(p *mp4File, _ int) *ContainerBox { return p.Moov }, "mvhd")
	if err != nil {
		return Stats{}, err
	}

	// chunk offsets relative to the start of the concatenated payload
	var fixes []offsetFix
	st := Stats{Parts: len(parts)}
	for j := range baseTracks {
		trackOf := func(p *mp4File, i int) *ContainerBox { return tracks[i][j] }
		if _, err := sumHeaders(parts, trackOf, "tkhd"); err != nil {
			return Stats{}, err
		}
		mediaOf := func(p *mp4File, i int) *ContainerBox { return tracks[i][j].Container("mdia") }
		if _, err := sumHeaders(parts, mediaOf, "mdhd"); err != nil {
			return Stats{}, err
		}
		mergeEditLists(tracks, j)
		fix, samples, err := mergeSampleTables(parts, tracks, j)
		if err != nil {
			return Stats{}, err
		}
		fixes = append(fixes, fix)
		st.Samples = append(st.Samples, samples)
	}

	sources := make([]fileRange, 0, len(parts))
	for _, p := range parts {
		sources = append(sources, p.Mdat.Sources...)
	}
	base.Mdat.Sources = sources
	resolveChunkOffsets(base, fixes)

	if mvhd, ok := base.Moov.Child("mvhd").(*HeaderBox); ok && movieScale > 0 {
		if d, err := mvhd.Duration(); err == nil {
			st.Duration = float64(d) / float64(movieScale)
		}
	}

	err = writeAtomically(output, func(out io.Writer) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		cw := &countingWriter{w: out}
		w := bufio.NewWriterSize(cw, copyBufferSize)
		for _, b := range base.Boxes {
			if _, err := b.WriteTo(w); err != nil {
				return err
			}
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

// sumHeaders adds up the duration of the named header box found under
// parent(p, i) for every part and stores it in the first part's box. For
// mvhd and mdhd the timescales must agree; the shared timescale is returned.
func sumHeaders(parts []*mp4File, parent func(*mp4File, int) *ContainerBox, typ string) (uint32, error) {
	var (
		total uint64
		scale uint32
		boxes = make([]*HeaderBox, len(parts))
	)
	for i, p := range parts {
		c := parent(p, i)
		if c == nil {
			return 0, partError(i, errors.Wrapf(ErrMalformedMP4, "missing parent of %s", typ))
		}
		h, ok := c.Child(typ).(*HeaderBox)
		if !ok {
			return 0, partError(i, errors.Wrapf(ErrMalformedMP4, "missing %s", typ))
		}
		boxes[i] = h
		d, err := h.Duration()
		if err != nil {
			return 0, partError(i, err)
		}
		total += d
		if typ == "tkhd" {
			continue
		}
		ts, err := h.Timescale()
		if err != nil {
			return 0, partError(i, err)
		}
		if i == 0 {
			scale = ts
		} else if ts != scale {
			return 0, partError(i, errors.Wrapf(ErrTrackLayout, "%s timescale %d, first part has %d", typ, ts, scale))
		}
	}
	if err := boxes[0].SetDuration(total); err != nil {
		return 0, partError(0, err)
	}
	return scale, nil
}

// mergeEditLists sums single-entry edit lists. Any other shape cannot be
// expressed for the joined track, so the edts box is dropped.
func mergeEditLists(tracks [][]*ContainerBox, j int) {
	base := tracks[0][j]
	if base.Child("edts") == nil {
		return
	}
	var (
		total uint64
		ok    = true
	)
	for i := range tracks {
		edts := tracks[i][j].Container("edts")
		if edts == nil {
			ok = false
			break
		}
		elst, isElst := edts.Child("elst").(*ElstBox)
		if !isElst || len(elst.Entries) != 1 {
			ok = false
			break
		}
		total += elst.Entries[0].SegmentDuration
	}
	if !ok {
		base.Remove("edts")
		return
	}
	elst := base.Container("edts").Child("elst").(*ElstBox)
	elst.Entries[0].SegmentDuration = total
	if total > math.MaxUint32 {
		elst.Version = 1
	}
}

type offsetFix struct {
	box *ChunkOffsetBox
	rel []uint64
}

type stbl struct {
	stts *SttsBox
	ctts *CttsBox
	stsc *StscBox
	stsz *StszBox
	stco *ChunkOffsetBox
	stss *StssBox
}

func readStbl(trak *ContainerBox) (stbl, error) {
	c := trak.Path("mdia", "minf", "stbl")
	if c == nil {
		return stbl{}, errors.Wrap(ErrMalformedMP4, "track without stbl")
	}
	var t stbl
	for _, b := range c.Children {
		switch v := b.(type) {
		case *SttsBox:
			t.stts = v
		case *CttsBox:
			t.ctts = v
		case *StscBox:
			t.stsc = v
		case *StszBox:
			t.stsz = v
		case *ChunkOffsetBox:
			t.stco = v
		case *StssBox:
			t.stss = v
		}
	}
	if t.stts == nil || t.stsc == nil || t.stsz == nil || t.stco == nil {
		return stbl{}, errors.Wrap(ErrMalformedMP4, "incomplete sample table")
	}
	return t, nil
}

// mergeSampleTables joins track j of every part into the first part's stbl
// and returns the chunk offsets relative to the joined payload.
func mergeSampleTables(parts []*mp4File, tracks [][]*ContainerBox, j int) (offsetFix, int, error) {
	tables := make([]stbl, len(parts))
	for i := range parts {
		t, err := readStbl(tracks[i][j])
		if err != nil {
			return offsetFix{}, 0, partError(i, errors.Wrapf(err, "track %d", j))
		}
		tables[i] = t
	}

	stts, err := mergeStts(tables)
	if err != nil {
		return offsetFix{}, 0, err
	}
	stsz := mergeStsz(tables)

	var (
		stsc      = &StscBox{fullBox: tables[0].stsc.fullBox}
		stss      *StssBox
		ctts      *CttsBox
		rel       []uint64
		samples   uint32
		chunks    uint32
		payload   uint64
		needsSync bool
		needsCtts bool
	)
	for _, t := range tables {
		needsSync = needsSync || t.stss != nil
		needsCtts = needsCtts || t.ctts != nil
	}
	if needsSync {
		stss = &StssBox{}
		if tables[0].stss != nil {
			stss.fullBox = tables[0].stss.fullBox
		}
	}
	if needsCtts {
		ctts = &CttsBox{}
		for _, t := range tables {
			if t.ctts != nil {
				ctts.fullBox = t.ctts.fullBox
				break
			}
		}
	}

	for i, t := range tables {
		p := parts[i]
		n := t.stsz.SampleCount
		for _, e := range t.stsc.Entries {
			e.FirstChunk += chunks
			stsc.Entries = append(stsc.Entries, e)
		}
		for _, off := range t.stco.Offsets {
			if off < uint64(p.PayloadOffset) || off > uint64(p.PayloadOffset+p.PayloadSize) {
				return offsetFix{}, 0, partError(i, errors.Wrapf(ErrMalformedMP4, "track %d chunk offset %d outside mdat", j, off))
			}
			rel = append(rel, off-uint64(p.PayloadOffset)+payload)
		}
		if stss != nil {
			if t.stss == nil {
				for k := uint32(1); k <= n; k++ {
					stss.Samples = append(stss.Samples, samples+k)
				}
			} else {
				for _, s := range t.stss.Samples {
					stss.Samples = append(stss.Samples, samples+s)
				}
			}
		}
		if ctts != nil {
			if t.ctts == nil {
				ctts.Entries = append(ctts.Entries, CttsEntry{Count: n})
			} else {
				ctts.Entries = append(ctts.Entries, t.ctts.Entries...)
			}
		}
		samples += n
		chunks += uint32(len(t.stco.Offsets))
		payload += uint64(p.PayloadSize)
	}

	container := tracks[0][j].Path("mdia", "minf", "stbl")
	container.Replace(stts)
	container.Replace(stsz)
	container.Replace(stsc)
	if stss != nil {
		container.Replace(stss)
	}
	if ctts != nil {
		container.Replace(ctts)
	}
	co := &ChunkOffsetBox{fullBox: tables[0].stco.fullBox, Offsets: make([]uint64, len(rel))}
	container.Replace(co)
	return offsetFix{box: co, rel: rel}, int(samples), nil
}

func mergeStts(tables []stbl) (*SttsBox, error) {
	single := true
	for _, t := range tables {
		if len(t.stts.Entries) != 1 {
			single = false
		}
	}
	if single {
		delta := tables[0].stts.Entries[0].Delta
		for i, t := range tables[1:] {
			if t.stts.Entries[0].Delta != delta {
				return nil, partError(i+1, errors.Wrapf(ErrInconsistentFrameRate, "sample delta %d, first part has %d", t.stts.Entries[0].Delta, delta))
			}
		}
	}
	out := &SttsBox{fullBox: tables[0].stts.fullBox}
	for _, t := range tables {
		for _, e := range t.stts.Entries {
			if k := len(out.Entries) - 1; k >= 0 && out.Entries[k].Delta == e.Delta {
				out.Entries[k].Count += e.Count
				continue
			}
			out.Entries = append(out.Entries, e)
		}
	}
	return out, nil
}

func mergeStsz(tables []stbl) *StszBox {
	out := &StszBox{fullBox: tables[0].stsz.fullBox}
	uniform := tables[0].stsz.SampleSize
	for _, t := range tables {
		if t.stsz.SampleSize == 0 || t.stsz.SampleSize != uniform {
			uniform = 0
		}
		out.SampleCount += t.stsz.SampleCount
	}
	if uniform != 0 {
		out.SampleSize = uniform
		return out
	}
	out.Sizes = make([]uint32, 0, out.SampleCount)
	for _, t := range tables {
		for k := 0; k < int(t.stsz.SampleCount); k++ {
			out.Sizes = append(out.Sizes, t.stsz.SizeOf(k))
		}
	}
	return out
}

// resolveChunkOffsets turns relative chunk offsets into absolute ones. The
// payload start depends on the size of every box before mdat, which grows
// when a table is promoted from stco to co64, so layout repeats until no
// further promotion happens.
func resolveChunkOffsets(m *mp4File, fixes []offsetFix) {
	for {
		start := payloadStart(m)
		promoted := false
		for _, fx := range fixes {
			for k, r := range fx.rel {
				v := r + start
				fx.box.Offsets[k] = v
				if v > math.MaxUint32 && !fx.box.Large {
					fx.box.Large = true
					promoted = true
				}
			}
		}
		if !promoted {
			return
		}
	}
}

func payloadStart(m *mp4File) uint64 {
	var pos uint64
	for _, b := range m.Boxes {
		if b == Box(m.Mdat) {
			return pos + boxHeaderLen(m.Mdat.payloadSize())
		}
		pos += b.Size()
	}
	return pos
}
