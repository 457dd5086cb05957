package downloader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// validateOutputFile checks the magic bytes of a finished file against its
// extension. Unknown extensions pass.
func validateOutputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("stat output: %w", err))
	}
	if info.Size() == 0 {
		return wrapCategory(CategoryMerge, fmt.Errorf("output file %s is empty", path))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".flv":
		return validateFLV(path)
	case ".mp4", ".m4v", ".mov":
		return validateMP4(path)
	case ".webm", ".mkv":
		return validateEBML(path)
	case ".ts":
		return validateMPEGTS(path)
	default:
		return nil
	}
}

func readHeader(path string, size int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := make([]byte, size)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:n], nil
}

func validateFLV(path string) error {
	header, err := readHeader(path, 9)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read flv header: %w", err))
	}
	if len(header) < 9 || string(header[:3]) != "FLV" || header[3] != 1 {
		return wrapCategory(CategoryMerge, errors.New("invalid flv header"))
	}
	return nil
}

// validateMP4 walks the top-level boxes looking for ftyp and moov.
func validateMP4(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("open mp4: %w", err))
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("stat mp4: %w", err))
	}

	var (
		offset  int64
		hdr     [16]byte
		seen    = map[string]bool{}
		boxType string
	)
	for offset < info.Size() {
		if _, err := file.ReadAt(hdr[:8], offset); err != nil {
			return wrapCategory(CategoryMerge, fmt.Errorf("read mp4 box at %d: %w", offset, err))
		}
		size := int64(binary.BigEndian.Uint32(hdr[:4]))
		boxType = string(hdr[4:8])
		switch size {
		case 0:
			size = info.Size() - offset
		case 1:
			if _, err := file.ReadAt(hdr[8:16], offset+8); err != nil {
				return wrapCategory(CategoryMerge, fmt.Errorf("read mp4 box at %d: %w", offset, err))
			}
			size = int64(binary.BigEndian.Uint64(hdr[8:16]))
		}
		if size < 8 {
			return wrapCategory(CategoryMerge, fmt.Errorf("invalid mp4 box size %d at %d", size, offset))
		}
		if offset == 0 && boxType != "ftyp" {
			return wrapCategory(CategoryMerge, errors.New("invalid mp4 header"))
		}
		seen[boxType] = true
		offset += size
	}
	if !seen["moov"] {
		return wrapCategory(CategoryMerge, errors.New("missing moov atom"))
	}
	return nil
}

func validateEBML(path string) error {
	header, err := readHeader(path, 4)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read ebml header: %w", err))
	}
	if len(header) < 4 || binary.BigEndian.Uint32(header) != 0x1A45DFA3 {
		return wrapCategory(CategoryMerge, errors.New("invalid matroska header"))
	}
	return nil
}

func validateMPEGTS(path string) error {
	header, err := readHeader(path, 189)
	if err != nil {
		return wrapCategory(CategoryFilesystem, fmt.Errorf("read ts header: %w", err))
	}
	if len(header) < 1 || header[0] != 0x47 {
		return wrapCategory(CategoryMerge, errors.New("invalid transport stream header"))
	}
	if len(header) >= 189 && header[188] != 0x47 {
		return wrapCategory(CategoryMerge, errors.New("invalid transport stream sync"))
	}
	return nil
}
