package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"syscall"
)

const (
	seekData = 3 // SEEK_DATA
	seekHole = 4 // SEEK_HOLE
)

type sparseRegion struct {
	offset int64
	length int64
}

// detectSparse maps the data regions of f via SEEK_DATA/SEEK_HOLE. Returns
// nil when the file has no holes, has no data region at all, or the
// filesystem cannot report them, in which case the caller stores the file
// verbatim.
func detectSparse(f *os.File, size int64) []sparseRegion {
	if size == 0 {
		return nil
	}
	fd := int(f.Fd())
	var regions []sparseRegion
	off := int64(0)
	for off < size {
		dataStart, err := syscall.Seek(fd, off, seekData)
		if err != nil {
			// ENXIO past the last data region means a trailing hole.
			if errno, ok := err.(syscall.Errno); ok && errno == syscall.ENXIO {
				break
			}
			return nil
		}
		holeStart, err := syscall.Seek(fd, dataStart, seekHole)
		if err != nil {
			return nil
		}
		if holeStart > size {
			holeStart = size
		}
		regions = append(regions, sparseRegion{offset: dataStart, length: holeStart - dataStart})
		off = holeStart
	}
	if len(regions) == 1 && regions[0].offset == 0 && regions[0].length == size {
		return nil
	}
	return regions
}

// writeSparse emits f as a GNU sparse 1.0 member: PAX records carry the real
// name and size, the member payload starts with the newline-delimited region
// map (padded to a full block) followed by the data regions back to back.
// Standard tar readers reassemble the holes transparently.
func writeSparse(tw *tar.Writer, hdr *tar.Header, f *os.File, size int64, regions []sparseRegion) error {
	entries := make([]sparseRegion, len(regions))
	copy(entries, regions)
	if n := len(entries); n == 0 || entries[n-1].offset+entries[n-1].length < size {
		// Trailing hole: GNU convention is a zero-length data entry at EOF.
		entries = append(entries, sparseRegion{offset: size, length: 0})
	}

	var mapBytes []byte
	mapBytes = strconv.AppendInt(mapBytes, int64(len(entries)), 10)
	mapBytes = append(mapBytes, '\n')
	var dataLen int64
	for _, r := range entries {
		mapBytes = strconv.AppendInt(mapBytes, r.offset, 10)
		mapBytes = append(mapBytes, '\n')
		mapBytes = strconv.AppendInt(mapBytes, r.length, 10)
		mapBytes = append(mapBytes, '\n')
		dataLen += r.length
	}
	if pad := len(mapBytes) % 512; pad != 0 {
		mapBytes = append(mapBytes, make([]byte, 512-pad)...)
	}

	realName := hdr.Name
	hdr.Name = path.Join("GNUSparseFile.0", realName)
	hdr.Size = int64(len(mapBytes)) + dataLen
	hdr.Format = tar.FormatPAX
	if hdr.PAXRecords == nil {
		hdr.PAXRecords = map[string]string{}
	}
	hdr.PAXRecords["GNU.sparse.major"] = "1"
	hdr.PAXRecords["GNU.sparse.minor"] = "0"
	hdr.PAXRecords["GNU.sparse.name"] = realName
	hdr.PAXRecords["GNU.sparse.realsize"] = strconv.FormatInt(size, 10)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(mapBytes); err != nil {
		return err
	}
	for _, r := range entries {
		if r.length == 0 {
			continue
		}
		if _, err := io.Copy(tw, io.NewSectionReader(f, r.offset, r.length)); err != nil {
			return fmt.Errorf("failed to copy sparse region at %d: %w", r.offset, err)
		}
	}
	return nil
}
