package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

// Snapshotter turns the difference between the source tree and the snapshot
// index into one gzipped tar chunk. Chunks use 512-byte blocking and are
// byte-concatenable: every chunk except the final one withholds the two
// end-of-archive zero blocks, so appending chunk k+1 directly after chunk k
// yields a single valid tar stream.
type Snapshotter struct {
	SourceRoot   string
	StagingDir   string
	IndexPath    string
	IgnoreDevice bool

	// lastStamp keeps chunk timestamps strictly increasing even when two
	// snapshots land inside the same second.
	lastStamp int64
}

type SnapshotRequest struct {
	Exclusions *Exclusions
	Final      bool
	Label      LabelInfo
	Time       time.Time
}

type SnapshotResult struct {
	ChunkPath     string
	NextIndexPath string
	Increment     int
	Files         int
	Bytes         int64
}

// Snapshot emits one chunk into the staging directory and stages the
// post-snapshot index next to the live one. The live index is NOT advanced
// here; the upload pipeline promotes it once the chunk is durable remotely.
func (s *Snapshotter) Snapshot(ctx context.Context, req SnapshotRequest) (*SnapshotResult, error) {
	idx, err := LoadIndex(s.IndexPath)
	if err != nil {
		return nil, err
	}

	next := NewSnapshotIndex()
	next.Increment = idx.Increment + 1

	stamp := req.Time.Unix()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}
	s.lastStamp = stamp

	chunkPath := filepath.Join(s.StagingDir, fmt.Sprintf("%d_part-1.tar.gz", stamp))
	f, err := os.Create(chunkPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSnapshotFailed, err)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)

	label := req.Label
	label.Increment = next.Increment
	label.Time = req.Time
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: TypeVolumeLabel,
		Name:     label.Render(),
		ModTime:  req.Time.Truncate(time.Second),
		Format:   tar.FormatGNU,
	}); err != nil {
		os.Remove(chunkPath)
		return nil, fmt.Errorf("%w: volume label: %v", common.ErrSnapshotFailed, err)
	}

	res := &SnapshotResult{ChunkPath: chunkPath, Increment: next.Increment}
	err = godirwalk.Walk(s.SourceRoot, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(s.SourceRoot, path)
			if err != nil || rel == "." {
				return err
			}
			return s.visit(tw, idx, next, req, res, path, rel, de)
		},
		Unsorted: false,
	})
	if err != nil {
		tw.Close()
		gzw.Close()
		os.Remove(chunkPath)
		if ctx.Err() != nil {
			return nil, common.ErrInterrupted
		}
		return nil, fmt.Errorf("%w: %v", common.ErrSnapshotFailed, err)
	}

	// Non-final chunks flush the last entry's padding but never the 1024-byte
	// end-of-archive trailer; only the terminal chunk closes the stream.
	if req.Final {
		err = tw.Close()
	} else {
		err = tw.Flush()
	}
	if err == nil {
		err = gzw.Close()
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		os.Remove(chunkPath)
		return nil, fmt.Errorf("%w: %v", common.ErrSnapshotFailed, err)
	}

	nextPath, err := next.WriteNext(s.IndexPath)
	if err != nil {
		os.Remove(chunkPath)
		return nil, fmt.Errorf("%w: %v", common.ErrSnapshotFailed, err)
	}
	res.NextIndexPath = nextPath

	log.Info().
		Int("increment", res.Increment).
		Int("files", res.Files).
		Int64("bytes", res.Bytes).
		Bool("final", req.Final).
		Str("chunk", filepath.Base(chunkPath)).
		Msg("snapshot emitted")

	return res, nil
}

func (s *Snapshotter) visit(tw *tar.Writer, idx, next *SnapshotIndex, req SnapshotRequest, res *SnapshotResult, path, rel string, de *godirwalk.Dirent) error {
	if de.IsDir() {
		if req.Exclusions.SkipDir(rel) {
			return filepath.SkipDir
		}
		fi, err := os.Lstat(path)
		if err != nil {
			return err
		}
		cur := entryFor(fi, "")
		if idx.Changed(rel, cur, s.IgnoreDevice) {
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		}
		next.Entries[rel] = cur
		return nil
	}

	fi, err := os.Lstat(path)
	if err != nil {
		// The instrument may remove temp files mid-walk; the next snapshot
		// settles it.
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if req.Exclusions.SkipFile(rel, fi.ModTime()) {
		return nil
	}

	link := ""
	if de.IsSymlink() {
		link, err = os.Readlink(path)
		if err != nil {
			return err
		}
	}

	cur := entryFor(fi, link)
	if !idx.Changed(rel, cur, s.IgnoreDevice) {
		next.Entries[rel] = cur
		return nil
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return err
	}
	hdr.Name = rel

	if fi.Mode().IsRegular() && fi.Size() > 0 {
		if err := s.writeFile(tw, hdr, path, fi.Size()); err != nil {
			return err
		}
		res.Bytes += fi.Size()
	} else {
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
	}

	res.Files++
	next.Entries[rel] = cur
	return nil
}

func (s *Snapshotter) writeFile(tw *tar.Writer, hdr *tar.Header, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if regions := detectSparse(f, size); regions != nil {
		return writeSparse(tw, hdr, f, size, regions)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	// Hole detection moved the file offset; read via an offset reader.
	n, err := io.CopyN(tw, io.NewSectionReader(f, 0, size), size)
	if err == io.EOF {
		// Shrunk under us; pad so the stream stays block-aligned. The next
		// snapshot re-records the file at its new size.
		_, err = io.CopyN(tw, zeroReader{}, size-n)
	}
	return err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
