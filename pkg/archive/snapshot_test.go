package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

type member struct {
	name     string
	typeflag byte
	content  []byte
}

// readMembers decompresses the byte-concatenation of the given chunks and
// walks the resulting tar stream. The volume label headers are returned
// alongside regular members.
func readMembers(t *testing.T, chunkPaths ...string) []member {
	t.Helper()
	var raw bytes.Buffer
	for _, p := range chunkPaths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		raw.Write(data)
	}
	gz, err := gzip.NewReader(&raw)
	require.NoError(t, err)
	defer gz.Close()

	var members []member
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		require.NoError(t, err)
		m := member{name: hdr.Name, typeflag: hdr.Typeflag}
		if hdr.Typeflag == tar.TypeReg {
			m.content, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
		members = append(members, m)
	}
	return members
}

func fileContents(members []member) map[string][]byte {
	out := map[string][]byte{}
	for _, m := range members {
		if m.typeflag == tar.TypeReg {
			out[m.name] = m.content // later versions win, like extraction does
		}
	}
	return out
}

func newTestSnapshotter(t *testing.T) (*Snapshotter, string) {
	t.Helper()
	source := t.TempDir()
	staging := t.TempDir()
	return &Snapshotter{
		SourceRoot:   source,
		StagingDir:   staging,
		IndexPath:    filepath.Join(staging, "index.json"),
		IgnoreDevice: true,
	}, source
}

func snap(t *testing.T, s *Snapshotter, final bool, at time.Time) *SnapshotResult {
	t.Helper()
	excl := PlanExclusions(s.SourceRoot, common.DefaultExclusions, final, at, common.RecentFileWindow)
	res, err := s.Snapshot(context.Background(), SnapshotRequest{
		Exclusions: excl,
		Final:      final,
		Time:       at,
		Label:      LabelInfo{RunID: "RUNTEST", Host: "h", User: "u", IP: "1.2.3.4"},
	})
	require.NoError(t, err)
	return res
}

func writeFile(t *testing.T, root, rel, content string, age time.Duration) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestFinalSnapshotRoundTrip(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)
	writeFile(t, source, "Data/Intensities/s.locs", "locs-bytes", time.Hour)
	require.NoError(t, os.Symlink("RunInfo.xml", filepath.Join(source, "latest.xml")))

	res := snap(t, s, true, time.Now())
	require.Equal(t, 1, res.Increment)

	members := readMembers(t, res.ChunkPath)
	require.NotEmpty(t, members)
	require.Equal(t, byte(TypeVolumeLabel), members[0].typeflag)
	require.LessOrEqual(t, len(members[0].name), 99)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(members[0].name), &decoded))
	require.Equal(t, "RUNTEST", decoded["r"])
	require.Equal(t, float64(1), decoded["i"])

	contents := fileContents(members)
	require.Equal(t, []byte("<RunInfo/>"), contents["RunInfo.xml"])
	require.Equal(t, []byte("locs-bytes"), contents["Data/Intensities/s.locs"])

	names := map[string]byte{}
	for _, m := range members[1:] {
		names[m.name] = m.typeflag
	}
	require.Equal(t, byte(tar.TypeDir), names["Data/"])
	require.Equal(t, byte(tar.TypeSymlink), names["latest.xml"])
}

func TestChunksConcatenateToSingleArchive(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)
	writeFile(t, source, "Data/cycle1.bcl", "v1", time.Hour)

	res1 := snap(t, s, false, time.Now())
	require.NoError(t, PromoteIndex(s.IndexPath))

	writeFile(t, source, "Data/cycle1.bcl", "v2-longer", time.Hour)
	writeFile(t, source, "Data/cycle2.bcl", "fresh", time.Hour)

	res2 := snap(t, s, true, time.Now().Add(10*time.Minute))
	require.Equal(t, 2, res2.Increment)

	members := readMembers(t, res1.ChunkPath, res2.ChunkPath)
	contents := fileContents(members)
	require.Equal(t, []byte("<RunInfo/>"), contents["RunInfo.xml"])
	require.Equal(t, []byte("v2-longer"), contents["Data/cycle1.bcl"])
	require.Equal(t, []byte("fresh"), contents["Data/cycle2.bcl"])

	// The unchanged file is emitted exactly once.
	count := 0
	for _, m := range members {
		if m.name == "RunInfo.xml" {
			count++
		}
	}
	require.Equal(t, 1, count)

	// Two labels, one per chunk, increments monotonic.
	var labels []string
	for _, m := range members {
		if m.typeflag == TypeVolumeLabel {
			labels = append(labels, m.name)
		}
	}
	require.Len(t, labels, 2)
	for i, label := range labels {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(label), &decoded))
		require.Equal(t, float64(i+1), decoded["i"])
	}
}

func TestTrailerTrimming(t *testing.T) {
	decompress := func(path string) []byte {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		gz, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		out, err := io.ReadAll(gz)
		require.NoError(t, err)
		return out
	}
	allZero := func(b []byte) bool {
		for _, c := range b {
			if c != 0 {
				return false
			}
		}
		return true
	}

	s1, source1 := newTestSnapshotter(t)
	writeFile(t, source1, "RunInfo.xml", "<RunInfo/>", time.Hour)
	partial := decompress(snap(t, s1, false, time.Now()).ChunkPath)
	require.Zero(t, len(partial)%512, "chunks must stay 512-blocked")
	require.False(t, allZero(partial[len(partial)-1024:]),
		"non-final chunk must not carry the end-of-archive trailer")

	s2, source2 := newTestSnapshotter(t)
	writeFile(t, source2, "RunInfo.xml", "<RunInfo/>", time.Hour)
	full := decompress(snap(t, s2, true, time.Now()).ChunkPath)
	require.Zero(t, len(full)%512)
	require.True(t, allZero(full[len(full)-1024:]),
		"final chunk must terminate the archive")
	require.Equal(t, len(partial)+1024, len(full))
}

func TestDeviceRenumberingNotReEmitted(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)
	writeFile(t, source, "Data/a.bcl", "aaaa", time.Hour)

	snap(t, s, false, time.Now())
	require.NoError(t, PromoteIndex(s.IndexPath))

	// Simulate an NFS remount: every recorded device number changes.
	idx, err := LoadIndex(s.IndexPath)
	require.NoError(t, err)
	for rel, e := range idx.Entries {
		e.Dev += 1000
		idx.Entries[rel] = e
	}
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.IndexPath, data, 0o644))

	res := snap(t, s, true, time.Now().Add(10*time.Minute))
	members := readMembers(t, res.ChunkPath)
	for _, m := range members[1:] {
		t.Errorf("unexpected re-emission of %s", m.name)
	}

	// With device comparison active the same delta re-ships everything.
	os.Remove(NextIndexPath(s.IndexPath))
	s.IgnoreDevice = false
	res = snap(t, s, true, time.Now().Add(20*time.Minute))
	require.NotEmpty(t, readMembers(t, res.ChunkPath)[1:])
}

func TestShrunkFileReEmitted(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "Data/a.bcl", "long-original-content", time.Hour)

	snap(t, s, false, time.Now())
	require.NoError(t, PromoteIndex(s.IndexPath))

	writeFile(t, source, "Data/a.bcl", "tiny", time.Hour)
	res := snap(t, s, true, time.Now().Add(10*time.Minute))
	contents := fileContents(readMembers(t, res.ChunkPath))
	require.Equal(t, []byte("tiny"), contents["Data/a.bcl"])
}

func TestExcludedDirsAbsentFromChunkAndIndex(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)
	writeFile(t, source, "Thumbnail_Images/t.jpg", "jpeg", time.Hour)
	writeFile(t, source, "Logs/run.log", "log", time.Hour)

	res := snap(t, s, false, time.Now())
	for name := range fileContents(readMembers(t, res.ChunkPath)) {
		require.NotContains(t, name, "Thumbnail_Images")
		require.NotContains(t, name, "Logs")
	}

	next, err := LoadIndex(res.NextIndexPath)
	require.NoError(t, err)
	for rel := range next.Entries {
		require.NotContains(t, rel, "Thumbnail_Images")
	}
	require.Contains(t, next.Entries, "RunInfo.xml")
}

func TestRecentFileDeferredUntilFinal(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)
	writeFile(t, source, "Data/hot.bcl", "still-writing", 0)

	res1 := snap(t, s, false, time.Now())
	require.NotContains(t, fileContents(readMembers(t, res1.ChunkPath)), "Data/hot.bcl")
	require.NoError(t, PromoteIndex(s.IndexPath))

	res2 := snap(t, s, true, time.Now())
	contents := fileContents(readMembers(t, res1.ChunkPath, res2.ChunkPath))
	require.Equal(t, []byte("still-writing"), contents["Data/hot.bcl"])
}

func TestSnapshotDoesNotAdvanceLiveIndex(t *testing.T) {
	s, source := newTestSnapshotter(t)
	writeFile(t, source, "RunInfo.xml", "<RunInfo/>", time.Hour)

	res := snap(t, s, false, time.Now())
	live, err := LoadIndex(s.IndexPath)
	require.NoError(t, err)
	require.Equal(t, 0, live.Increment, "live index may only advance after durable upload")

	_, err = os.Stat(res.NextIndexPath)
	require.NoError(t, err)
}

func TestSparseFileRoundTrip(t *testing.T) {
	s, source := newTestSnapshotter(t)
	path := filepath.Join(source, "Data", "sparse.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)
	const size = 2 << 20
	require.NoError(t, f.Truncate(size))
	_, err = f.WriteAt([]byte("head-data"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("mid-data"), 1<<20)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	want, err := os.ReadFile(path)
	require.NoError(t, err)

	res := snap(t, s, true, time.Now())
	contents := fileContents(readMembers(t, res.ChunkPath))
	require.Len(t, contents["Data/sparse.dat"], size)
	require.Equal(t, want, contents["Data/sparse.dat"])
}

func TestDetectSparseRegions(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "holes.dat"))
	require.NoError(t, err)
	defer f.Close()

	const size = 1 << 20
	require.NoError(t, f.Truncate(size))
	_, err = f.WriteAt(bytes.Repeat([]byte{0xAB}, 4096), 0)
	require.NoError(t, err)

	regions := detectSparse(f, size)
	if regions == nil {
		t.Skip("filesystem does not report holes")
	}
	require.NotEmpty(t, regions)
	require.Equal(t, int64(0), regions[0].offset)
	var covered int64
	for _, r := range regions {
		covered += r.length
	}
	require.Less(t, covered, int64(size))
}
