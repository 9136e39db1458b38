package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

// IndexEntry is the identity of a file version as last emitted to the remote.
type IndexEntry struct {
	Dev     uint64 `json:"dev"`
	Ino     uint64 `json:"ino"`
	MtimeNs int64  `json:"mtime_ns"`
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
	Link    string `json:"link,omitempty"`
}

// SnapshotIndex records what previous snapshots already shipped. It is the
// single source of truth for delta computation and only ever reflects state
// that is durable remotely (see the pipeline's promote step).
type SnapshotIndex struct {
	Increment int                   `json:"increment"`
	Entries   map[string]IndexEntry `json:"entries"`
}

func NewSnapshotIndex() *SnapshotIndex {
	return &SnapshotIndex{Entries: map[string]IndexEntry{}}
}

// LoadIndex reads the persisted index. A missing file yields an empty index;
// an unreadable one is ErrIndexCorrupt since guessing would re-ship or skip
// data.
func LoadIndex(path string) (*SnapshotIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewSnapshotIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIndexCorrupt, err)
	}
	idx := NewSnapshotIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIndexCorrupt, err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]IndexEntry{}
	}
	return idx, nil
}

// entryFor captures the comparable identity of an on-disk file.
func entryFor(fi os.FileInfo, link string) IndexEntry {
	st := fi.Sys().(*syscall.Stat_t)
	return IndexEntry{
		Dev:     uint64(st.Dev),
		Ino:     uint64(st.Ino),
		MtimeNs: fi.ModTime().UnixNano(),
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode()),
		Link:    link,
	}
}

// Changed reports whether the on-disk entry differs from what the index has.
// Device comparison is skipped when ignoreDevice is set (NFS remounts
// renumber devices and would otherwise mark the whole tree dirty).
func (idx *SnapshotIndex) Changed(rel string, cur IndexEntry, ignoreDevice bool) bool {
	prev, ok := idx.Entries[rel]
	if !ok {
		return true
	}
	if !ignoreDevice && prev.Dev != cur.Dev {
		return true
	}
	return prev.Ino != cur.Ino ||
		prev.MtimeNs != cur.MtimeNs ||
		prev.Size != cur.Size ||
		prev.Mode != cur.Mode ||
		prev.Link != cur.Link
}

// NextIndexPath is where a freshly-computed index waits until its chunk is
// durable remotely.
func NextIndexPath(indexPath string) string {
	return indexPath + ".next"
}

// WriteNext persists idx as the staged successor of indexPath. The write is
// atomic (sibling tempfile + rename) but deliberately does NOT touch
// indexPath itself; PromoteIndex does that after the chunk uploads.
func (idx *SnapshotIndex) WriteNext(indexPath string) (string, error) {
	data, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}
	dir := filepath.Dir(indexPath)
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	next := NextIndexPath(indexPath)
	if err := os.Rename(tmp.Name(), next); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to stage index: %w", err)
	}
	return next, nil
}

// PromoteIndex advances the live index to the staged successor. Callers must
// only do this once the matching chunk is durable in the remote store.
func PromoteIndex(indexPath string) error {
	if err := os.Rename(NextIndexPath(indexPath), indexPath); err != nil {
		return fmt.Errorf("failed to promote index: %w", err)
	}
	return nil
}
