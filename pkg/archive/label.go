package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// maxLabelLen is the tar volume header name limit.
const maxLabelLen = 99

// TypeVolumeLabel is the GNU tar typeflag of a volume header ('V'); the
// standard library's archive/tar has no named constant for it.
const TypeVolumeLabel = 'V'

// LabelInfo is the provenance stamped into each chunk's volume header.
type LabelInfo struct {
	RunID     string
	Time      time.Time
	Increment int
	Host      string
	User      string
	IP        string
	Cron      bool
}

type labelJSON struct {
	R  string `json:"r"`
	T  int64  `json:"t"`
	I  int    `json:"i"`
	H  string `json:"h"`
	U  string `json:"u"`
	IP string `json:"ip"`
	C  int    `json:"c"`
}

// Render produces the label string, at most 99 bytes. Compact JSON is
// preferred; when identity fields push it over the limit it degrades to a
// pipe-delimited form, then a gzip+base64 form of the full JSON, and last a
// pipe-delimited form of run id, time and increment only.
func (l LabelInfo) Render() string {
	cron := 0
	if l.Cron {
		cron = 1
	}
	j := labelJSON{
		R:  shortRunID(l.RunID),
		T:  l.Time.Unix(),
		I:  l.Increment,
		H:  l.Host,
		U:  l.User,
		IP: l.IP,
		C:  cron,
	}

	raw, err := json.Marshal(j)
	if err == nil && len(raw) <= maxLabelLen {
		return string(raw)
	}

	piped := fmt.Sprintf("%s|%d|%d|%s|%s|%s|%d", j.R, j.T, j.I, j.H, j.U, j.IP, j.C)
	if len(piped) <= maxLabelLen {
		return piped
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(raw)
	gz.Close()
	packed := "gz:" + base64.StdEncoding.EncodeToString(buf.Bytes())
	if len(packed) <= maxLabelLen {
		return packed
	}
	// Pathological identity strings: keep the machine-significant fields.
	return fmt.Sprintf("%s|%d|%d", j.R, j.T, j.I)
}

func shortRunID(id string) string {
	const max = 24
	if len(id) <= max {
		return id
	}
	return id[:max]
}
