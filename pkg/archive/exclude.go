package archive

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Exclusions is the materialized exclusion decision for one snapshot. Static
// name exclusions always apply; the dynamic rules (latest base-call cycle,
// recently-touched files) only apply while the run is still being written.
type Exclusions struct {
	names        map[string]struct{}
	paths        map[string]struct{}
	recentCutoff time.Time
	final        bool
}

// PlanExclusions computes the exclusion set for a snapshot of sourceRoot.
// When final is true no dynamic exclusions apply, so everything previously
// deferred is caught by the last chunk. recentWindow is how far back a file
// mtime must be before a non-final snapshot will take it.
func PlanExclusions(sourceRoot string, static []string, final bool, now time.Time, recentWindow time.Duration) *Exclusions {
	e := &Exclusions{
		names: map[string]struct{}{},
		paths: map[string]struct{}{},
		final: final,
	}
	for _, name := range static {
		if name != "" {
			e.names[name] = struct{}{}
		}
	}
	if final {
		return e
	}
	e.recentCutoff = now.Add(-recentWindow)
	for _, rel := range latestCycleDirs(sourceRoot) {
		e.paths[rel] = struct{}{}
	}
	return e
}

// SkipDir reports whether a whole directory subtree is excluded.
func (e *Exclusions) SkipDir(rel string) bool {
	if _, ok := e.names[filepath.Base(rel)]; ok {
		return true
	}
	_, ok := e.paths[rel]
	return ok
}

// SkipFile reports whether a single file is excluded from this snapshot.
func (e *Exclusions) SkipFile(rel string, mtime time.Time) bool {
	if _, ok := e.names[filepath.Base(rel)]; ok {
		return true
	}
	if e.final {
		return false
	}
	return mtime.After(e.recentCutoff)
}

// Patterns renders the exclusion set for provenance reporting.
func (e *Exclusions) Patterns() []string {
	var out []string
	for name := range e.names {
		out = append(out, name)
	}
	for rel := range e.paths {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// latestCycleDirs finds the highest C<major>.<minor> cycle across all lanes
// under Data/Intensities/BaseCalls and returns its relative path in every
// lane where it exists. The instrument is still writing that cycle, so
// packaging it now would ship partial base-call files.
func latestCycleDirs(sourceRoot string) []string {
	baseCalls := filepath.Join(sourceRoot, "Data", "Intensities", "BaseCalls")
	lanes, err := filepath.Glob(filepath.Join(baseCalls, "L*"))
	if err != nil || len(lanes) == 0 {
		return nil
	}

	type cycle struct{ major, minor int }
	var top cycle
	found := false
	for _, lane := range lanes {
		dirs, err := os.ReadDir(lane)
		if err != nil {
			continue
		}
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			c, ok := parseCycle(d.Name())
			if !ok {
				continue
			}
			if !found || c.major > top.major || (c.major == top.major && c.minor > top.minor) {
				top = c
				found = true
			}
		}
	}
	if !found {
		return nil
	}

	cycleName := "C" + strconv.Itoa(top.major) + "." + strconv.Itoa(top.minor)
	var out []string
	for _, lane := range lanes {
		dir := filepath.Join(lane, cycleName)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			rel, err := filepath.Rel(sourceRoot, dir)
			if err == nil {
				out = append(out, rel)
			}
		}
	}
	sort.Strings(out)
	return out
}

func parseCycle(name string) (struct{ major, minor int }, bool) {
	var c struct{ major, minor int }
	rest, ok := strings.CutPrefix(name, "C")
	if !ok {
		return c, false
	}
	majorStr, minorStr, ok := strings.Cut(rest, ".")
	if !ok {
		return c, false
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return c, false
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return c, false
	}
	c.major, c.minor = major, minor
	return c, true
}
