package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/archive"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/storage"
)

const indexFileName = "index.json"

var completionSentinels = []string{"RTAComplete.txt", "RTAComplete.xml"}

// Controller drives one run end to end: pre-flight, the poll/measure loop,
// snapshot and upload per increment, the final snapshot once the instrument
// signals completion, composition, and sidecar publication. Single-threaded
// by design; uploads for a run are strictly serial.
type Controller struct {
	Cfg   common.Config
	Plat  common.Platform
	Store storage.ObjectStore
	Run   common.Run

	// SyncFS is the pre-final filesystem sync hint; swapped out in tests.
	SyncFS func()

	stagingDir string
	lock       *flock.Flock
	cleaned    bool
}

func NewController(cfg common.Config, plat common.Platform, store storage.ObjectStore, run common.Run) *Controller {
	return &Controller{
		Cfg:    cfg,
		Plat:   plat,
		Store:  store,
		Run:    run,
		SyncFS: func() { syscall.Sync() },
	}
}

// Execute runs the state machine to completion. A nil return means the final
// archive and sidecars are durable (or already were), or that another
// controller holds the run's staging lock. Staging is removed on
// success and on interruption; retained on every other failure so a later
// invocation can resume from the persisted index.
func (c *Controller) Execute(ctx context.Context) error {
	started := time.Now()

	if fi, err := os.Stat(c.Run.SourcePath); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: source %s is not a directory", common.ErrBadArguments, c.Run.SourcePath)
	}

	sidecars := &Sidecars{Store: c.Store, Run: c.Run, Table: c.Cfg.TerraTableName}
	finalURI := sidecars.FinalObjectURI()

	// The idempotent short-circuit comes before the staleness check: a run
	// that was finalized long ago must re-enter cleanly, not abort as stale.
	exists, err := c.Store.Exists(ctx, finalURI)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	if exists {
		log.Info().Str("object", finalURI).Msg("final archive already exists, nothing to do")
		return nil
	}

	if err := c.staleCheck(); err != nil {
		return err
	}

	if err := c.initStaging(); err != nil {
		return err
	}
	if c.lock == nil {
		// Another controller holds the run; it will finish the job.
		return nil
	}

	if err := c.uploadSideloads(ctx); err != nil {
		return c.fail(err)
	}

	snapshotter := &archive.Snapshotter{
		SourceRoot:   c.Run.SourcePath,
		StagingDir:   c.stagingDir,
		IndexPath:    filepath.Join(c.stagingDir, indexFileName),
		IgnoreDevice: c.Cfg.IgnoreDeviceNumbers,
	}
	pipeline := &Pipeline{
		Store:       c.Store,
		MaxAttempts: c.Cfg.RetryMaxAttempts,
		RetryDelay:  c.Cfg.RetryDelay,
	}
	composer := &Composer{Store: c.Store, SettleDelay: c.Cfg.PostComposeDelay}
	partsPrefix := storage.JoinURI(c.Run.DestinationPrefix, c.Run.ID, "parts")

	prov := NewProvenance(c.Run, c.Plat, c.Cfg, started)

	var (
		sizeAtLastCheck int64
		lastSize        int64
		increments      int
	)

	for {
		if c.completionSentinelPresent() {
			break
		}
		if time.Since(started) > c.Cfg.RunCompletionTimeout {
			return c.fail(fmt.Errorf("%w: run did not complete within %s",
				common.ErrRunTimeout, c.Cfg.RunCompletionTimeout))
		}

		c.SyncFS()
		if err := sleepCtx(ctx, c.Cfg.DelayBetweenIncrements); err != nil {
			return c.fail(err)
		}

		size, err := TreeSize(c.Run.SourcePath, !c.Cfg.IgnoreDeviceNumbers)
		if err != nil {
			return c.fail(fmt.Errorf("%w: measuring source: %v", common.ErrSnapshotFailed, err))
		}
		lastSize = size
		log.Debug().
			Str("size", humanize.Bytes(uint64(size))).
			Str("since_last", humanize.Bytes(uint64(size-sizeAtLastCheck))).
			Msg("measured source tree")

		if size-sizeAtLastCheck < c.Cfg.ChunkSizeBytes() {
			continue
		}

		res, err := c.snapshotAndUpload(ctx, snapshotter, pipeline, partsPrefix, false)
		if err != nil {
			return c.fail(err)
		}
		increments = res.Increment
		sizeAtLastCheck = size
	}

	// Completion sentinel observed: give the instrument's last writes a
	// moment to land, then take the catch-everything snapshot.
	log.Info().Str("run", c.Run.ID).Msg("completion sentinel present, taking final snapshot")
	c.SyncFS()
	if err := sleepCtx(ctx, c.Cfg.QuiescePeriod); err != nil {
		return c.fail(err)
	}

	res, err := c.snapshotAndUpload(ctx, snapshotter, pipeline, partsPrefix, true)
	if err != nil {
		return c.fail(err)
	}
	increments = res.Increment

	if _, err := composer.Compose(ctx, finalURI, partsPrefix); err != nil {
		return c.fail(err)
	}

	finished := time.Now()
	prov.FinishedAt = finished.UTC().Format(time.RFC3339)
	prov.DurationSeconds = int64(finished.Sub(started).Seconds())
	prov.Increments = increments
	prov.SourceBytes = lastSize
	if prov.SourceBytes == 0 {
		if size, err := TreeSize(c.Run.SourcePath, !c.Cfg.IgnoreDeviceNumbers); err == nil {
			prov.SourceBytes = size
		}
	}
	if err := sidecars.EmitAll(ctx, prov); err != nil {
		return c.fail(err)
	}

	c.cleanup()
	log.Info().
		Str("run", c.Run.ID).
		Str("archive", finalURI).
		Int("increments", increments).
		Str("duration", finished.Sub(started).Truncate(time.Second).String()).
		Msg("run upload complete")
	return nil
}

// staleCheck refuses runs whose RunInfo.xml predates the completion window;
// those were abandoned by the instrument and will never produce a sentinel.
func (c *Controller) staleCheck() error {
	info, err := os.Stat(filepath.Join(c.Run.SourcePath, "RunInfo.xml"))
	if err != nil {
		return fmt.Errorf("%w: RunInfo.xml missing from %s", common.ErrStaleRun, c.Run.SourcePath)
	}
	if age := time.Since(info.ModTime()); age > c.Cfg.RunCompletionTimeout {
		return fmt.Errorf("%w: RunInfo.xml is %s old (limit %s)",
			common.ErrStaleRun, age.Truncate(time.Hour), c.Cfg.RunCompletionTimeout)
	}
	return nil
}

// initStaging creates the per-run staging directory and takes the exclusivity
// lock. A held lock means another controller owns the run; c.lock stays nil
// and the caller short-circuits.
func (c *Controller) initStaging() error {
	c.stagingDir = filepath.Join(c.Cfg.StagingRoot, c.Run.ID)
	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return fmt.Errorf("%w: staging: %v", common.ErrMissingDependency, err)
	}
	lock := flock.New(filepath.Join(c.stagingDir, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: staging lock: %v", common.ErrMissingDependency, err)
	}
	if !held {
		log.Info().Str("run", c.Run.ID).Msg("another uploader already owns this run")
		return nil
	}
	c.lock = lock
	return nil
}

// uploadSideloads copies SampleSheet.csv and RunInfo.xml as standalone
// objects. SampleSheet.csv is optional on some instruments; RunInfo.xml was
// verified by the stale check. Already-uploaded copies are left alone.
func (c *Controller) uploadSideloads(ctx context.Context) error {
	for _, name := range []string{"SampleSheet.csv", "RunInfo.xml"} {
		local := filepath.Join(c.Run.SourcePath, name)
		if _, err := os.Stat(local); err != nil {
			continue
		}
		uri := storage.JoinURI(c.Run.DestinationPrefix, c.Run.ID, c.Run.ID+"_"+name)
		exists, err := c.Store.Exists(ctx, uri)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
		}
		if exists {
			continue
		}
		if err := c.Store.Upload(ctx, local, uri); err != nil {
			return fmt.Errorf("%w: sideload %s: %v", common.ErrUploadFailed, name, err)
		}
		log.Info().Str("object", uri).Msg("sideloaded run metadata")
	}
	return nil
}

func (c *Controller) snapshotAndUpload(ctx context.Context, s *archive.Snapshotter, p *Pipeline, partsPrefix string, final bool) (*archive.SnapshotResult, error) {
	now := time.Now()
	excl := archive.PlanExclusions(c.Run.SourcePath, c.Cfg.Exclusions, final, now, common.RecentFileWindow)
	res, err := s.Snapshot(ctx, archive.SnapshotRequest{
		Exclusions: excl,
		Final:      final,
		Time:       now,
		Label: archive.LabelInfo{
			RunID: c.Run.ID,
			Host:  c.Plat.Host,
			User:  c.Plat.User,
			IP:    c.Plat.IP,
			Cron:  c.Cfg.CronInvoked,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := p.UploadChunk(ctx, res.ChunkPath, partsPrefix, s.IndexPath); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Controller) completionSentinelPresent() bool {
	for _, name := range completionSentinels {
		if _, err := os.Stat(filepath.Join(c.Run.SourcePath, name)); err == nil {
			return true
		}
	}
	return false
}

// fail routes errors through the staging policy: interruption cleans staging
// (the operator asked us to go away), everything else retains it so a rerun
// can resume from the persisted index.
func (c *Controller) fail(err error) error {
	if err == nil {
		return nil
	}
	if isInterrupted(err) {
		c.cleanup()
		return common.ErrInterrupted
	}
	c.releaseLock()
	return err
}

func isInterrupted(err error) bool {
	return errors.Is(err, common.ErrInterrupted) || errors.Is(err, context.Canceled)
}

// cleanup removes the staging directory, snapshot index included. Idempotent;
// runs on success and on interruption.
func (c *Controller) cleanup() {
	if c.cleaned {
		return
	}
	c.cleaned = true
	c.releaseLock()
	if c.stagingDir != "" {
		if err := os.RemoveAll(c.stagingDir); err != nil {
			log.Warn().Err(err).Str("dir", c.stagingDir).Msg("failed to remove staging directory")
		}
	}
}

func (c *Controller) releaseLock() {
	if c.lock != nil {
		c.lock.Unlock()
		c.lock = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return common.ErrInterrupted
	case <-t.C:
		return nil
	}
}
