package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/archive"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/storage"
)

// linearBackOff scales the base delay by the attempt number: after attempt n
// fails the next try waits base*n. Pure arithmetic on a counter, so retry
// schedules are deterministic in tests.
type linearBackOff struct {
	base        time.Duration
	maxAttempts int
	attempt     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.maxAttempts {
		return backoff.Stop
	}
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// Pipeline ships one staged chunk at a time: dedupe against the remote,
// transfer with bounded retry, verify, drop the local copy, and only then
// advance the snapshot index. The index must never describe state that is
// not durable remotely.
type Pipeline struct {
	Store       storage.ObjectStore
	MaxAttempts int
	RetryDelay  time.Duration

	// Timer overrides backoff's wall-clock sleeps in tests.
	Timer backoff.Timer
}

// UploadChunk makes chunkPath durable under partsPrefix and promotes the
// staged index at indexPath on success.
func (p *Pipeline) UploadChunk(ctx context.Context, chunkPath, partsPrefix, indexPath string) error {
	base := filepath.Base(chunkPath)
	uri := storage.JoinURI(partsPrefix, base)

	existing, err := p.Store.List(ctx, partsPrefix, base)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	if len(existing) > 0 {
		log.Info().Str("chunk", base).Msg("chunk already durable, skipping upload")
		return p.finish(chunkPath, indexPath)
	}

	fi, err := os.Stat(chunkPath)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	log.Info().
		Str("chunk", base).
		Str("size", humanize.Bytes(uint64(fi.Size()))).
		Msg("uploading chunk")

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(common.ErrInterrupted)
		}
		return p.Store.Upload(ctx, chunkPath, uri)
	}
	notify := func(err error, delay time.Duration) {
		log.Warn().Err(err).Dur("retry_in", delay).Str("chunk", base).Msg("upload attempt failed")
	}
	b := &linearBackOff{base: p.RetryDelay, maxAttempts: p.MaxAttempts}
	if err := backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer); err != nil {
		if ctx.Err() != nil {
			return common.ErrInterrupted
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", common.ErrUploadFailed, base, b.attempt, err)
	}

	durable, err := p.Store.Exists(ctx, uri)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	if !durable {
		return fmt.Errorf("%w: %s missing after upload", common.ErrUploadFailed, base)
	}

	return p.finish(chunkPath, indexPath)
}

// finish removes the local chunk and advances the live index. Runs only once
// the chunk is known durable.
func (p *Pipeline) finish(chunkPath, indexPath string) error {
	if err := os.Remove(chunkPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	if err := archive.PromoteIndex(indexPath); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUploadFailed, err)
	}
	return nil
}
