package uploader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/storage"
)

// Composer folds the staged remote chunks into the final archive object.
// Each pass composes the running target with up to fan-in minus one parts
// (the target itself occupies the first source slot), so the archive's byte
// order always equals emission order no matter how many passes it takes.
type Composer struct {
	Store       storage.ObjectStore
	SettleDelay time.Duration

	// Sleep is swapped for a recorder in tests.
	Sleep func(time.Duration)
}

// Compose assembles every object under partsPrefix into target and deletes
// the parts it consumed. Returns the number of compose calls issued.
func (c *Composer) Compose(ctx context.Context, target, partsPrefix string) (int, error) {
	sleep := c.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	exists, err := c.Store.Exists(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrComposeFailed, err)
	}
	if !exists {
		if err := c.Store.UploadStream(ctx, strings.NewReader(""), target); err != nil {
			return 0, fmt.Errorf("%w: placeholder: %v", common.ErrComposeFailed, err)
		}
	}

	calls := 0
	for {
		if err := ctx.Err(); err != nil {
			return calls, common.ErrInterrupted
		}
		parts, err := c.Store.List(ctx, partsPrefix, "*.tar.gz")
		if err != nil {
			return calls, fmt.Errorf("%w: %v", common.ErrComposeFailed, err)
		}
		if len(parts) == 0 {
			return calls, nil
		}

		batch := parts
		if len(batch) > common.ComposeFanInMax-1 {
			batch = batch[:common.ComposeFanInMax-1]
		}

		sources := make([]string, 0, len(batch)+1)
		sources = append(sources, target)
		sources = append(sources, batch...)
		if err := c.Store.Compose(ctx, target, sources); err != nil {
			return calls, fmt.Errorf("%w: %v", common.ErrComposeFailed, err)
		}
		calls++
		log.Info().Int("parts", len(batch)).Int("pass", calls).Msg("composed batch into archive")

		// Let the composed generation settle before the delete pass.
		sleep(c.SettleDelay)
		if err := c.Store.DeleteMany(ctx, batch); err != nil {
			return calls, fmt.Errorf("%w: cleanup: %v", common.ErrComposeFailed, err)
		}
	}
}
