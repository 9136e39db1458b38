package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/storage"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/uploader"
)

type UploadCmdOptions struct {
	StagingRoot string
}

var uploadOpts = &UploadCmdOptions{}

var UploadCmd = &cobra.Command{
	Use:   "upload <source_path> <destination_prefix>",
	Short: "Incrementally upload a growing sequencer run directory as one tar.gz",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

func init() {
	UploadCmd.Flags().StringVar(&uploadOpts.StagingRoot, "staging", "", "Override the staging directory root")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	plat := common.ProbePlatform()
	if err := plat.Verify(); err != nil {
		return err
	}

	cfg, err := ConfigFromEnv(plat)
	if err != nil {
		return err
	}
	if uploadOpts.StagingRoot != "" {
		cfg.StagingRoot = uploadOpts.StagingRoot
	}

	run := common.NewRun(args[0], args[1])
	if !strings.HasPrefix(run.DestinationPrefix, "gs://") {
		return fmt.Errorf("%w: destination must be a gs:// prefix", common.ErrBadArguments)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		log.Warn().Str("signal", sig.String()).Msg("shutting down, cleaning staging")
		cancel()
		<-sigs
		// Any second signal, however late: leave immediately, staging
		// intact.
		os.Exit(1)
	}()

	store, err := storage.NewGCSStore(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrMissingDependency, err)
	}
	defer store.Close()

	log.Info().
		Str("run", run.ID).
		Str("source", run.SourcePath).
		Str("destination", run.DestinationPrefix).
		Msg("starting run upload")

	return uploader.NewController(cfg, plat, store, run).Execute(ctx)
}

// ConfigFromEnv loads the documented environment knobs over the defaults.
// This is the only place the uploader reads its environment.
func ConfigFromEnv(plat common.Platform) (common.Config, error) {
	cfg := common.DefaultConfig(plat)

	var err error
	if cfg.ChunkSizeMB, err = envInt64("CHUNK_SIZE_MB", cfg.ChunkSizeMB); err != nil {
		return cfg, err
	}
	if cfg.DelayBetweenIncrements, err = envSeconds("DELAY_BETWEEN_INCREMENTS_SEC", cfg.DelayBetweenIncrements); err != nil {
		return cfg, err
	}
	days, err := envInt64("RUN_COMPLETION_TIMEOUT_DAYS", 16)
	if err != nil {
		return cfg, err
	}
	cfg.RunCompletionTimeout = time.Duration(days) * 24 * time.Hour
	if v := os.Getenv("STAGING_AREA_PATH"); v != "" {
		cfg.StagingRoot = v
	}
	attempts, err := envInt64("RSYNC_RETRY_MAX_ATTEMPTS", int64(cfg.RetryMaxAttempts))
	if err != nil {
		return cfg, err
	}
	cfg.RetryMaxAttempts = int(attempts)
	if cfg.RetryDelay, err = envSeconds("RSYNC_RETRY_DELAY_SEC", cfg.RetryDelay); err != nil {
		return cfg, err
	}
	if v := os.Getenv("TERRA_RUN_TABLE_NAME"); v != "" {
		cfg.TerraTableName = v
	}
	if v := os.Getenv("TAR_EXCLUSIONS"); v != "" {
		cfg.Exclusions = strings.Fields(v)
	}
	if v := os.Getenv("SOURCE_PATH_IS_ON_NFS"); v != "" {
		cfg.IgnoreDeviceNumbers = truthy(v)
	}
	if v := os.Getenv("CRON_INVOKED"); v != "" {
		cfg.CronInvoked = truthy(v)
	}
	return cfg, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", common.ErrBadArguments, key, v)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt64(key, int64(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
