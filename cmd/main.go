package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/commands"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "uploader",
		Short: "Incrementally upload growing sequencer runs to Google Cloud Storage",
		Args:  cobra.ArbitraryArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Historical invocation: uploader <source> <dest> with no
			// subcommand routes to upload.
			if len(args) == 2 {
				return commands.UploadCmd.RunE(cmd, args)
			}
			if err := cmd.Help(); err != nil {
				return err
			}
			if len(args) != 0 {
				return common.ErrBadArguments
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(commands.UploadCmd)

	if err := rootCmd.Execute(); err != nil {
		stderr := zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		stderr.Error().Err(err).Msg("run upload failed")
		os.Exit(1)
	}
}
