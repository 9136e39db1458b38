package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/storage"
)

// Version is stamped into provenance; overridden at build time via ldflags.
var Version = "dev"

// Provenance is the upload_metadata.json sidecar: everything an operator
// needs to reconstruct how an archive came to be.
type Provenance struct {
	InvocationID    string   `json:"invocation_id"`
	RunBasename     string   `json:"run_basename"`
	RunPath         string   `json:"run_path"`
	Destination     string   `json:"destination"`
	StartedAt       string   `json:"started_at"`
	FinishedAt      string   `json:"finished_at"`
	DurationSeconds int64    `json:"duration_seconds"`
	Increments      int      `json:"increments"`
	SourceBytes     int64    `json:"source_bytes"`
	Cron            bool     `json:"cron"`
	Host            string   `json:"host"`
	User            string   `json:"user"`
	IP              string   `json:"ip"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	GoVersion       string   `json:"go_version"`
	UploaderVersion string   `json:"uploader_version"`
	ChunkSizeMB     int64    `json:"chunk_size_mb"`
	Exclusions      []string `json:"exclusions"`
}

// NewProvenance fills the invariant fields; the controller completes the
// timing and counting fields at finalization.
func NewProvenance(run common.Run, p common.Platform, cfg common.Config, started time.Time) *Provenance {
	return &Provenance{
		InvocationID:    uuid.NewString(),
		RunBasename:     run.ID,
		RunPath:         run.SourcePath,
		Destination:     run.DestinationPrefix,
		StartedAt:       started.UTC().Format(time.RFC3339),
		Cron:            cfg.CronInvoked,
		Host:            p.Host,
		User:            p.User,
		IP:              p.IP,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		GoVersion:       runtime.Version(),
		UploaderVersion: Version,
		ChunkSizeMB:     cfg.ChunkSizeMB,
		Exclusions:      append([]string(nil), cfg.Exclusions...),
	}
}

// Sidecars publishes the non-archive objects next to the final tar.
type Sidecars struct {
	Store storage.ObjectStore
	Run   common.Run
	Table string
}

func (s *Sidecars) runPrefix() string {
	return storage.JoinURI(s.Run.DestinationPrefix, s.Run.ID)
}

// FinalObjectURI is where the composed archive lives.
func (s *Sidecars) FinalObjectURI() string {
	return storage.JoinURI(s.Run.DestinationPrefix, s.Run.ID, s.Run.ID+".tar.gz")
}

// EmitAll publishes the README, the provenance JSON, and the Terra import
// TSV. Runs only after compose succeeds.
func (s *Sidecars) EmitAll(ctx context.Context, prov *Provenance) error {
	if err := s.emitREADME(ctx); err != nil {
		return err
	}
	if err := s.emitProvenance(ctx, prov); err != nil {
		return err
	}
	if err := s.emitTerraTSV(ctx); err != nil {
		return err
	}
	log.Info().Str("run", s.Run.ID).Msg("sidecars published")
	return nil
}

func (s *Sidecars) emitREADME(ctx context.Context) error {
	text := fmt.Sprintf(`%[1]s.tar.gz is a concatenation of gzipped tar segments produced by
incremental snapshots of the %[1]s run directory while the sequencer was
still writing it.

Extract with any tar that accepts multi-member gzip input:

    tar -xzf %[1]s.tar.gz --ignore-zeros

The --ignore-zeros flag is only needed if zero blocks ever appear between
segments; it is harmless otherwise.
`, s.Run.ID)
	uri := storage.JoinURI(s.runPrefix(), s.Run.ID+".tar.gz.README.txt")
	if err := s.Store.UploadStream(ctx, bytes.NewReader([]byte(text)), uri); err != nil {
		return fmt.Errorf("failed to publish README: %w", err)
	}
	return nil
}

func (s *Sidecars) emitProvenance(ctx context.Context, prov *Provenance) error {
	data, err := json.MarshalIndent(prov, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode provenance: %w", err)
	}
	data = append(data, '\n')
	uri := storage.JoinURI(s.runPrefix(), s.Run.ID+".upload_metadata.json")
	if err := s.Store.UploadStream(ctx, bytes.NewReader(data), uri); err != nil {
		return fmt.Errorf("failed to publish provenance: %w", err)
	}
	return nil
}

// emitTerraTSV writes the two-line table-import file: header naming the
// configured table, one data row pointing at the final tar. LF endings only.
func (s *Sidecars) emitTerraTSV(ctx context.Context) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "entity:%s_id\tbiosample_attributes\tflowcell_tar\tsamplesheets\tsample_rename_map_tsv\n", s.Table)
	fmt.Fprintf(&buf, "%s\t\t%s\t\t\n", s.Run.ID, s.FinalObjectURI())
	uri := storage.JoinURI(s.runPrefix(), s.Run.ID+".terra.tsv")
	if err := s.Store.UploadStream(ctx, &buf, uri); err != nil {
		return fmt.Errorf("failed to publish terra tsv: %w", err)
	}
	return nil
}
