package common

import (
	"path/filepath"
	"time"
)

const (
	// ComposeFanInMax is the object store's hard cap on sources per compose call.
	ComposeFanInMax = 32

	// RecentFileWindow is how recently a file may have been modified before a
	// non-final snapshot will defer it to a later increment.
	RecentFileWindow = 180 * time.Second
)

// DefaultExclusions are directory names never shipped to the archive.
var DefaultExclusions = []string{
	"Thumbnail_Images",
	"Images",
	"FocusModelGeneration",
	"Autocenter",
	"InstrumentAnalyticsLogs",
	"Logs",
}

// Config carries every knob the uploader honors. Only the command layer reads
// the environment; everything downstream takes this struct.
type Config struct {
	ChunkSizeMB            int64
	DelayBetweenIncrements time.Duration
	RunCompletionTimeout   time.Duration
	StagingRoot            string
	RetryMaxAttempts       int
	RetryDelay             time.Duration
	TerraTableName         string
	Exclusions             []string

	// IgnoreDeviceNumbers disables device comparison against the snapshot
	// index. Required when the source sits on NFS, where a remount renumbers
	// every inode's device.
	IgnoreDeviceNumbers bool

	CronInvoked bool
	Appliance   bool

	QuiescePeriod    time.Duration
	PostComposeDelay time.Duration
}

// DefaultConfig returns the documented defaults, with platform-dependent
// fields filled in from the probe.
func DefaultConfig(p Platform) Config {
	return Config{
		ChunkSizeMB:            100,
		DelayBetweenIncrements: 600 * time.Second,
		RunCompletionTimeout:   16 * 24 * time.Hour,
		StagingRoot:            p.StagingRoot,
		RetryMaxAttempts:       12,
		RetryDelay:             600 * time.Second,
		TerraTableName:         "flowcell",
		Exclusions:             append([]string(nil), DefaultExclusions...),
		IgnoreDeviceNumbers:    true,
		CronInvoked:            p.CronInvoked,
		Appliance:              p.Appliance,
		QuiescePeriod:          10 * time.Second,
		PostComposeDelay:       10 * time.Second,
	}
}

// ChunkSizeBytes converts the configured chunk threshold to bytes.
func (c Config) ChunkSizeBytes() int64 {
	return c.ChunkSizeMB * 1024 * 1024
}

// Run is the immutable identity of one uploader invocation.
type Run struct {
	ID                string
	SourcePath        string
	DestinationPrefix string
}

// NewRun derives the run id from the terminal path segment of the source.
func NewRun(sourcePath, destinationPrefix string) Run {
	return Run{
		ID:                filepath.Base(filepath.Clean(sourcePath)),
		SourcePath:        filepath.Clean(sourcePath),
		DestinationPrefix: destinationPrefix,
	}
}
