package common

import "errors"

var (
	ErrMissingDependency = errors.New("missing required dependency")
	ErrBadArguments      = errors.New("bad arguments")
	ErrStaleRun          = errors.New("stale run")
	ErrRunTimeout        = errors.New("run completion timeout exceeded")
	ErrIndexCorrupt      = errors.New("snapshot index corrupt")
	ErrSnapshotFailed    = errors.New("snapshot failed")
	ErrUploadFailed      = errors.New("upload failed")
	ErrComposeFailed     = errors.New("compose failed")
	ErrInterrupted       = errors.New("interrupted")
)
