package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

// ObjectStore is the remote side of the uploader. Every operation is
// idempotent at the caller's level; retry policy lives in the upload
// pipeline, not here.
type ObjectStore interface {
	Exists(ctx context.Context, uri string) (bool, error)
	Upload(ctx context.Context, localPath string, uri string) error
	UploadStream(ctx context.Context, r io.Reader, uri string) error

	// List returns object URIs under prefix whose final path segment matches
	// glob, ordered by natural (numeric-aware) ordering of that segment.
	List(ctx context.Context, prefix string, glob string) ([]string, error)

	// Compose concatenates sources into target server-side, left to right.
	// Fails if len(sources) exceeds common.ComposeFanInMax.
	Compose(ctx context.Context, target string, sources []string) error

	Delete(ctx context.Context, uri string) error
	DeleteMany(ctx context.Context, uris []string) error
}

// ParseURI splits a gs://bucket/path URI.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: not a gs:// URI: %q", common.ErrBadArguments, uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: malformed object URI: %q", common.ErrBadArguments, uri)
	}
	return bucket, object, nil
}

// JoinURI appends path segments to a gs:// prefix.
func JoinURI(prefix string, segments ...string) string {
	out := strings.TrimRight(prefix, "/")
	for _, s := range segments {
		out += "/" + strings.Trim(s, "/")
	}
	return out
}

// naturalLess compares two names treating digit runs as numbers, so
// "2_part-1.tar.gz" sorts before "10_part-1.tar.gz".
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		ad, an := leadingInt(a)
		bd, bn := leadingInt(b)
		if an > 0 && bn > 0 {
			if ad != bd {
				return ad < bd
			}
			a, b = a[an:], b[bn:]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingInt(s string) (v uint64, n int) {
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		v = v*10 + uint64(s[n]-'0')
		n++
	}
	return v, n
}
