package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore against Google Cloud Storage. The client is
// stateless and safe to share across runs.
type GCSStore struct {
	client *gcs.Client
}

func NewGCSStore(ctx context.Context, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// NewGCSStoreFromClient wraps an existing client; tests hand in a fake
// server's client this way.
func NewGCSStoreFromClient(client *gcs.Client) *GCSStore {
	return &GCSStore{client: client}
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) handle(uri string) (*gcs.ObjectHandle, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(bucket).Object(object), nil
}

func (g *GCSStore) Exists(ctx context.Context, uri string) (bool, error) {
	obj, err := g.handle(uri)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

func (g *GCSStore) Upload(ctx context.Context, localPath string, uri string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return g.UploadStream(ctx, f, uri)
}

func (g *GCSStore) UploadStream(ctx context.Context, r io.Reader, uri string) error {
	obj, err := g.handle(uri)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", uri, err)
	}
	return nil
}

func (g *GCSStore) List(ctx context.Context, prefix string, glob string) ([]string, error) {
	bucket, object, err := ParseURI(strings.TrimRight(prefix, "/") + "/")
	if err != nil {
		return nil, err
	}
	it := g.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: object})
	var uris []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		base := path.Base(attrs.Name)
		if glob != "" {
			ok, err := path.Match(glob, base)
			if err != nil {
				return nil, fmt.Errorf("bad glob %q: %w", glob, err)
			}
			if !ok {
				continue
			}
		}
		uris = append(uris, "gs://"+attrs.Bucket+"/"+attrs.Name)
	}
	sort.Slice(uris, func(i, j int) bool {
		return naturalLess(path.Base(uris[i]), path.Base(uris[j]))
	})
	return uris, nil
}

func (g *GCSStore) Compose(ctx context.Context, target string, sources []string) error {
	if len(sources) > common.ComposeFanInMax {
		return fmt.Errorf("%w: %d sources exceeds fan-in limit %d",
			common.ErrComposeFailed, len(sources), common.ComposeFanInMax)
	}
	dst, err := g.handle(target)
	if err != nil {
		return err
	}
	srcs := make([]*gcs.ObjectHandle, 0, len(sources))
	for _, s := range sources {
		obj, err := g.handle(s)
		if err != nil {
			return err
		}
		srcs = append(srcs, obj)
	}
	if _, err := dst.ComposerFrom(srcs...).Run(ctx); err != nil {
		return fmt.Errorf("failed to compose %d sources into %s: %w", len(sources), target, err)
	}
	log.Debug().Str("target", target).Int("sources", len(sources)).Msg("composed")
	return nil
}

func (g *GCSStore) Delete(ctx context.Context, uri string) error {
	obj, err := g.handle(uri)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", uri, err)
	}
	return nil
}

func (g *GCSStore) DeleteMany(ctx context.Context, uris []string) error {
	for _, uri := range uris {
		if err := g.Delete(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}
