package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

// memStore is an in-memory ObjectStore with failure injection, used where
// tests need to count calls or script flaky transfers.
type memStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	composeCalls [][]string
	uploadCalls  map[string]int

	// failures maps a URI to the number of upload attempts that should fail
	// before one succeeds.
	failures map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		objects:     map[string][]byte{},
		uploadCalls: map[string]int{},
		failures:    map[string]int{},
	}
}

func (m *memStore) Exists(ctx context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[uri]
	return ok, nil
}

func (m *memStore) Upload(ctx context.Context, localPath string, uri string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadCalls[uri]++
	if m.failures[uri] > 0 {
		m.failures[uri]--
		return fmt.Errorf("injected transfer failure for %s", uri)
	}
	m.objects[uri] = data
	return nil
}

func (m *memStore) UploadStream(ctx context.Context, r io.Reader, uri string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = data
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string, glob string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pre := strings.TrimRight(prefix, "/") + "/"
	var uris []string
	for uri := range m.objects {
		if !strings.HasPrefix(uri, pre) {
			continue
		}
		if glob != "" {
			if ok, _ := path.Match(glob, path.Base(uri)); !ok {
				continue
			}
		}
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool {
		bi, bj := path.Base(uris[i]), path.Base(uris[j])
		ni, errI := strconv.ParseInt(strings.SplitN(bi, "_", 2)[0], 10, 64)
		nj, errJ := strconv.ParseInt(strings.SplitN(bj, "_", 2)[0], 10, 64)
		if errI == nil && errJ == nil && ni != nj {
			return ni < nj
		}
		return bi < bj
	})
	return uris, nil
}

func (m *memStore) Compose(ctx context.Context, target string, sources []string) error {
	if len(sources) > common.ComposeFanInMax {
		return fmt.Errorf("%w: %d sources", common.ErrComposeFailed, len(sources))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composeCalls = append(m.composeCalls, append([]string(nil), sources...))
	var out []byte
	for _, src := range sources {
		data, ok := m.objects[src]
		if !ok {
			return fmt.Errorf("%w: source %s missing", common.ErrComposeFailed, src)
		}
		out = append(out, data...)
	}
	m.objects[target] = out
	return nil
}

func (m *memStore) Delete(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, uri)
	return nil
}

func (m *memStore) DeleteMany(ctx context.Context, uris []string) error {
	for _, uri := range uris {
		m.Delete(ctx, uri)
	}
	return nil
}
