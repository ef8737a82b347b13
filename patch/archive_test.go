package patch_test

import (
	"context"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sar"
	"github.com/meigma/sar/download"
	"github.com/meigma/sar/internal/testutil"
	"github.com/meigma/sar/patch"
)

const waitTimeout = 10 * time.Second

type fixture struct {
	files    []sar.BuildFile
	data     []byte
	fallback *sar.Archive
	dir      string
}

func newFixture(t *testing.T, n int, opts ...sar.CreateOption) fixture {
	t.Helper()
	files := testutil.Files(n)
	opts = append([]sar.CreateOption{sar.CreateWithCompression(), sar.CreateWithDirQueries()}, opts...)
	data := testutil.Build(t, files, opts...)
	dir := t.TempDir()
	fallback, err := sar.Open(testutil.WriteFile(t, dir, "base.sar", data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fallback.Close() })
	return fixture{files: files, data: data, fallback: fallback, dir: dir}
}

func newPatch(t *testing.T, fx fixture) *patch.Archive {
	t.Helper()
	p := patch.New(fx.fallback,
		download.WithPackagePath(filepath.Join(fx.dir, "patch.sar")),
		download.WithRetryDelay(5*time.Millisecond),
	)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func downloadable(t *testing.T, p *patch.Archive) *download.Archive {
	t.Helper()
	dl, ok := p.Active().(*download.Archive)
	require.True(t, ok, "downloadable archive is active")
	return dl
}

func TestFallbackComposition(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 16)
	p := newPatch(t, fx)

	assert.Same(t, fx.fallback, p.Active())
	assert.Equal(t, uint64(0), p.Generation())
	require.NoError(t, p.WaitForInit(0))
	require.NoError(t, p.Fetch(context.Background(), download.PriorityDefault, fx.files[0].Name))
	assert.False(t, p.Prefetch(download.PriorityDefault))

	for _, f := range fx.files {
		want, err := fx.fallback.ReadFile(f.Name)
		require.NoError(t, err)
		got, err := p.ReadFile(f.Name)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		wantInfo, err := fx.fallback.Stat(f.Name)
		require.NoError(t, err)
		gotInfo, err := p.Stat(f.Name)
		require.NoError(t, err)
		assert.Equal(t, wantInfo.Size(), gotInfo.Size())
		assert.Equal(t, wantInfo.ModTime(), gotInfo.ModTime())

		file, err := p.Open(f.Name)
		require.NoError(t, err)
		body, err := io.ReadAll(file)
		require.NoError(t, err)
		require.NoError(t, file.Close())
		assert.Equal(t, want, body)

		assert.True(t, p.Exists(f.Name))
		assert.False(t, p.IsServicedByNetwork(f.Name))
	}

	wantDir, err := fx.fallback.ReadDir("dir1")
	require.NoError(t, err)
	gotDir, err := p.ReadDir("dir1")
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)

	_, err = p.ReadFile("missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, p.Exists("missing"))

	_, ok, err := p.CheckCRC32(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetURLSeedsFromFallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 20)
	server := testutil.NewServer(t, fx.data)
	p := newPatch(t, fx)

	require.NoError(t, p.SetURL(server.URL()))
	require.NoError(t, p.WaitForInit(waitTimeout))
	assert.Equal(t, uint64(1), p.Generation())
	assert.Equal(t, server.URL(), p.URL())

	dl := downloadable(t, p)
	assert.Equal(t, 0, dl.Remaining())
	h := fx.fallback.Header()
	assert.Equal(t, int64(sar.HeaderSize)+int64(h.TableSize), server.Bytes(), "only the header and file table are downloaded")

	server.ResetCounters()
	for _, f := range fx.files {
		got, err := p.ReadFile(f.Name)
		require.NoError(t, err)
		assert.Equal(t, f.Data, got)
		assert.False(t, p.IsServicedByNetwork(f.Name))
	}
	assert.Equal(t, int64(0), server.Bytes())
}

func TestSetURLSeedsFromInMemoryFallback(t *testing.T) {
	t.Parallel()

	files := testutil.Files(12)
	data := testutil.Build(t, files, sar.CreateWithCompression())
	fallback, err := sar.OpenBytes(data)
	require.NoError(t, err)
	server := testutil.NewServer(t, data)

	p := patch.New(fallback,
		download.WithPackagePath(filepath.Join(t.TempDir(), "patch.sar")),
		download.WithRetryDelay(5*time.Millisecond),
	)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.SetURL(server.URL()))
	require.NoError(t, p.WaitForInit(waitTimeout))
	assert.Equal(t, 0, downloadable(t, p).Remaining())
	assert.Equal(t, int64(2), server.Requests(), "header and file table")

	for _, f := range files {
		got, err := p.ReadFile(f.Name)
		require.NoError(t, err)
		assert.Equal(t, f.Data, got)
	}
	assert.Equal(t, int64(2), server.Requests())
}

func TestSetURLWaitsForInFlightFetch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 12)
	next := make([]sar.BuildFile, len(fx.files))
	copy(next, fx.files)
	next[3].Data = append([]byte("patched "), next[3].Data...)
	data := testutil.Build(t, next, sar.CreateWithCompression(), sar.CreateWithDirQueries(), sar.CreateWithBuild(0, 2))

	first := testutil.NewServer(t, data)
	second := testutil.NewServer(t, data)
	p := newPatch(t, fx)
	require.NoError(t, p.SetURL(first.URL()))
	require.NoError(t, p.WaitForInit(waitTimeout))

	name := next[3].Name
	require.True(t, p.IsServicedByNetwork(name))
	pkg, err := sar.OpenBytes(data)
	require.NoError(t, err)
	e, ok := pkg.Lookup(name)
	require.True(t, ok)
	entered, release := first.Block(int64(e.Offset), int64(e.Offset)+1) //nolint:gosec // test offsets are small
	t.Cleanup(release)

	fetched := make(chan error, 1)
	go func() { fetched <- p.Fetch(context.Background(), download.PriorityHigh, name) }()
	<-entered

	swapped := make(chan error, 1)
	go func() { swapped <- p.SetURL(second.URL()) }()

	select {
	case <-swapped:
		t.Fatal("SetURL returned while a fetch was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), p.Generation())

	release()
	require.NoError(t, <-fetched)
	select {
	case err := <-swapped:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("SetURL did not return")
	}
	assert.Equal(t, uint64(2), p.Generation())

	// The committed entry survives the swap.
	require.NoError(t, p.WaitForInit(waitTimeout))
	assert.False(t, p.IsServicedByNetwork(name))
	second.ResetCounters()
	got, err := p.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, next[3].Data, got)
	assert.Equal(t, int64(0), second.Requests())
}

func TestSetURLEmptyRestoresFallback(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 6)
	server := testutil.NewServer(t, fx.data)
	p := newPatch(t, fx)

	require.NoError(t, p.SetURL(server.URL()))
	require.NoError(t, p.SetURL(server.URL()))
	assert.Equal(t, uint64(1), p.Generation(), "same url is a no-op")
	require.NoError(t, p.WaitForInit(waitTimeout))
	dl := downloadable(t, p)

	require.NoError(t, p.SetURL(""))
	assert.Equal(t, uint64(2), p.Generation())
	assert.Same(t, fx.fallback, p.Active())
	assert.Empty(t, p.URL())
	assert.False(t, dl.IsInitializing())
	require.ErrorIs(t, dl.Fetch(context.Background(), download.PriorityDefault, fx.files[0].Name), download.ErrClosed)

	got, err := p.ReadFile(fx.files[0].Name)
	require.NoError(t, err)
	assert.Equal(t, fx.files[0].Data, got)
}

func TestReadsDuringSwaps(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	servers := []*testutil.Server{testutil.NewServer(t, fx.data), testutil.NewServer(t, fx.data)}
	p := newPatch(t, fx)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := range 4 {
		wg.Go(func() {
			for i := w; ctx.Err() == nil; i++ {
				f := fx.files[i%len(fx.files)]
				got, err := p.ReadFile(f.Name)
				if err != nil {
					errs <- err
					return
				}
				if string(got) != string(f.Data) {
					errs <- assert.AnError
					return
				}
			}
		})
	}

	for i := range 6 {
		url := ""
		if i%3 != 2 {
			url = servers[i%2].URL()
		}
		require.NoError(t, p.SetURL(url))
		require.NoError(t, p.WaitForInit(waitTimeout))
	}
	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(6), p.Generation())
}

func TestCloseFallsBack(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 4)
	server := testutil.NewServer(t, fx.data)
	p := newPatch(t, fx)
	require.NoError(t, p.SetURL(server.URL()))
	require.NoError(t, p.WaitForInit(waitTimeout))

	require.NoError(t, p.Close())
	assert.Same(t, fx.fallback, p.Active())
	got, err := p.ReadFile(fx.files[2].Name)
	require.NoError(t, err)
	assert.Equal(t, fx.files[2].Data, got)
}
