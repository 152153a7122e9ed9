package content

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner/api/internal/apperr"
	"outliner/api/internal/store"
	"outliner/api/internal/store/storetest"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR-fake-image-body")

func newDiskStore(t *testing.T) (*Store, *store.Store, *DiskBlobs) {
	t.Helper()
	db := storetest.New(t)
	blobs, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	return New(db, blobs, nil), db, blobs
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestPutDeduplicatesByDigest(t *testing.T) {
	s, _, blobs := newDiskStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, pngBytes, "", "pasted.png")
	require.NoError(t, err)
	second, err := s.Put(ctx, append([]byte(nil), pngBytes...), "image/png", "upload.png")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.StoredName, second.StoredName)
	assert.Equal(t, Digest(pngBytes), first.Digest)
	assert.Equal(t, "image/png", first.MimeType)
	assert.Equal(t, int64(len(pngBytes)), first.SizeBytes)
	assert.Equal(t, ".png", first.StoredName[len(first.StoredName)-4:])
	assert.Equal(t, 1, countFiles(t, blobs.root))
	assert.Equal(t, "/api/files/"+first.ID, first.URL())
}

func TestPutRejectsEmpty(t *testing.T) {
	s, _, _ := newDiskStore(t)
	_, err := s.Put(context.Background(), nil, "image/png", "x.png")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPutHealsMissingAndTruncatedBlobs(t *testing.T) {
	s, _, _ := newDiskStore(t)
	ctx := context.Background()

	asset, err := s.Put(ctx, pngBytes, "image/png", "a.png")
	require.NoError(t, err)
	path := s.DiskPath(asset)

	require.NoError(t, os.WriteFile(path, pngBytes[:3], 0o644))
	_, err = s.Put(ctx, pngBytes, "image/png", "a.png")
	require.NoError(t, err)
	healed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, healed)

	require.NoError(t, os.Remove(path))
	_, err = s.Put(ctx, pngBytes, "", "")
	require.NoError(t, err)
	healed, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, healed)
}

func TestOpenDistinguishesMissingBlobFromMissingRecord(t *testing.T) {
	s, _, _ := newDiskStore(t)
	ctx := context.Background()

	_, _, err := s.Open(ctx, "file_missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.False(t, errors.Is(err, ErrBlobMissing))

	asset, err := s.Put(ctx, []byte("hello"), "text/plain", "hello.txt")
	require.NoError(t, err)
	_, reader, err := s.Open(ctx, asset.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "hello", string(data))

	require.NoError(t, os.Remove(s.DiskPath(asset)))
	_, _, err = s.Open(ctx, asset.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlobMissing))
	assert.False(t, apperr.Is(err, apperr.KindNotFound))
}

func TestConcurrentPutsShareOneAsset(t *testing.T) {
	s, db, blobs := newDiskStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			asset, err := s.Put(ctx, pngBytes, "image/png", "same.png")
			assert.NoError(t, err)
			ids[i] = asset.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var rows int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&rows))
	assert.Equal(t, 1, rows)
	assert.Equal(t, 1, countFiles(t, blobs.root))
}

// racingRepo simulates losing the digest race: the first lookup misses, the
// insert conflicts, and the follow-up lookup finds the winner.
type racingRepo struct {
	winner  store.File
	lookups int
}

func (r *racingRepo) FileByDigest(context.Context, string) (store.File, error) {
	r.lookups++
	if r.lookups == 1 {
		return store.File{}, store.ErrNotFound
	}
	return r.winner, nil
}

func (r *racingRepo) FileByID(context.Context, string) (store.File, error) {
	return r.winner, nil
}

func (r *racingRepo) InsertFile(context.Context, store.File) error {
	return store.ErrConflict
}

func TestPutResolvesConflictToWinner(t *testing.T) {
	blobs, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	winner := store.File{
		ID:         "file_winner",
		StoredName: "1-winner.png",
		MimeType:   "image/png",
		SizeBytes:  int64(len(pngBytes)),
		Digest:     Digest(pngBytes),
	}
	require.NoError(t, blobs.Write(ctx, winner.StoredName, pngBytes, winner.MimeType))

	repo := &racingRepo{winner: winner}
	s := New(repo, blobs, nil)
	asset, err := s.Put(ctx, pngBytes, "image/png", "mine.png")
	require.NoError(t, err)

	assert.Equal(t, "file_winner", asset.ID)
	assert.Equal(t, 2, repo.lookups)
	assert.Equal(t, 1, countFiles(t, blobs.root), "losing blob is removed")
}

func TestGetUsesCache(t *testing.T) {
	s, db, _ := newDiskStore(t)
	ctx := context.Background()
	asset, err := s.Put(ctx, []byte("cached"), "text/plain", "")
	require.NoError(t, err)

	_, err = db.DB().ExecContext(ctx, `DELETE FROM files`)
	require.NoError(t, err)

	got, err := s.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, asset.Digest, got.Digest)
}

func TestExtension(t *testing.T) {
	tests := []struct {
		mime, name, want string
	}{
		{"image/png", "", ".png"},
		{"image/jpeg; charset=binary", "x.jpeg", ".jpg"},
		{"", "Report.PDF", ".pdf"},
		{"application/octet-stream", "notes.md", ".md"},
		{"", "weird.name.with space", ".bin"},
		{"", "", ".bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Extension(tt.mime, tt.name), "%q %q", tt.mime, tt.name)
	}
}

func TestDiskBlobsRejectsTraversal(t *testing.T) {
	blobs, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	require.Error(t, blobs.Write(context.Background(), "../escape", []byte("x"), ""))
	_, err = blobs.Size(context.Background(), "missing.bin")
	assert.ErrorIs(t, err, ErrBlobMissing)
	assert.NoError(t, blobs.Remove(context.Background(), "missing.bin"))
}

// gatedBlobs holds the first Write until release is closed.
type gatedBlobs struct {
	*DiskBlobs
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBlobs) Write(ctx context.Context, name string, data []byte, mimeType string) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.DiskBlobs.Write(ctx, name, data, mimeType)
}

func TestPutSurvivesCancelledPeer(t *testing.T) {
	db := storetest.New(t)
	disk, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	blobs := &gatedBlobs{DiskBlobs: disk, entered: make(chan struct{}), release: make(chan struct{})}
	s := New(db, blobs, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Put(firstCtx, pngBytes, "image/png", "a.png")
		firstErr <- err
	}()
	<-blobs.entered

	type outcome struct {
		asset Asset
		err   error
	}
	second := make(chan outcome, 1)
	go func() {
		asset, err := s.Put(context.Background(), pngBytes, "image/png", "b.png")
		second <- outcome{asset, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(blobs.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, Digest(pngBytes), got.asset.Digest)

	stored, err := s.Get(context.Background(), got.asset.ID)
	require.NoError(t, err)
	assert.Equal(t, got.asset.StoredName, stored.StoredName)
	assert.Equal(t, 1, countFiles(t, disk.root))
}

func TestCacheSizeBoundsRecordCache(t *testing.T) {
	db := storetest.New(t)
	blobs, err := NewDiskBlobs(t.TempDir())
	require.NoError(t, err)
	s := New(db, blobs, nil, WithCacheSize(1))
	ctx := context.Background()

	first, err := s.Put(ctx, []byte("first"), "text/plain", "")
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("second"), "text/plain", "")
	require.NoError(t, err)

	_, err = db.DB().ExecContext(ctx, `DELETE FROM files`)
	require.NoError(t, err)

	_, err = s.Get(ctx, first.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = s.Get(ctx, second.ID)
	assert.NoError(t, err)
}

func TestOpenRejectsBlobWithWrongSize(t *testing.T) {
	s, _, _ := newDiskStore(t)
	ctx := context.Background()
	asset, err := s.Put(ctx, pngBytes, "image/png", "a.png")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.DiskPath(asset), pngBytes[:4], 0o644))

	_, _, err = s.Open(ctx, asset.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlobSizeMismatch)
	assert.False(t, errors.Is(err, ErrBlobMissing))
}
