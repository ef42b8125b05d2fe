package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubBinaryFetcher struct {
	data        []byte
	contentType string
	err         error
}

func (s *stubBinaryFetcher) FetchBinary(_ context.Context, _ string) ([]byte, string, error) {
	return s.data, s.contentType, s.err
}

func newTestSaver(t *testing.T, fetcher *stubBinaryFetcher) (*Saver, string) {
	t.Helper()
	dir := t.TempDir()
	saver, err := NewSaver(fetcher, dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return saver, dir
}

func TestSaveExtensionFromContentType(t *testing.T) {
	tests := []struct {
		contentType string
		wantExt     string
	}{
		{"image/jpeg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"image/avif", ".avif"},
		{"image/png; charset=binary", ".png"},
		{"application/octet-stream", ".bin"},
		{"", ".bin"},
	}
	for _, tc := range tests {
		fetcher := &stubBinaryFetcher{data: []byte{1, 2, 3}, contentType: tc.contentType}
		saver, _ := newTestSaver(t, fetcher)

		path, err := saver.Save(context.Background(), "https://x.ru/i.img", "Product", "fid")
		require.NoError(t, err)
		assert.Equal(t, tc.wantExt, filepath.Ext(path), "content type %q", tc.contentType)
	}
}

func TestSaveTransliteratesName(t *testing.T) {
	fetcher := &stubBinaryFetcher{data: []byte{1}, contentType: "image/jpeg"}
	saver, _ := newTestSaver(t, fetcher)

	path, err := saver.Save(context.Background(), "https://x.ru/i.jpg", "Кроссовки Alpha 2.0", "fid")
	require.NoError(t, err)
	assert.Equal(t, "krossovki-alpha-2-0.jpg", filepath.Base(path))
}

func TestSaveCollisionGetsHashSuffix(t *testing.T) {
	fetcher := &stubBinaryFetcher{data: []byte{1}, contentType: "image/jpeg"}
	saver, dir := newTestSaver(t, fetcher)

	first, err := saver.Save(context.Background(), "https://x.ru/a.jpg", "Same Name", "f1")
	require.NoError(t, err)
	second, err := saver.Save(context.Background(), "https://x.ru/b.jpg", "Same Name", "f2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Contains(t, filepath.Base(second), "same-name-")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSaveWritesAtomically(t *testing.T) {
	fetcher := &stubBinaryFetcher{data: []byte("payload"), contentType: "image/webp"}
	saver, dir := newTestSaver(t, fetcher)

	path, err := saver.Save(context.Background(), "https://x.ru/i.webp", "atomic", "fid")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveDownloadFailure(t *testing.T) {
	fetcher := &stubBinaryFetcher{err: errors.New("boom")}
	saver, _ := newTestSaver(t, fetcher)

	_, err := saver.Save(context.Background(), "https://x.ru/i.jpg", "name", "fid")
	assert.Error(t, err)
}

func TestRemoveDeletesFile(t *testing.T) {
	fetcher := &stubBinaryFetcher{data: []byte{1}, contentType: "image/jpeg"}
	saver, _ := newTestSaver(t, fetcher)

	path, err := saver.Save(context.Background(), "https://x.ru/i.jpg", "to-delete", "fid")
	require.NoError(t, err)
	saver.Remove(path)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
