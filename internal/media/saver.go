// Package media saves product images to the local image directory.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/marketfeed/linkharvest/internal/crawler"
)

var extensionByContentType = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/gif":     ".gif",
	"image/svg+xml": ".svg",
}

const maxSlugLen = 80

// Saver downloads images through the shared egress rotation and writes them
// atomically, naming files by the transliterated product name.
type Saver struct {
	fetcher  crawler.BinaryFetcher
	imageDir string
	logger   *zap.Logger
}

// NewSaver creates the saver and its target directory.
func NewSaver(fetcher crawler.BinaryFetcher, imageDir string, logger *zap.Logger) (*Saver, error) {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &Saver{fetcher: fetcher, imageDir: imageDir, logger: logger}, nil
}

// Save downloads url and writes it to disk. It returns the final path.
func (s *Saver) Save(ctx context.Context, url, title, fallbackID string) (string, error) {
	if url == "" {
		return "", nil
	}
	data, contentType, err := s.fetcher.FetchBinary(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	return s.SaveFromContent(url, title, fallbackID, data, contentType)
}

// SaveFromContent writes already-downloaded image bytes. The write is atomic:
// a temp file in the target directory followed by a rename, so a crash never
// leaves a partial image and existing files are never rewritten in place.
func (s *Saver) SaveFromContent(url, title, fallbackID string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}

	name := fileSlug(title)
	if name == "" {
		name = shortHash(fallbackID, 32)
	}
	extension := extensionFor(contentType)

	path := filepath.Join(s.imageDir, name+extension)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.imageDir, name+"-"+shortHash(url, 6)+extension)
	}

	tmp, err := os.CreateTemp(s.imageDir, ".img-*")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename image: %w", err)
	}

	s.logger.Debug("image saved", zap.String("path", path))
	return path, nil
}

// Remove deletes a previously saved image; used when the sheet append for its
// product ultimately fails.
func (s *Saver) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("image rollback failed", zap.String("path", path), zap.Error(err))
	}
}

func extensionFor(contentType string) string {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if extension, ok := extensionByContentType[mime]; ok {
		return extension
	}
	return ".bin"
}

// fileSlug transliterates a product name into an ASCII, lowercase,
// hyphen-separated file stem.
func fileSlug(title string) string {
	stem := slug.Make(title)
	if len(stem) > maxSlugLen {
		stem = strings.Trim(stem[:maxSlugLen], "-")
	}
	return stem
}

func shortHash(value string, length int) string {
	sum := md5.Sum([]byte(value))
	digest := hex.EncodeToString(sum[:])
	if length < len(digest) {
		return digest[:length]
	}
	return digest
}
