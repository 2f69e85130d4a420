package indexing

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// FileEntry is one row of a directory listing. Identity is Path.
type FileEntry struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDirectory  bool      `json:"is_directory"`
	IsImage      bool      `json:"is_image"`
	Size         int64     `json:"size,omitempty"`
	LastModified time.Time `json:"last_modified,omitzero"`
}

// Dimensions are pixel sizes read from the image header.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageMetadata describes a single image without its pixels.
type ImageMetadata struct {
	Path           string     `json:"path"`
	Name           string     `json:"name"`
	Dimensions     Dimensions `json:"dimensions"`
	FileSize       int64      `json:"file_size"`
	LastModified   time.Time  `json:"last_modified"`
	AssetReference string     `json:"asset_url"`
	Format         string     `json:"format"`
	Orientation    int        `json:"orientation"`
}

// Gateway is the only component that touches the filesystem.
type Gateway interface {
	// List returns the entries of dir, directories first, then by
	// case-insensitive name.
	List(ctx context.Context, dir string) ([]FileEntry, error)
	// Stat reports a single path.
	Stat(ctx context.Context, path string) (FileEntry, error)
	// ReadMetadata reads the header of one image.
	ReadMetadata(ctx context.Context, path string) (ImageMetadata, error)
}

// NormalizePath cleans p and makes it absolute.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", errEmptyPath
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// ParentDir returns the directory holding path.
func ParentDir(path string) string {
	parent := filepath.Dir(strings.TrimSuffix(path, string(filepath.Separator)))
	if parent == "" || parent == "." {
		return string(filepath.Separator)
	}
	return parent
}
