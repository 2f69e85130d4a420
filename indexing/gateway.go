package indexing

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mordilloSan/go_logger/logger"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/mordilloSan/imageviewer/internal/errs"
)

const assetPrefix = "asset://localhost/"

var errEmptyPath = errors.New("empty path")

// OSGateway reads the local filesystem.
type OSGateway struct {
	// IncludeHidden lists dot-files as well.
	IncludeHidden bool
}

func NewOSGateway(includeHidden bool) *OSGateway {
	return &OSGateway{IncludeHidden: includeHidden}
}

// List reads dir and returns its entries in display order. Entries whose
// stat fails (dangling symlinks, races with deletion) are listed without
// size or modification time.
func (g *OSGateway) List(ctx context.Context, dir string) ([]FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := NormalizePath(dir)
	if err != nil {
		return nil, errs.NotFound("list", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errs.FromFS("list", dir, err)
	}
	if !info.IsDir() {
		return nil, errs.NotFound("list", dir, fmt.Errorf("not a directory"))
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.FromFS("list", dir, err)
	}

	entries := make([]FileEntry, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if !g.IncludeHidden && isHidden(name) {
			continue
		}
		full := filepath.Join(dir, name)
		entry := FileEntry{Name: name, Path: full}

		fi, err := os.Stat(full)
		if err != nil {
			logger.Debugf("Failed to stat %s: %v", full, err)
			entry.IsDirectory = d.IsDir()
		} else {
			entry.IsDirectory = fi.IsDir()
			if !entry.IsDirectory {
				entry.Size = fi.Size()
			}
			entry.LastModified = fi.ModTime().UTC()
		}
		entry.IsImage = !entry.IsDirectory && IsImageName(name)
		entries = append(entries, entry)
	}

	SortEntries(entries)
	return entries, nil
}

// Stat reports a single path.
func (g *OSGateway) Stat(ctx context.Context, path string) (FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return FileEntry{}, err
	}
	path, err := NormalizePath(path)
	if err != nil {
		return FileEntry{}, errs.NotFound("stat", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, errs.FromFS("stat", path, err)
	}
	entry := FileEntry{
		Name:         fi.Name(),
		Path:         path,
		IsDirectory:  fi.IsDir(),
		LastModified: fi.ModTime().UTC(),
	}
	if !entry.IsDirectory {
		entry.Size = fi.Size()
		entry.IsImage = IsImageName(entry.Name)
	}
	return entry, nil
}

// ReadMetadata sniffs the content type, decodes only the image header and
// reads the EXIF orientation when present.
func (g *OSGateway) ReadMetadata(ctx context.Context, path string) (ImageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return ImageMetadata{}, err
	}
	path, err := NormalizePath(path)
	if err != nil {
		return ImageMetadata{}, errs.NotFound("read metadata", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return ImageMetadata{}, errs.FromFS("read metadata", path, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return ImageMetadata{}, errs.FromFS("read metadata", path, err)
	}
	if fi.IsDir() {
		return ImageMetadata{}, errs.UnsupportedFormat("read metadata", path, fmt.Errorf("is a directory"))
	}
	if !IsImageName(fi.Name()) {
		return ImageMetadata{}, errs.UnsupportedFormat("read metadata", path, fmt.Errorf("extension %q not supported", filepath.Ext(fi.Name())))
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return ImageMetadata{}, errs.FromFS("read metadata", path, err)
	}
	if !strings.HasPrefix(mt.String(), "image/") {
		return ImageMetadata{}, errs.UnsupportedFormat("read metadata", path, fmt.Errorf("content is %s", mt.String()))
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ImageMetadata{}, errs.FromFS("read metadata", path, err)
	}
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return ImageMetadata{}, errs.UnsupportedFormat("read metadata", path, err)
	}

	orientation := 1
	if format == "jpeg" {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			orientation = ReadOrientation(f)
		}
	}

	return ImageMetadata{
		Path:           path,
		Name:           fi.Name(),
		Dimensions:     Dimensions{Width: cfg.Width, Height: cfg.Height},
		FileSize:       fi.Size(),
		LastModified:   fi.ModTime().UTC(),
		AssetReference: AssetReference(path),
		Format:         format,
		Orientation:    orientation,
	}, nil
}

// AssetReference builds the locator the UI resolves to pixels.
func AssetReference(path string) string {
	return assetPrefix + url.PathEscape(path)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
