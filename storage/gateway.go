package storage

import (
	"context"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/metrics"
)

// CachingGateway consults the persistent metadata cache before decoding an
// image header. Cache failures are logged and fall through to the wrapped
// gateway; they never fail a read.
type CachingGateway struct {
	inner indexing.Gateway
	cache *MetadataCache
}

func NewCachingGateway(inner indexing.Gateway, cache *MetadataCache) *CachingGateway {
	return &CachingGateway{inner: inner, cache: cache}
}

func (g *CachingGateway) List(ctx context.Context, dir string) ([]indexing.FileEntry, error) {
	return g.inner.List(ctx, dir)
}

func (g *CachingGateway) Stat(ctx context.Context, path string) (indexing.FileEntry, error) {
	return g.inner.Stat(ctx, path)
}

func (g *CachingGateway) ReadMetadata(ctx context.Context, path string) (indexing.ImageMetadata, error) {
	entry, err := g.inner.Stat(ctx, path)
	if err != nil {
		return indexing.ImageMetadata{}, err
	}
	if entry.IsDirectory || !entry.IsImage {
		return g.inner.ReadMetadata(ctx, path)
	}

	cached, ok, err := g.cache.Get(ctx, entry.Path, entry.LastModified)
	if err != nil {
		logger.Warnf("Metadata cache lookup failed for %s: %v", entry.Path, err)
	}
	metrics.RecordPersistentLookup(ok)
	if ok {
		return indexing.ImageMetadata{
			Path:           entry.Path,
			Name:           entry.Name,
			Dimensions:     indexing.Dimensions{Width: cached.Width, Height: cached.Height},
			FileSize:       cached.FileSize,
			LastModified:   entry.LastModified,
			AssetReference: indexing.AssetReference(entry.Path),
			Format:         cached.Format,
			Orientation:    cached.Orientation,
		}, nil
	}

	meta, err := g.inner.ReadMetadata(ctx, path)
	if err != nil {
		return indexing.ImageMetadata{}, err
	}
	if err := g.cache.Set(ctx, meta.Path, meta.LastModified, CachedMetadata{
		Width:       meta.Dimensions.Width,
		Height:      meta.Dimensions.Height,
		FileSize:    meta.FileSize,
		Format:      meta.Format,
		Orientation: meta.Orientation,
	}); err != nil {
		logger.Warnf("Failed to cache metadata for %s: %v", meta.Path, err)
	}
	return meta, nil
}

// Forget drops path from the persistent cache.
func (g *CachingGateway) Forget(ctx context.Context, path string) {
	if err := g.cache.Delete(ctx, path); err != nil {
		logger.Warnf("Failed to drop cached metadata for %s: %v", path, err)
	}
}
