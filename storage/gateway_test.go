package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/indexing/testhelpers"
	"github.com/mordilloSan/imageviewer/internal/errs"
)

// countingGateway counts header decodes of the wrapped OS gateway.
type countingGateway struct {
	*indexing.OSGateway
	reads atomic.Int32
}

func (g *countingGateway) ReadMetadata(ctx context.Context, path string) (indexing.ImageMetadata, error) {
	g.reads.Add(1)
	return g.OSGateway.ReadMetadata(ctx, path)
}

func TestCachingGatewayServesRepeatReadsFromCache(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	defer mock.Cleanup()
	img := mock.CreateImage("pics/a.png", 12, 7)

	ctx, db, _ := setupTestDB(t)
	cache := NewMetadataCache(ctx, db, 100)
	defer func() { _ = cache.Close() }()

	inner := &countingGateway{OSGateway: indexing.NewOSGateway(false)}
	g := NewCachingGateway(inner, cache)

	first, err := g.ReadMetadata(ctx, img)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := g.ReadMetadata(ctx, img)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if inner.reads.Load() != 1 {
		t.Fatalf("decodes = %d, want 1", inner.reads.Load())
	}
	if first != second {
		t.Fatalf("cached metadata differs:\n%+v\n%+v", first, second)
	}

	// Changing the file invalidates the row.
	mock.Touch("pics/a.png", time.Now().Add(time.Hour))
	if _, err := g.ReadMetadata(ctx, img); err != nil {
		t.Fatal(err)
	}
	if inner.reads.Load() != 2 {
		t.Fatalf("decodes after touch = %d, want 2", inner.reads.Load())
	}

	g.Forget(ctx, img)
	if _, err := g.ReadMetadata(ctx, img); err != nil {
		t.Fatal(err)
	}
	if inner.reads.Load() != 3 {
		t.Fatalf("decodes after forget = %d, want 3", inner.reads.Load())
	}
}

func TestCachingGatewayPassesErrorsThrough(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	defer mock.Cleanup()
	mock.CreateFile("pics/fake.png", "text")

	ctx, db, _ := setupTestDB(t)
	cache := NewMetadataCache(ctx, db, 100)
	defer func() { _ = cache.Close() }()
	g := NewCachingGateway(indexing.NewOSGateway(false), cache)

	if _, err := g.ReadMetadata(ctx, mock.Path("pics/missing.png")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing: %v", err)
	}
	if _, err := g.ReadMetadata(ctx, mock.Path("pics/fake.png")); !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Errorf("fake: %v", err)
	}
	stats, _ := cache.Stats(ctx)
	if stats.EntryCount != 0 {
		t.Errorf("failures should not be cached, entries = %d", stats.EntryCount)
	}

	entries, err := g.List(ctx, mock.Path("pics"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("List: %v %v", entries, err)
	}
}
