package viewer

import (
	"context"
	"testing"
	"time"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/indexing/testhelpers"
)

func TestWatcherRefcountsDirectories(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	defer mock.Cleanup()
	_, paths := mock.CreateGallery("album", 3)
	other := mock.CreateImage("other/x.png", 2, 2)

	gw := indexing.NewOSGateway(false)
	mm, _, reg := newStack(t, gw, defaultStackOptions())
	fw, err := NewFolderWatcher(mm)
	if err != nil {
		t.Fatalf("NewFolderWatcher: %v", err)
	}
	defer func() { _ = fw.Close() }()
	reg.SetWatcher(fw)

	tabs := openAll(t, reg, paths[0], paths[1], other)
	if n := fw.Watched(); n != 2 {
		t.Fatalf("watched dirs = %d, want 2", n)
	}
	_ = reg.Close(tabs[0])
	if n := fw.Watched(); n != 2 {
		t.Fatalf("watched dirs after closing one album tab = %d, want 2", n)
	}
	_ = reg.Close(tabs[1])
	if n := fw.Watched(); n != 1 {
		t.Fatalf("watched dirs after closing both album tabs = %d, want 1", n)
	}
}

func TestWatcherInvalidatesChangedFile(t *testing.T) {
	mock := testhelpers.NewMockFileSystem(t)
	defer mock.Cleanup()
	_, paths := mock.CreateGallery("album", 3)

	gw := indexing.NewOSGateway(false)
	mm, l, reg := newStack(t, gw, defaultStackOptions())
	fw, err := NewFolderWatcher(mm)
	if err != nil {
		t.Fatalf("NewFolderWatcher: %v", err)
	}
	defer func() { _ = fw.Close() }()
	changes := make(chan Change, 16)
	fw.OnChange(func(c Change) {
		select {
		case changes <- c:
		default:
		}
	})
	reg.SetWatcher(fw)

	id, err := reg.Open(context.Background(), paths[1])
	if err != nil {
		t.Fatal(err)
	}
	f := mustGet(t, reg, id)
	waitIdle(t, l)
	before, err := f.MetadataFor(context.Background(), paths[1])
	if err != nil {
		t.Fatal(err)
	}

	mock.CreateImage("album/img001.png", before.Dimensions.Width+5, 3)

	select {
	case c := <-changes:
		if c.Path != paths[1] || len(c.Tabs) != 1 || c.Tabs[0] != id {
			t.Fatalf("change = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		m, err := f.MetadataFor(context.Background(), paths[1])
		if err == nil && m.Dimensions.Width == before.Dimensions.Width+5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metadata never refreshed: %+v, %v", m, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
