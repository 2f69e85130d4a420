package viewer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/mordilloSan/imageviewer/internal/errs"
)

func checkDense(t *testing.T, reg *Registry) []TabInfo {
	t.Helper()
	tabs := reg.Tabs()
	for i, tab := range tabs {
		if tab.Order != i {
			t.Fatalf("orders not dense: %+v", tabs)
		}
	}
	active := 0
	for _, tab := range tabs {
		if tab.Active {
			active++
		}
	}
	if len(tabs) > 0 && active != 1 {
		t.Fatalf("%d active tabs among %d", active, len(tabs))
	}
	return tabs
}

func ids(tabs []TabInfo) []TabID {
	out := make([]TabID, len(tabs))
	for i, tab := range tabs {
		out[i] = tab.ID
	}
	return out
}

func openAll(t *testing.T, reg *Registry, paths ...string) []TabID {
	t.Helper()
	out := make([]TabID, len(paths))
	for i, p := range paths {
		id, err := reg.Open(context.Background(), p)
		if err != nil {
			t.Fatalf("Open(%s): %v", p, err)
		}
		out[i] = id
	}
	return out
}

func TestOpenImageAndDirectory(t *testing.T) {
	gw := newFakeGateway()
	gw.addDir("/mixed", "sub/", "notes.txt", "b.png", "a.jpg")
	gw.addDir("/mixed/sub")
	_, _, reg := newStack(t, gw, defaultStackOptions())

	id, err := reg.Open(context.Background(), "/mixed")
	if err != nil {
		t.Fatal(err)
	}
	f := mustGet(t, reg, id)
	if f.Dir() != "/mixed" {
		t.Fatalf("dir = %s", f.Dir())
	}
	if f.CurrentPath() != "/mixed/a.jpg" {
		t.Fatalf("directory open cursor on %s, want first image", f.CurrentPath())
	}

	id, err = reg.Open(context.Background(), "/mixed/b.png")
	if err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, reg, id).CurrentPath(); got != "/mixed/b.png" {
		t.Fatalf("image open cursor on %s", got)
	}
	if reg.Active() != id {
		t.Fatal("opened tab is not active")
	}

	id, err = reg.Open(context.Background(), "/mixed/sub")
	if err != nil {
		t.Fatal(err)
	}
	if c := mustGet(t, reg, id).Cursor(); c != -1 {
		t.Fatalf("empty folder cursor = %d, want -1", c)
	}
}

func TestOpenMissingPath(t *testing.T) {
	gw := newFakeGateway()
	_, _, reg := newStack(t, gw, defaultStackOptions())

	if _, err := reg.Open(context.Background(), "/nowhere/x.png"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if reg.Len() != 0 {
		t.Fatal("failed open left a tab behind")
	}
}

func TestOpenWithIDReusesFreeIdentifier(t *testing.T) {
	gw := newFakeGateway()
	paths := gw.addGallery("/g", 2, 4, 4)
	_, _, reg := newStack(t, gw, defaultStackOptions())

	id, err := reg.OpenWithID(context.Background(), "saved-1", paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if id != "saved-1" {
		t.Fatalf("id = %s, want saved-1", id)
	}
	again, err := reg.OpenWithID(context.Background(), "saved-1", paths[1])
	if err != nil {
		t.Fatal(err)
	}
	if again == "saved-1" || again == "" {
		t.Fatalf("colliding id = %q", again)
	}
}

func TestCloseRenumbersAndMovesActive(t *testing.T) {
	gw := newFakeGateway()
	a := gw.addGallery("/a", 3, 4, 4)
	b := gw.addGallery("/b", 3, 4, 4)
	c := gw.addGallery("/c", 3, 4, 4)
	_, _, reg := newStack(t, gw, defaultStackOptions())
	tabs := openAll(t, reg, a[0], b[0], c[0])

	if err := reg.SwitchTo(tabs[1]); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(tabs[1]); err != nil {
		t.Fatal(err)
	}
	got := checkDense(t, reg)
	if fmt.Sprint(ids(got)) != fmt.Sprint([]TabID{tabs[0], tabs[2]}) {
		t.Fatalf("tabs after close = %v", ids(got))
	}
	if reg.Active() != tabs[0] {
		t.Fatalf("active = %s, want the tab below the closed one", reg.Active())
	}

	if err := reg.Close(tabs[0]); err != nil {
		t.Fatal(err)
	}
	checkDense(t, reg)
	if reg.Active() != tabs[2] {
		t.Fatalf("active = %s, want the remaining tab", reg.Active())
	}

	if err := reg.Close(tabs[2]); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != "" || reg.Len() != 0 {
		t.Fatal("registry not empty")
	}
	if err := reg.Close(tabs[2]); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("closing twice: err = %v", err)
	}
}

func TestCloseInactiveKeepsActive(t *testing.T) {
	gw := newFakeGateway()
	a := gw.addGallery("/a", 1, 4, 4)
	b := gw.addGallery("/b", 1, 4, 4)
	_, _, reg := newStack(t, gw, defaultStackOptions())
	tabs := openAll(t, reg, a[0], b[0])

	if err := reg.Close(tabs[0]); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != tabs[1] {
		t.Fatalf("active changed to %s", reg.Active())
	}
}

func TestReorder(t *testing.T) {
	gw := newFakeGateway()
	a := gw.addGallery("/a", 1, 4, 4)
	b := gw.addGallery("/b", 1, 4, 4)
	c := gw.addGallery("/c", 1, 4, 4)
	_, _, reg := newStack(t, gw, defaultStackOptions())
	tabs := openAll(t, reg, a[0], b[0], c[0])

	steps := []struct {
		id    TabID
		order int
		want  []TabID
	}{
		{tabs[2], 0, []TabID{tabs[2], tabs[0], tabs[1]}},
		{tabs[2], 1, []TabID{tabs[0], tabs[2], tabs[1]}},
		{tabs[0], 2, []TabID{tabs[2], tabs[1], tabs[0]}},
		{tabs[0], 7, []TabID{tabs[2], tabs[1], tabs[0]}},
		{tabs[1], -1, []TabID{tabs[2], tabs[1], tabs[0]}},
	}
	for i, s := range steps {
		if err := reg.Reorder(s.id, s.order); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := ids(checkDense(t, reg)); fmt.Sprint(got) != fmt.Sprint(s.want) {
			t.Fatalf("step %d: order = %v, want %v", i, got, s.want)
		}
	}

	if err := reg.Reorder("missing", 0); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown tab: err = %v", err)
	}
	if err := reg.SwitchTo("missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("switch to unknown tab: err = %v", err)
	}
}

func TestRegistryRandomized(t *testing.T) {
	gw := newFakeGateway()
	paths := gw.addGallery("/g", 4, 2, 2)
	opts := defaultStackOptions()
	opts.prefetch = 0
	opts.tolerance = 0
	mm, l, reg := newStack(t, gw, opts)

	rng := rand.New(rand.NewSource(42))
	for op := 0; op < 300; op++ {
		tabs := reg.Tabs()
		switch r := rng.Intn(10); {
		case r < 4 || len(tabs) == 0:
			if _, err := reg.Open(context.Background(), paths[rng.Intn(len(paths))]); err != nil {
				t.Fatal(err)
			}
		case r < 7:
			if err := reg.Close(tabs[rng.Intn(len(tabs))].ID); err != nil {
				t.Fatal(err)
			}
		case r < 9:
			if err := reg.Reorder(tabs[rng.Intn(len(tabs))].ID, rng.Intn(len(tabs))); err != nil {
				t.Fatal(err)
			}
		default:
			if err := reg.SwitchTo(tabs[rng.Intn(len(tabs))].ID); err != nil {
				t.Fatal(err)
			}
		}
		checkDense(t, reg)
	}

	reg.CloseAll()
	waitIdle(t, l)
	if st := mm.Stats(); st.Entries != 0 || st.Folders != 0 {
		t.Fatalf("CloseAll left %+v", st)
	}
}
