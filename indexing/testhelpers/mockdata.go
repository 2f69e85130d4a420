package testhelpers

import (
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// MockFileSystem creates a temporary directory tree of real image files.
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a new mock filesystem in a temp directory
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	tempDir, err := os.MkdirTemp("", "imageviewer-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	// macOS hands out /var/... which is a symlink to /private/var/...
	if resolved, err := filepath.EvalSymlinks(tempDir); err == nil {
		tempDir = resolved
	}

	return &MockFileSystem{
		Root: tempDir,
		t:    t,
	}
}

// Cleanup removes the temporary directory
func (m *MockFileSystem) Cleanup() {
	if err := os.RemoveAll(m.Root); err != nil {
		m.t.Errorf("Failed to cleanup temp dir: %v", err)
	}
}

// Path returns the absolute path of rel inside the mock root.
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, rel)
}

// CreateDir creates a directory in the mock filesystem
func (m *MockFileSystem) CreateDir(path string) string {
	fullPath := m.Path(path)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
	return fullPath
}

// CreateFile creates a file with the given content
func (m *MockFileSystem) CreateFile(path string, content string) string {
	fullPath := m.Path(path)
	m.ensureParent(fullPath)

	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
	return fullPath
}

// CreateImage writes a w x h gradient image, encoded according to the
// extension of path (.png, .jpg/.jpeg, .gif). Unknown extensions get PNG
// bytes, which is useful for content-sniffing tests.
func (m *MockFileSystem) CreateImage(path string, w, h int) string {
	fullPath := m.Path(path)
	m.ensureParent(fullPath)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}

	f, err := os.Create(fullPath)
	if err != nil {
		m.t.Fatalf("Failed to create image %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 80})
	case ".gif":
		err = gif.Encode(f, img, nil)
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		m.t.Fatalf("Failed to encode image %s: %v", path, err)
	}
	return fullPath
}

// Remove deletes a file or directory from the mock filesystem.
func (m *MockFileSystem) Remove(path string) {
	if err := os.RemoveAll(m.Path(path)); err != nil {
		m.t.Fatalf("Failed to remove %s: %v", path, err)
	}
}

// Touch sets the modification time of path.
func (m *MockFileSystem) Touch(path string, mtime time.Time) {
	if err := os.Chtimes(m.Path(path), mtime, mtime); err != nil {
		m.t.Fatalf("Failed to touch %s: %v", path, err)
	}
}

// CreateGallery creates a folder of n PNG images named img000.png ...
// and returns the folder's absolute path and the image paths in order.
func (m *MockFileSystem) CreateGallery(dir string, n int) (string, []string) {
	full := m.CreateDir(dir)
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, fmt.Sprintf("img%03d.png", i))
		paths[i] = m.CreateImage(name, 4+i%5, 3+i%7)
	}
	return full, paths
}

// CreateStandardTestStructure creates a mixed folder used by listing tests.
func (m *MockFileSystem) CreateStandardTestStructure() {
	m.CreateDir("photos")
	m.CreateImage("photos/beach.png", 16, 9)
	m.CreateImage("photos/Alps.jpg", 32, 24)
	m.CreateImage("photos/anim.gif", 8, 8)
	m.CreateFile("photos/notes.txt", "not an image")
	m.CreateFile("photos/fake.png", "plain text pretending to be a png")
	m.CreateDir("photos/Trips")
	m.CreateDir("photos/archive")
	m.CreateFile("photos/.hidden.png", "hidden")
}

func (m *MockFileSystem) ensureParent(fullPath string) {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", fullPath, err)
	}
}
