package indexing

import (
	"path/filepath"
	"sort"
	"strings"
)

// supportedExtensions are lowercase, without the dot.
var supportedExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp"}

var supportedSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(supportedExtensions))
	for _, ext := range supportedExtensions {
		m[ext] = struct{}{}
	}
	return m
}()

// SupportedFormats returns a copy of the recognized image extensions.
func SupportedFormats() []string {
	out := make([]string, len(supportedExtensions))
	copy(out, supportedExtensions)
	return out
}

// IsImageName reports whether name has a supported image extension.
func IsImageName(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	_, ok := supportedSet[ext]
	return ok
}

// SortEntries orders entries directories first, then by lowercase name, with
// the raw name as a final tie-break so equal-folding names stay deterministic.
func SortEntries(entries []FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}

func entryLess(a, b FileEntry) bool {
	if a.IsDirectory != b.IsDirectory {
		return a.IsDirectory
	}
	la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
	if la != lb {
		return la < lb
	}
	return a.Name < b.Name
}
