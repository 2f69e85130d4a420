package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// These variables are intended to be set at build time via -ldflags.
// Example:
//
//	go build -ldflags "-X github.com/mordilloSan/imageviewer/internal/version.Version=v0.3.0 -X github.com/mordilloSan/imageviewer/internal/version.Commit=abc123"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

func Get() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = shortCommit(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}

	return info
}

func shortCommit(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func (i Info) String() string {
	v := i.Version
	if v == "" {
		v = "dev"
	}

	var meta []string
	if i.Commit != "" {
		meta = append(meta, "commit "+i.Commit)
	}
	if i.Date != "" {
		meta = append(meta, "built "+i.Date)
	}
	if i.Dirty {
		meta = append(meta, "dirty")
	}
	if len(meta) == 0 {
		return v
	}
	return v + " (" + strings.Join(meta, ", ") + ")"
}

// UserAgent is the identifier reported by the status endpoint.
func UserAgent() string {
	return fmt.Sprintf("imageviewer/%s", Get().Version)
}

func String() string {
	return fmt.Sprintf("imageviewer %s", Get().String())
}
