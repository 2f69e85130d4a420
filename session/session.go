// Package session captures the open tabs into a persistable document and
// rebuilds them later.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
	"github.com/mordilloSan/imageviewer/viewer"
)

// TabDescriptor is the persisted form of one tab.
type TabDescriptor struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
	Order     int    `json:"order"`
}

// State is a saved session.
type State struct {
	Name        *string         `json:"name,omitempty"`
	Tabs        []TabDescriptor `json:"tabs"`
	ActiveTabID *string         `json:"active_tab_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Source is what Capture reads from; *viewer.Registry satisfies it.
type Source interface {
	Tabs() []viewer.TabInfo
}

// Target is what Restore writes to; *viewer.Registry satisfies it.
type Target interface {
	OpenWithID(ctx context.Context, id viewer.TabID, path string) (viewer.TabID, error)
	SwitchTo(id viewer.TabID) error
}

// RestoreResult reports what Restore rebuilt.
type RestoreResult struct {
	Restored    []viewer.TabID `json:"restored"`
	Skipped     int            `json:"skipped"`
	ActiveTabID viewer.TabID   `json:"active_tab_id,omitempty"`
}

var now = time.Now

// Capture projects the open tabs of src. Each tab is saved at the image
// under its cursor, or at its directory when the folder is empty.
func Capture(src Source) State {
	infos := src.Tabs()
	state := State{
		Tabs:      make([]TabDescriptor, 0, len(infos)),
		CreatedAt: now().UTC(),
	}
	for _, info := range infos {
		p := info.CurrentPath
		if p == "" {
			p = info.Dir
		}
		state.Tabs = append(state.Tabs, TabDescriptor{
			ID:        string(info.ID),
			ImagePath: p,
			Order:     info.Order,
		})
		if info.Active {
			id := string(info.ID)
			state.ActiveTabID = &id
		}
	}
	return state
}

// Restore reopens the tabs of state in ascending order. Tabs whose path no
// longer exists are skipped and counted; other open failures are logged and
// skipped as well. The saved active tab is re-activated when it survived,
// otherwise the first restored tab is.
func Restore(ctx context.Context, state State, dst Target) (RestoreResult, error) {
	descs := append([]TabDescriptor(nil), state.Tabs...)
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Order < descs[j].Order })

	var res RestoreResult
	opened := make(map[string]viewer.TabID, len(descs))
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, err := dst.OpenWithID(ctx, viewer.TabID(d.ID), d.ImagePath)
		if err != nil {
			res.Skipped++
			if errors.Is(err, errs.ErrNotFound) {
				logger.Infof("Skipping tab %s: %s no longer exists", d.ID, d.ImagePath)
			} else {
				logger.Warnf("Skipping tab %s (%s): %v", d.ID, d.ImagePath, err)
			}
			continue
		}
		opened[d.ID] = id
		res.Restored = append(res.Restored, id)
	}

	if len(res.Restored) > 0 {
		res.ActiveTabID = res.Restored[0]
		if state.ActiveTabID != nil {
			if id, ok := opened[*state.ActiveTabID]; ok {
				res.ActiveTabID = id
			}
		}
		if err := dst.SwitchTo(res.ActiveTabID); err != nil {
			return res, err
		}
	}
	metrics.RecordSessionSkipped(res.Skipped)
	return res, nil
}

func Encode(state State) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

func Decode(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, err
	}
	return state, nil
}
