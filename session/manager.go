package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
)

const (
	// AutoKey holds the session saved on exit and restored on start.
	AutoKey     = "auto-session"
	namedPrefix = "session-"
)

// Store is a key/value byte store; storage.FileStore implements it.
type Store interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context) ([]string, error)
}

// Manager persists sessions in a Store.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// SaveAuto writes the auto-session.
func (m *Manager) SaveAuto(ctx context.Context, src Source) error {
	err := m.write(ctx, AutoKey, Capture(src))
	metrics.RecordSessionOp("save_auto", err == nil)
	return err
}

// LoadAuto returns the auto-session, or nil when there is none. A session
// that cannot be read is treated as absent.
func (m *Manager) LoadAuto(ctx context.Context) *State {
	state, found, err := m.read(ctx, AutoKey)
	metrics.RecordSessionOp("load_auto", err == nil)
	if err != nil {
		logger.Warnf("Ignoring unreadable auto-session: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	return &state
}

// Save writes the current tabs under name.
func (m *Manager) Save(ctx context.Context, name string, src Source) (State, error) {
	if name == "" {
		return State{}, fmt.Errorf("session name is required")
	}
	state := Capture(src)
	state.Name = &name
	err := m.write(ctx, namedPrefix+name, state)
	metrics.RecordSessionOp("save", err == nil)
	if err != nil {
		return State{}, err
	}
	logger.Infof("Saved session %q with %d tabs", name, len(state.Tabs))
	return state, nil
}

// Load reads the session saved under name.
func (m *Manager) Load(ctx context.Context, name string) (State, error) {
	state, found, err := m.read(ctx, namedPrefix+name)
	metrics.RecordSessionOp("load", err == nil && found)
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{}, errs.NotFound("load session", name, nil)
	}
	return state, nil
}

// List returns the names of the saved sessions.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, namedPrefix); ok && name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *Manager) write(ctx context.Context, key string, state State) error {
	data, err := Encode(state)
	if err != nil {
		return errs.Persistence("encode session", key, err)
	}
	if err := m.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}
	return nil
}

func (m *Manager) read(ctx context.Context, key string) (State, bool, error) {
	data, found, err := m.store.Read(ctx, key)
	if err != nil {
		return State{}, false, fmt.Errorf("read session %s: %w", key, err)
	}
	if !found {
		return State{}, false, nil
	}
	state, err := Decode(data)
	if err != nil {
		return State{}, false, errs.Persistence("decode session", key, err)
	}
	return state, true, nil
}
