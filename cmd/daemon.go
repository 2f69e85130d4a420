package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/config"
	"github.com/mordilloSan/imageviewer/session"
	"github.com/mordilloSan/imageviewer/storage"
	"github.com/mordilloSan/imageviewer/viewer"
)

type daemon struct {
	cfg *config.Config

	db       *sql.DB
	cache    *storage.MetadataCache
	gateway  *storage.CachingGateway
	mm       *viewer.MemoryManager
	loader   *viewer.Loader
	watcher  *viewer.FolderWatcher
	tabs     *viewer.Registry
	sessions *session.Manager
	events   *broadcaster

	ctx    context.Context
	cancel context.CancelFunc

	servers         []*http.Server
	usedSystemdSock bool
	started         time.Time
	closeOnce       sync.Once
}

// NewDaemon wires the viewer core from cfg and restores the auto-session
// before returning, so the first API call already sees the previous tabs.
func NewDaemon(cfg *config.Config) (*daemon, error) {
	if cfg.SocketPath == "-" {
		cfg.SocketPath = ""
	}

	db, kept, err := storage.OpenWithIntegrityCheck(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	logger.Infof("DB connection pool opened: %s (existing=%t)", cfg.DBPath, kept)
	journalCtx, cancelJournal := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelJournal()
	if mode, err := storage.GetJournalMode(journalCtx, db); err != nil {
		logger.Warnf("Failed to determine database journal_mode: %v", err)
	} else {
		logger.Infof("Database journal_mode: %s", strings.ToUpper(mode))
	}

	mm, err := viewer.NewMemoryManager(cfg.MemoryBudget(), cfg.PressureThreshold, cfg.PrefetchRadius)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store, err := storage.NewFileStore(cfg.SessionsDir())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{
		cfg:      cfg,
		db:       db,
		mm:       mm,
		sessions: session.NewManager(store),
		events:   newBroadcaster(),
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
	}

	d.cache = storage.NewMetadataCache(ctx, db, cfg.MetadataMaxEntries)
	d.gateway = storage.NewCachingGateway(indexing.NewOSGateway(false), d.cache)
	d.loader = viewer.NewLoader(d.gateway, cfg.LoadWorkers, cfg.ToleranceRadius)
	d.loader.OnResult(d.onLoadResult)
	d.tabs = viewer.NewRegistry(d.gateway, mm, d.loader)

	if w, err := viewer.NewFolderWatcher(mm); err != nil {
		logger.Warnf("Folder watching disabled: %v", err)
	} else {
		w.OnChange(d.onFolderChange)
		d.watcher = w
		d.tabs.SetWatcher(w)
	}

	d.loader.Start(ctx)
	d.restoreAutoSession(ctx)
	return d, nil
}

func (d *daemon) restoreAutoSession(ctx context.Context) {
	state := d.sessions.LoadAuto(ctx)
	if state == nil {
		logger.Infof("No prior session found")
		return
	}
	res, err := session.Restore(ctx, *state, d.tabs)
	if err != nil {
		logger.Warnf("Auto-session restore incomplete: %v", err)
		return
	}
	logger.Infof("Restored %d tabs from the previous session (%d skipped)", len(res.Restored), res.Skipped)
}

func (d *daemon) onLoadResult(res viewer.Result) {
	ev := metadataEvent{
		TabID:      res.Tab,
		Path:       res.Path,
		Outcome:    string(res.Outcome),
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Outcome == viewer.OutcomeLoaded {
		dims := res.Meta.Dimensions
		ev.Dimensions = &dims
	}
	if res.Err != nil && res.Outcome == viewer.OutcomeFailed {
		ev.Error = res.Err.Error()
	}
	d.events.Publish("metadata", ev)
}

func (d *daemon) onFolderChange(c viewer.Change) {
	d.gateway.Forget(d.ctx, c.Path)
	d.events.Publish("change", c)
}

func (d *daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *daemon) close() {
	logger.Infof("Shutting down daemon...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range d.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}
	d.events.Close()

	if err := d.sessions.SaveAuto(shutdownCtx, d.tabs); err != nil {
		logger.Warnf("Failed to save auto-session: %v", err)
	} else {
		logger.Infof("Auto-session saved (%d tabs)", d.tabs.Len())
	}

	d.loader.Stop()
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			logger.Warnf("Folder watcher close error: %v", err)
		}
	}
	d.tabs.CloseAll()

	if err := d.cache.Flush(shutdownCtx); err != nil {
		logger.Warnf("Metadata cache flush error: %v", err)
	}
	if err := d.cache.Close(); err != nil {
		logger.Warnf("Metadata cache close error: %v", err)
	}
	d.cancel()

	if err := d.db.Close(); err != nil {
		logger.Warnf("Database close error: %v", err)
	}

	// Remove Unix socket only if we created it (not systemd-managed)
	if d.cfg.SocketPath != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

// getUnixListener returns a Unix socket listener, preferring systemd socket activation
func (d *daemon) getUnixListener() (net.Listener, error) {
	if l := systemdUnixListener(); l != nil {
		d.usedSystemdSock = true
		return l, nil
	}

	d.usedSystemdSock = false
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		if closeErr := l.Close(); closeErr != nil {
			logger.Warnf("Failed to close listener after chmod error: %v", closeErr)
		}
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return l, nil
}

// systemdUnixListener checks for systemd socket activation and returns the listener if available
func systemdUnixListener() net.Listener {
	pid := os.Getenv("LISTEN_PID")
	fds := os.Getenv("LISTEN_FDS")
	if pid == "" || fds == "" {
		return nil
	}
	if pid != strconv.Itoa(os.Getpid()) {
		return nil
	}
	numFDs, err := strconv.Atoi(fds)
	if err != nil || numFDs != 1 {
		return nil
	}

	// FD 3 is the first passed file descriptor (after stdin, stdout, stderr)
	const systemdFD = 3
	file := os.NewFile(uintptr(systemdFD), "systemd-socket")
	if file == nil {
		return nil
	}
	l, err := net.FileListener(file)
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warnf("Failed to close file after FileListener error: %v", closeErr)
		}
		return nil
	}

	if err := os.Unsetenv("LISTEN_PID"); err != nil {
		logger.Warnf("Failed to unset LISTEN_PID: %v", err)
	}
	if err := os.Unsetenv("LISTEN_FDS"); err != nil {
		logger.Warnf("Failed to unset LISTEN_FDS: %v", err)
	}
	return l
}

// Run starts the maintenance scheduler and the HTTP servers, and blocks
// until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	if d.cfg.MaintenanceInterval > 0 {
		go d.startScheduler(ctx)
	}
	return d.startHTTP(ctx)
}

func (d *daemon) startScheduler(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.runMaintenance(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *daemon) runMaintenance(ctx context.Context) {
	if err := d.cache.Flush(ctx); err != nil {
		logger.Warnf("Maintenance: metadata cache flush failed: %v", err)
	}
	if err := storage.RunMaintenance(ctx, d.db); err != nil {
		logger.Errorf("Scheduled maintenance failed: %v", err)
	}
}

func (d *daemon) startHTTP(ctx context.Context) error {
	handler := d.routes()

	errCh := make(chan error, 2)
	serverCount := 0

	if d.cfg.SocketPath != "" {
		l, err := d.getUnixListener()
		if err != nil {
			return err
		}

		srv := &http.Server{Handler: handler, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, srv)
		serverCount++
		if d.usedSystemdSock {
			logger.Infof("API listening on unix://%s (systemd socket activation)", d.cfg.SocketPath)
		} else {
			logger.Infof("API listening on unix://%s", d.cfg.SocketPath)
		}
		go func() {
			errCh <- srv.Serve(l)
		}()
	}

	if d.cfg.ListenAddr != "" {
		tcpSrv := &http.Server{Addr: d.cfg.ListenAddr, Handler: handler, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, tcpSrv)
		serverCount++
		logger.Infof("API listening on http://localhost%s", d.cfg.ListenAddr)
		go func() {
			errCh <- tcpSrv.ListenAndServe()
		}()
	}

	if serverCount == 0 {
		return fmt.Errorf("no listeners configured")
	}

	select {
	case <-ctx.Done():
		d.events.Close()
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		return nil
	case err := <-errCh:
		d.events.Close()
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
