package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/errs"
	"github.com/mordilloSan/imageviewer/internal/metrics"
	"github.com/mordilloSan/imageviewer/internal/version"
	"github.com/mordilloSan/imageviewer/session"
	"github.com/mordilloSan/imageviewer/storage"
	"github.com/mordilloSan/imageviewer/viewer"
)

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi.json", serveOpenapi)
	mux.HandleFunc("/tabs", d.handleTabs)
	mux.HandleFunc("/tabs/open", d.handleTabOpen)
	mux.HandleFunc("/tabs/close", d.handleTabClose)
	mux.HandleFunc("/tabs/reorder", d.handleTabReorder)
	mux.HandleFunc("/tabs/switch", d.handleTabSwitch)
	mux.HandleFunc("/tabs/advance", d.handleTabAdvance)
	mux.HandleFunc("/tabs/seek", d.handleTabSeek)
	mux.HandleFunc("/folder", d.handleFolder)
	mux.HandleFunc("/metadata", d.handleMetadata)
	mux.HandleFunc("/formats", handleFormats)
	mux.HandleFunc("/session/save", d.handleSessionSave)
	mux.HandleFunc("/session/load", d.handleSessionLoad)
	mux.HandleFunc("/sessions", d.handleSessions)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/events", d.handleEvents)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/cache/clear", d.handleCacheClear)
	mux.HandleFunc("/cache/flush", d.handleCacheFlush)
	return instrument(mux)
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type tabsResponse struct {
	Active viewer.TabID     `json:"active_tab_id,omitempty"`
	Tabs   []viewer.TabInfo `json:"tabs"`
}

func (d *daemon) handleTabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, tabsResponse{Active: d.tabs.Active(), Tabs: d.tabs.Tabs()})
}

func (d *daemon) handleTabOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		http.Error(w, "path parameter is required", http.StatusBadRequest)
		return
	}
	id, err := d.tabs.Open(r.Context(), path)
	if err != nil {
		writeError(w, "open tab", err)
		return
	}
	f, err := d.tabs.Get(id)
	if err != nil {
		writeError(w, "open tab", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, f.Snapshot())
}

func (d *daemon) handleTabClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := d.tabs.Close(id); err != nil {
		writeError(w, "close tab", err)
		return
	}
	writeJSON(w, tabsResponse{Active: d.tabs.Active(), Tabs: d.tabs.Tabs()})
}

func (d *daemon) handleTabReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	order, err := strconv.Atoi(r.URL.Query().Get("order"))
	if err != nil {
		http.Error(w, "order must be an integer", http.StatusBadRequest)
		return
	}
	if err := d.tabs.Reorder(id, order); err != nil {
		writeError(w, "reorder tab", err)
		return
	}
	writeJSON(w, tabsResponse{Active: d.tabs.Active(), Tabs: d.tabs.Tabs()})
}

func (d *daemon) handleTabSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := d.tabs.SwitchTo(id); err != nil {
		writeError(w, "switch tab", err)
		return
	}
	writeJSON(w, tabsResponse{Active: d.tabs.Active(), Tabs: d.tabs.Tabs()})
}

func (d *daemon) handleTabAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	f, err := d.folderFor(r)
	if err != nil {
		writeError(w, "advance", err)
		return
	}
	delta := 1
	if raw := r.URL.Query().Get("delta"); raw != "" {
		if delta, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "delta must be an integer", http.StatusBadRequest)
			return
		}
	}
	cursor := f.AdvanceCursor(delta)
	writeJSON(w, map[string]any{
		"tab_id":       f.Tab(),
		"cursor":       cursor,
		"current_path": f.CurrentPath(),
	})
}

func (d *daemon) handleTabSeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		http.Error(w, "path parameter is required", http.StatusBadRequest)
		return
	}
	f, err := d.folderFor(r)
	if err != nil {
		writeError(w, "seek", err)
		return
	}
	if err := f.Seek(path); err != nil {
		writeError(w, "seek", err)
		return
	}
	writeJSON(w, map[string]any{
		"tab_id":       f.Tab(),
		"cursor":       f.Cursor(),
		"current_path": f.CurrentPath(),
	})
}

func (d *daemon) handleFolder(w http.ResponseWriter, r *http.Request) {
	f, err := d.folderFor(r)
	if err != nil {
		writeError(w, "folder", err)
		return
	}
	writeJSON(w, f.Snapshot())
}

func (d *daemon) handleMetadata(w http.ResponseWriter, r *http.Request) {
	f, err := d.folderFor(r)
	if err != nil {
		writeError(w, "metadata", err)
		return
	}
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		path = f.CurrentPath()
	}
	if path == "" {
		writeError(w, "metadata", errs.NotFound("metadata", f.Dir(), fmt.Errorf("folder is empty")))
		return
	}
	meta, err := f.MetadataFor(r.Context(), path)
	if err != nil {
		writeError(w, "metadata", err)
		return
	}
	writeJSON(w, meta)
}

func handleFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"extensions": indexing.SupportedFormats()})
}

func (d *daemon) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "name parameter is required", http.StatusBadRequest)
		return
	}
	state, err := d.sessions.Save(r.Context(), name, d.tabs)
	if err != nil {
		writeError(w, "save session", err)
		return
	}
	writeJSON(w, state)
}

func (d *daemon) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "name parameter is required", http.StatusBadRequest)
		return
	}
	state, err := d.sessions.Load(r.Context(), name)
	if err != nil {
		writeError(w, "load session", err)
		return
	}
	d.tabs.CloseAll()
	res, err := session.Restore(r.Context(), state, d.tabs)
	if err != nil {
		writeError(w, "load session", err)
		return
	}
	logger.Infof("Loaded session %q: %d tabs restored, %d skipped", name, len(res.Restored), res.Skipped)
	writeJSON(w, res)
}

func (d *daemon) handleSessions(w http.ResponseWriter, r *http.Request) {
	names, err := d.sessions.List(r.Context())
	if err != nil {
		writeError(w, "list sessions", err)
		return
	}
	writeJSON(w, map[string]any{"sessions": names})
}

func (d *daemon) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := d.cache.Clear(r.Context()); err != nil {
		writeError(w, "clear cache", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *daemon) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if err := d.cache.Flush(r.Context()); err != nil {
		writeError(w, "flush cache", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var resp struct {
		Version       string             `json:"version"`
		UptimeSeconds int64              `json:"uptime_seconds"`
		OpenTabs      int                `json:"open_tabs"`
		ActiveTabID   viewer.TabID       `json:"active_tab_id,omitempty"`
		Memory        viewer.MemoryStats `json:"memory"`
		PendingLoads  int                `json:"pending_loads"`
		WatchedDirs   int                `json:"watched_dirs"`
		SSEClients    int                `json:"sse_clients"`
		MetadataCache storage.CacheStats `json:"metadata_cache"`
		Disk          storage.DiskStats  `json:"disk"`
		RSSBytes      int64              `json:"rss_bytes"`
		GoAllocBytes  uint64             `json:"go_alloc_bytes"`
		GoSysBytes    uint64             `json:"go_sys_bytes"`
		GoNumGC       uint32             `json:"go_num_gc"`
		Warning       string             `json:"warning,omitempty"`
	}

	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	resp.Version = version.String()
	resp.UptimeSeconds = int64(time.Since(d.started).Seconds())
	resp.OpenTabs = d.tabs.Len()
	resp.ActiveTabID = d.tabs.Active()
	resp.Memory = d.mm.Stats()
	resp.PendingLoads = d.loader.Pending()
	resp.SSEClients = d.events.Count()
	if d.watcher != nil {
		resp.WatchedDirs = d.watcher.Watched()
	}

	if stats, err := d.cache.Stats(ctx); err != nil {
		addWarning(fmt.Sprintf("metadata cache stats unavailable: %v", err))
		logger.Warnf("Status: metadata cache stats unavailable: %v", err)
	} else {
		resp.MetadataCache = stats
	}
	resp.Disk = d.cache.GetDiskStats(ctx, d.cfg.DBPath)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.GoAllocBytes = ms.Alloc
	resp.GoSysBytes = ms.Sys
	resp.GoNumGC = ms.NumGC

	if rss, err := procSelfRSSBytes(); err != nil {
		addWarning(fmt.Sprintf("rss unavailable: %v", err))
	} else {
		resp.RSSBytes = rss
	}

	writeJSON(w, resp)
}

func procSelfRSSBytes() (int64, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// Format: VmRSS:\t  12345 kB
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected VmRSS format: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmRSS not found")
}

// folderFor resolves the tab named by the id query parameter, or the active
// tab when it is absent.
func (d *daemon) folderFor(r *http.Request) (*viewer.FolderContext, error) {
	id := viewer.TabID(strings.TrimSpace(r.URL.Query().Get("id")))
	if id == "" {
		id = d.tabs.Active()
	}
	if id == "" {
		return nil, errs.NotFound("resolve tab", "", fmt.Errorf("no open tab"))
	}
	return d.tabs.Get(id)
}

func requireID(w http.ResponseWriter, r *http.Request) (viewer.TabID, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id parameter is required", http.StatusBadRequest)
		return "", false
	}
	return viewer.TabID(id), true
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errs.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, viewer.ErrLoaderStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s failed: %v", op, err)
	} else {
		logger.Debugf("%s rejected (%d): %v", op, status, err)
	}
	writeJSONStatus(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Minimal OpenAPI document served at /openapi.json.
func serveOpenapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiDoc))
}

const openapiDoc = `{
  "openapi": "3.0.0",
  "info": { "title": "Image Viewer API", "version": "1.0.0" },
  "paths": {
    "/tabs": { "get": { "summary": "List open tabs", "responses": { "200": {"description": "Tabs in order"} } } },
    "/tabs/open": { "post": { "summary": "Open a tab on an image or directory", "parameters": [{ "in": "query", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "201": {"description": "Folder snapshot"}, "404": {"description": "Path not found"}, "403": {"description": "Permission denied"} } } },
    "/tabs/close": { "post": { "summary": "Close a tab", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Remaining tabs"}, "404": {"description": "Unknown tab"} } } },
    "/tabs/reorder": { "post": { "summary": "Move a tab", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }, { "in": "query", "name": "order", "required": true, "schema": {"type": "integer"} }], "responses": { "200": {"description": "Tabs in order"} } } },
    "/tabs/switch": { "post": { "summary": "Activate a tab", "parameters": [{ "in": "query", "name": "id", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Tabs in order"} } } },
    "/tabs/advance": { "post": { "summary": "Move the cursor", "parameters": [{ "in": "query", "name": "id", "schema": {"type": "string"} }, { "in": "query", "name": "delta", "schema": {"type": "integer"} }], "responses": { "200": {"description": "New cursor"} } } },
    "/tabs/seek": { "post": { "summary": "Move the cursor to a path", "parameters": [{ "in": "query", "name": "id", "schema": {"type": "string"} }, { "in": "query", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "New cursor"} } } },
    "/folder": { "get": { "summary": "Folder snapshot of a tab", "parameters": [{ "in": "query", "name": "id", "schema": {"type": "string"} }], "responses": { "200": {"description": "Snapshot"} } } },
    "/metadata": { "get": { "summary": "Image metadata, loaded on demand", "parameters": [{ "in": "query", "name": "id", "schema": {"type": "string"} }, { "in": "query", "name": "path", "schema": {"type": "string"} }], "responses": { "200": {"description": "Metadata"}, "415": {"description": "Unsupported format"} } } },
    "/formats": { "get": { "summary": "Supported image extensions", "responses": { "200": {"description": "Extensions"} } } },
    "/session/save": { "post": { "summary": "Save the tabs as a named session", "parameters": [{ "in": "query", "name": "name", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Saved session"} } } },
    "/session/load": { "post": { "summary": "Replace the tabs with a named session", "parameters": [{ "in": "query", "name": "name", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Restore result"}, "404": {"description": "Unknown session"} } } },
    "/sessions": { "get": { "summary": "List named sessions", "responses": { "200": {"description": "Names"} } } },
    "/status": { "get": { "summary": "Get status", "responses": { "200": {"description": "Status"} } } },
    "/events": { "get": { "summary": "Server-sent events for loads and folder changes", "responses": { "200": {"description": "Event stream"} } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": {"description": "Metrics"} } } },
    "/cache/clear": { "post": { "summary": "Empty the persistent metadata cache", "responses": { "200": {"description": "OK"} } } },
    "/cache/flush": { "post": { "summary": "Checkpoint the persistent metadata cache", "responses": { "200": {"description": "OK"} } } }
  }
}`
