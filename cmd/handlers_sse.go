package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/imageviewer/indexing"
	"github.com/mordilloSan/imageviewer/internal/metrics"
	"github.com/mordilloSan/imageviewer/viewer"
)

const (
	subscriberBuffer = 64
	keepAliveEvery   = 15 * time.Second
)

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	metrics.RecordSSEEvent(event)
	return nil
}

// SendError sends an error event
func (s *SSEWriter) SendError(msg string) error {
	return s.SendEvent("error", map[string]string{"message": msg})
}

func (s *SSEWriter) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// metadataEvent reports a finished metadata load.
type metadataEvent struct {
	TabID      viewer.TabID         `json:"tab_id"`
	Path       string               `json:"path"`
	Outcome    string               `json:"outcome"`
	Dimensions *indexing.Dimensions `json:"dimensions,omitempty"`
	Error      string               `json:"error,omitempty"`
	DurationMs int64                `json:"duration_ms"`
}

// sseEvent is one message fanned out to subscribers.
type sseEvent struct {
	Type string
	Data any
}

// broadcaster fans events out to SSE subscribers. Slow subscribers lose
// events rather than stall the publisher.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan sseEvent]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan sseEvent]struct{})}
}

// Subscribe registers a subscriber. The channel is closed when the
// broadcaster closes or cancel is called.
func (b *broadcaster) Subscribe() (<-chan sseEvent, func()) {
	ch := make(chan sseEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			count := len(b.subs)
			b.mu.Unlock()
			metrics.SetSSEConnectionsActive(count)
		})
	}
}

func (b *broadcaster) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev := sseEvent{Type: typ, Data: data}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugf("Dropping %s event for a slow SSE subscriber", typ)
		}
	}
}

// Count returns the number of live subscribers.
func (b *broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	clear(b.subs)
	metrics.SetSSEConnectionsActive(0)
}

// handleEvents handles GET /events: a stream of metadata load outcomes and
// folder change notifications, opened with a snapshot of the tabs.
func (d *daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events, cancel := d.events.Subscribe()
	defer cancel()

	_ = sse.SendEvent("connected", tabsResponse{Active: d.tabs.Active(), Tabs: d.tabs.Tabs()})

	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.SendEvent(ev.Type, ev.Data); err != nil {
				logger.Debugf("SSE client gone: %v", err)
				return
			}
		case <-ticker.C:
			if err := sse.keepAlive(); err != nil {
				return
			}
		}
	}
}
