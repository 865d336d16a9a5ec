package output

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/banshee-data/camtrap/internal/monitoring"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveClientQueue  = 16
)

// LiveMessage is what websocket clients receive for each decision.
type LiveMessage struct {
	Type     string           `json:"type"` // "event" or "sequence"
	At       time.Time        `json:"at"`
	Event    *Decision        `json:"event,omitempty"`
	Sequence *SequenceSummary `json:"sequence,omitempty"`
}

// SequenceSummary is a SequenceResult without pixel data.
type SequenceSummary struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Frames       int       `json:"frames"`
	AnimalFrames int       `json:"animal_frames"`
	Inferences   int       `json:"inferences"`
	Vetoed       bool      `json:"vetoed"`
}

// LiveHub is a Sink that pushes every decision to connected websocket
// clients. A client that falls behind by more than a small queue loses
// messages rather than slowing the pipeline.
type LiveHub struct {
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	dropped atomic.Uint64
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		now:      time.Now,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

func (h *LiveHub) Deliver(_ context.Context, d Decision) error {
	h.broadcast(LiveMessage{Type: "event", At: h.now(), Event: &d})
	return nil
}

func (h *LiveHub) DeliverSequence(_ context.Context, r SequenceResult) error {
	h.broadcast(LiveMessage{Type: "sequence", At: h.now(), Sequence: &SequenceSummary{
		ID:           r.ID,
		Start:        r.Start,
		End:          r.End,
		Frames:       r.Frames,
		AnimalFrames: len(r.Animals),
		Inferences:   r.Inferences,
		Vetoed:       r.Vetoed,
	}})
	return nil
}

// Clients returns the number of connected clients.
func (h *LiveHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages discarded for slow clients.
func (h *LiveHub) Dropped() uint64 { return h.dropped.Load() }

func (h *LiveHub) broadcast(msg LiveMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		monitoring.Warnf("failed to encode live message: %v", err)
		return
	}
	for _, q := range h.clients {
		select {
		case q <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// AttachAdminRoutes mounts the decision stream at /debug/decisions.
func (h *LiveHub) AttachAdminRoutes(mux *http.ServeMux) {
	tsweb.Debugger(mux).Handle("decisions", "Live keep/drop decisions (websocket)", h)
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Debugf("live upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	q := make(chan []byte, liveClientQueue)
	h.mu.Lock()
	h.clients[conn] = q
	h.mu.Unlock()
	monitoring.Debugf("live client %s connected", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		// Reads only notice the close; clients send nothing.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		monitoring.Debugf("live client %s disconnected", r.RemoteAddr)
	}()
	for {
		select {
		case data := <-q:
			conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
