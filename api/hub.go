package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"AutoFocusServer/autofocus"
	iface "AutoFocusServer/interface"
	"AutoFocusServer/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	sendBuffer = 64
	writeWait  = 2 * time.Second
)

// Event is one message on the /ws stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans run, worker and volumetry events out to every websocket
// client. A client that cannot keep up is dropped rather than slowing the
// run loop down.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: logger.OrNop(log), clients: map[*client]struct{}{}}
}

// Clients is the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every client.
func (h *Hub) Broadcast(typ string, data any) {
	msg, err := json.Marshal(Event{Type: typ, Time: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Error("event not encodable", zap.String("type", typ), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("websocket client too slow, dropped", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and streams events until the client goes
// away. Incoming messages are read only to notice the close.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writePump(cl)
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(cl)
	h.log.Info("websocket client disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}

// Run notifications.

func (h *Hub) OnStatus(msg string) { h.Broadcast("status", gin.H{"message": msg}) }

func (h *Hub) OnProgress(current, total int) {
	h.Broadcast("progress", gin.H{"current": current, "total": total})
}

func (h *Hub) OnObjectCaptured(capture iface.FocusedCapture) { h.Broadcast("object_captured", capture) }

func (h *Hub) OnFinished(total int) { h.Broadcast("finished", gin.H{"images": total}) }

func (h *Hub) OnStopped() { h.Broadcast("stopped", nil) }

func (h *Hub) OnError(msg string) { h.Broadcast("error", gin.H{"message": msg}) }

type focalSummary struct {
	Z     float64 `json:"z_um"`
	Score float64 `json:"score"`
}

// WorkerCallbacks reports worker progress on the stream. sink, if set,
// receives each multi-focal batch before its frames are released.
func (h *Hub) WorkerCallbacks(sink func(autofocus.MultiFocalBatch)) autofocus.Callbacks {
	return autofocus.Callbacks{
		OnProgress: func(step, total int, z float64) {
			h.Broadcast("worker_progress", gin.H{"step": step, "total": total, "z_um": z})
		},
		OnScanDone: func(z, score float64) {
			h.Broadcast("worker_scan_done", gin.H{"z_um": z, "score": score})
		},
		OnCaptured: func(batch autofocus.MultiFocalBatch) {
			defer batch.Close()
			if sink != nil {
				sink(batch)
			}
			planes := make([]focalSummary, 0, len(batch.Captures))
			for _, fc := range batch.Captures {
				planes = append(planes, focalSummary{Z: fc.Z, Score: fc.Score})
			}
			h.Broadcast("worker_captured", gin.H{"bpof_um": batch.BPoF, "planes": planes})
		},
		OnError: func(err error) {
			h.Broadcast("worker_error", gin.H{"message": err.Error()})
		},
		OnCancelled: func() { h.Broadcast("worker_cancelled", nil) },
	}
}
