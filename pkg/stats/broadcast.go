package stats

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes engine state to connected dashboard clients via
// WebSocket.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	total := len(b.clients)
	b.mu.Unlock()

	log.Printf("📊 Dashboard client connected (%d total)", total)

	// Read loop (to detect disconnect)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			remain := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			log.Printf("📊 Dashboard client disconnected (%d remain)", remain)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// EngineState is the JSON payload pushed to the dashboard.
type EngineState struct {
	WorkerID      string         `json:"worker_id"`
	GPU           GPUState       `json:"gpu"`
	QueueDepth    int            `json:"queue_depth"`
	AvgLatencyMs  int64          `json:"avg_latency_ms"`
	LastBatchSize int32          `json:"last_batch_size"`
	TotalBatches  int64          `json:"total_batches"`
	TotalPayloads int64          `json:"total_payloads"`
	Contexts      []ContextStats `json:"contexts"`
}

// Broadcast sends the engine state to all connected WebSocket clients.
func (b *Broadcaster) Broadcast(state *EngineState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
