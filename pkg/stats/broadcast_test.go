package stats

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterConcurrentClients(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	const n = 8
	conns := make([]*websocket.Conn, n)
	dialErrs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], _, dialErrs[i] = websocket.DefaultDialer.Dial(url, nil)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, dialErrs[i])
	}

	b.Broadcast(&EngineState{WorkerID: "worker-ws"})
	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, string(msg), `"worker_id":"worker-ws"`)
	}

	// Disconnects race further broadcasts; the client set must stay
	// consistent throughout.
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i].Close()
		}(i)
	}
	for i := 0; i < 4; i++ {
		b.Broadcast(&EngineState{WorkerID: "worker-ws"})
	}
	wg.Wait()
}
