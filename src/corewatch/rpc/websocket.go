package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport is an optional persistent-connection Transport for
// nodes that expose a JSON-RPC-over-websocket endpoint instead of plain
// HTTP. Requests and responses are correlated by the "id" field already
// assigned by Client.Call; a reader goroutine demultiplexes inbound frames
// to the waiting caller.
type WebSocketTransport struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan wsResult

	closeOnce sync.Once
	closed    chan struct{}
}

type wsResult struct {
	data []byte
	err  error
}

type idOnly struct {
	ID int64 `json:"id"`
}

// NewWebSocketTransport dials url and starts the background reader. The
// dial itself uses dialTimeout as a hard deadline.
func NewWebSocketTransport(url string, dialTimeout time.Duration) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("corewatch/rpc: websocket dial failed: %w", err)
	}

	t := &WebSocketTransport{
		url:     url,
		conn:    conn,
		pending: make(map[int64]chan wsResult),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.failAllPending(err)
			return
		}

		var idResp idOnly
		if jsonErr := json.Unmarshal(data, &idResp); jsonErr != nil {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[idResp.ID]
		if ok {
			delete(t.pending, idResp.ID)
		}
		t.mu.Unlock()

		if ok {
			ch <- wsResult{data: data}
		}
	}
}

func (t *WebSocketTransport) failAllPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- wsResult{err: err}
		delete(t.pending, id)
	}
}

func (t *WebSocketTransport) Do(ctx context.Context, body []byte) ([]byte, error) {
	var idReq idOnly
	if err := json.Unmarshal(body, &idReq); err != nil {
		return nil, fmt.Errorf("corewatch/rpc: request missing id: %w", err)
	}

	ch := make(chan wsResult, 1)
	t.mu.Lock()
	t.pending[idReq.ID] = ch
	conn := t.conn
	t.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.mu.Lock()
		delete(t.pending, idReq.ID)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, idReq.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("corewatch/rpc: websocket transport closed")
	}
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return t.conn.Close()
}
