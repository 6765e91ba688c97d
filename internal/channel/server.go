package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	serverPingPeriod = 30 * time.Second
)

// Dispatcher applies and answers the operations a Server receives over
// the duplex channel: pushed changes are run through the resolver and
// change queue by the caller, pulled updates come back from the
// canonical store. It keeps the transport package free of any direct
// dependency on syncengine/store, mirroring the teacher's daemon.ConnectionPool
// indirection between websocket.go and the RPC client.
type Dispatcher interface {
	ApplyBatch(ctx context.Context, env BatchEnvelope) BatchResponseEnvelope
	PullUpdates(ctx context.Context, req PullUpdatesRequest) PullUpdatesResponse
}

// upgrader configures WebSocket connection upgrade parameters, grounded
// on the teacher's examples/beads-web-ui/websocket.go upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "https://127.0.0.1")
	},
}

// serverConn is one accepted duplex channel connection on the server side.
type serverConn struct {
	conn       *websocket.Conn
	dispatcher Dispatcher
	logger     *slog.Logger
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

// Handler upgrades HTTP requests to the duplex channel's websocket
// transport and services sync-change/batch/pull-updates traffic,
// grounded on the teacher's handleWebSocket/readPump/writePump split.
func Handler(dispatcher Dispatcher, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("channel: upgrade failed", "error", err)
			return
		}

		sc := &serverConn{
			conn:       conn,
			dispatcher: dispatcher,
			logger:     logger,
			send:       make(chan []byte, 256),
			done:       make(chan struct{}),
		}

		go sc.writePump()
		go sc.readPump()
	}
}

func (sc *serverConn) readPump() {
	defer func() {
		sc.closeOnce.Do(func() { close(sc.done) })
		sc.conn.Close()
	}()

	sc.conn.SetReadLimit(maxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sc.logger.Warn("channel: unexpected close", "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.logger.Warn("channel: invalid message", "error", err)
			continue
		}
		sc.handle(msg)
	}
}

func (sc *serverConn) writePump() {
	ticker := time.NewTicker(serverPingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sc.logger.Warn("channel: write failed", "error", err)
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sc.done:
			return
		}
	}
}

func (sc *serverConn) handle(msg Message) {
	switch msg.Type {
	case TypePing:
		sc.reply(TypePong, nil)
	case TypeBatch:
		var env BatchEnvelope
		if err := msg.Decode(&env); err != nil {
			sc.logger.Warn("channel: bad batch envelope", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultBatchTimeout)
		resp := sc.dispatcher.ApplyBatch(ctx, env)
		cancel()
		sc.reply(TypeBatchResponse, resp)
	case TypePullUpdates:
		var req PullUpdatesRequest
		if err := msg.Decode(&req); err != nil {
			sc.logger.Warn("channel: bad pull-updates request", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultBatchTimeout)
		resp := sc.dispatcher.PullUpdates(ctx, req)
		cancel()
		sc.reply(TypePullUpdatesResp, resp)
	default:
		sc.logger.Warn("channel: unknown message type", "type", msg.Type)
	}
}

// NotifyConflict pushes an unsolicited conflict message to the client,
// used when the server detects a conflict outside of a client-initiated
// batch push (e.g. a concurrent write from another device).
func (sc *serverConn) NotifyConflict(n ConflictNotification) {
	sc.reply(TypeConflict, n)
}

func (sc *serverConn) reply(msgType string, payload any) {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		sc.logger.Warn("channel: marshal reply failed", "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		sc.logger.Warn("channel: marshal reply failed", "error", err)
		return
	}
	select {
	case sc.send <- data:
	default:
		sc.logger.Warn("channel: send buffer full, closing connection")
		sc.closeOnce.Do(func() { close(sc.send) })
	}
}

// NewServerMux builds the HTTP handler for the duplex channel endpoint
// plus a liveness probe, wrapped in h2c so the same cleartext listener
// serves plain HTTP/1.1 websocket upgrades alongside HTTP/2 requests
// from proxies that prefer it, without requiring TLS termination in
// front of the sync server.
func NewServerMux(path string, dispatcher Dispatcher, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(dispatcher, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}
