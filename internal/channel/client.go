package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/offlinefirst/datalayer/internal/idgen"
)

// Timing constants from spec §4.D / §6.
const (
	defaultHeartbeatInterval = 30 * time.Second
	maxUnansweredPings       = 3
	defaultBatchTimeout      = 30 * time.Second
	maxMessageSize           = 1 << 20
)

// ReconnectOptions mirrors config.ReconnectOptions without importing the
// config package, keeping channel dependency-free of the options loader.
type ReconnectOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultReconnectOptions are the spec §4.D defaults.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2}
}

// Handler is invoked for every inbound Message, dispatched by Type
// (spec §4.D "Receive").
type Handler func(Message)

// Client is the duplex channel's client side: dial, heartbeat,
// exponential-backoff reconnect, and an offline send-queue. Grounded on
// the teacher's examples/beads-web-ui/daemon/connection.go dial/timeout
// shape, generalized from a Unix-socket RPC dial to a websocket dial with
// backoff, and on websocket.go's read/write pump split.
type Client struct {
	endpoint string
	deviceID string
	reconn   ReconnectOptions
	logger   *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	sendQueue  []Message
	handlers   map[string]Handler
	unanswered atomic.Int32
	batchMu    sync.Mutex
	batchWaits map[string]chan BatchResponseEnvelope

	closing chan struct{}
}

// New constructs a Client. Connect must be called before it carries traffic.
func New(endpoint, deviceID string, reconn ReconnectOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		deviceID:   deviceID,
		reconn:     reconn,
		logger:     logger,
		state:      StateDisconnected,
		handlers:   make(map[string]Handler),
		batchWaits: make(map[string]chan BatchResponseEnvelope),
	}
}

// Subscribe registers handler for inbound messages of the given type.
// "pong" is handled internally and never reaches subscribers (spec §4.D).
func (c *Client) Subscribe(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect opens a connection to the configured endpoint. On success it
// emits "connected" (via the internal handler map, type "connected"),
// flushes the send-queue, and starts the heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, http.Header{})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("channel: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.unanswered.Store(0)
	c.closing = make(chan struct{})
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.dispatch(Message{Type: "connected", DeviceID: c.deviceID, Timestamp: time.Now().UTC()})
	c.flushQueue()
	return nil
}

// Disconnect closes the connection with a normal-closure code and cancels
// the heartbeat/reconnect timers, leaving the send-queue intact for the
// next Connect (spec §4.D "Cancellation").
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.state = StateDisconnecting
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()

	if closing != nil {
		select {
		case <-closing:
		default:
			close(closing)
		}
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

// Send transmits msg if Connected, otherwise enqueues it (spec §4.D).
// Ordering guarantee: messages leave in enqueue order within one sender.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		c.sendQueue = append(c.sendQueue, msg)
		return nil
	}
	return c.writeLocked(msg)
}

func (c *Client) writeLocked(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: marshal: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

func (c *Client) flushQueue() {
	c.mu.Lock()
	pending := c.sendQueue
	c.sendQueue = nil
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.mu.Lock()
		c.sendQueue = append(pending, c.sendQueue...)
		c.mu.Unlock()
		return
	}
	for _, msg := range pending {
		if err := c.Send(msg); err != nil {
			c.logger.Warn("channel: flush send failed", "error", err)
		}
	}
}

// ErrBatchTimeout is returned by SendBatch when no batch-response arrives
// within 30s (spec §4.D/§5, taxonomy kind BatchTimeout).
var ErrBatchTimeout = errors.New("channel: batch timed out")

// SendBatch assigns a batch id, transmits one "batch" envelope, and
// awaits the matching batch-response, demultiplexed by batch id the same
// way the teacher's RPC layer correlates concurrent requests.
func (c *Client) SendBatch(ctx context.Context, env BatchEnvelope) (BatchResponseEnvelope, error) {
	if env.BatchID == "" {
		env.BatchID = idgen.NewChangeID()
	}

	wait := make(chan BatchResponseEnvelope, 1)
	c.batchMu.Lock()
	c.batchWaits[env.BatchID] = wait
	c.batchMu.Unlock()
	defer func() {
		c.batchMu.Lock()
		delete(c.batchWaits, env.BatchID)
		c.batchMu.Unlock()
	}()

	msg, err := NewMessage(TypeBatch, c.deviceID, env)
	if err != nil {
		return BatchResponseEnvelope{}, err
	}
	if err := c.Send(msg); err != nil {
		return BatchResponseEnvelope{}, err
	}

	timer := time.NewTimer(defaultBatchTimeout)
	defer timer.Stop()
	select {
	case resp := <-wait:
		return resp, nil
	case <-timer.C:
		return BatchResponseEnvelope{}, ErrBatchTimeout
	case <-ctx.Done():
		return BatchResponseEnvelope{}, ctx.Err()
	}
}

func (c *Client) readPump() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		c.unanswered.Store(0)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportFailure()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("channel: invalid message", "error", err)
			continue
		}
		c.onMessage(msg)
	}
}

func (c *Client) onMessage(msg Message) {
	if msg.Type == TypePong {
		c.unanswered.Store(0)
		return
	}
	if msg.Type == TypeBatchResponse {
		var env BatchResponseEnvelope
		if err := msg.Decode(&env); err == nil {
			c.batchMu.Lock()
			wait, ok := c.batchWaits[env.BatchID]
			c.batchMu.Unlock()
			if ok {
				wait <- env
			}
		}
	}
	c.dispatch(msg)
}

func (c *Client) dispatch(msg Message) {
	c.mu.RLock()
	h, ok := c.handlers[msg.Type]
	c.mu.RUnlock()
	if ok && h != nil {
		h(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(defaultHeartbeatInterval)
	defer ticker.Stop()

	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()

	for {
		select {
		case <-ticker.C:
			if c.unanswered.Add(1) > maxUnansweredPings {
				c.handleTransportFailure()
				return
			}
			ping, _ := NewMessage(TypePing, c.deviceID, nil)
			if err := c.Send(ping); err != nil {
				c.handleTransportFailure()
				return
			}
		case <-closing:
			return
		}
	}
}

// handleTransportFailure transitions to Reconnecting and starts the
// exponential-backoff reconnect loop (spec §4.D "Reconnect").
func (c *Client) handleTransportFailure() {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.conn = nil
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	opts := c.reconn
	if opts.MaxAttempts == 0 {
		opts = DefaultReconnectOptions()
	}
	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		// Disconnect closes closing, which aborts the wait and the loop.
		select {
		case <-time.After(backoffDelay(opts, attempt)):
		case <-closing:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("channel: reconnect attempt failed", "attempt", attempt, "error", err)
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.dispatch(Message{Type: "reconnect-failed", Timestamp: time.Now().UTC()})
}

// backoffDelay computes min(base*factor^(attempt-1), maxDelay) with a
// small jitter to avoid synchronized reconnect storms across devices.
func backoffDelay(opts ReconnectOptions, attempt int) time.Duration {
	raw := float64(opts.BaseDelay) * math.Pow(opts.Factor, float64(attempt-1))
	capped := math.Min(raw, float64(opts.MaxDelay))
	jitter := 1 + (rand.Float64()-0.5)*0.1
	return time.Duration(capped * jitter)
}
