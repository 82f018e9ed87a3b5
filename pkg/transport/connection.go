package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

// OverflowPolicy decides what happens when a peer's outbound queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect closes the slow connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

var ErrSlowConsumer = errors.New("outbound queue overflow")

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next frame; 0 waits forever.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	OutboundQueue  int
	Overflow       OverflowPolicy
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDropOldest
	}
	return c
}

// Observer receives transport-level counters. All methods may be called
// concurrently.
type Observer interface {
	FrameDropped(policy OverflowPolicy)
	TransportError(kind string)
}

type nopObserver struct{}

func (nopObserver) FrameDropped(OverflowPolicy) {}
func (nopObserver) TransportError(string)       {}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig

	// queueMu serialises producers so drop-oldest never races another Send.
	queueMu sync.Mutex
	send    chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler
	observer  Observer

	done      chan struct{}
	wg        *sync.WaitGroup
	started   bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	config = config.withDefaults()

	if conn != nil && config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		onClose:   onClose,
		observer:  nopObserver{},
		send:      make(chan []byte, config.OutboundQueue),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	if c.wg != nil {
		c.wg.Add(1)
	}
	c.started = true
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.readFrame()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

// readFrame returns the next data frame, or nil for frames that should be
// skipped.
func (c *Connection) readFrame() ([]byte, error) {
	readCtx := c.ctx
	if c.config.ReadTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		defer cancel()
	}
	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.observer.TransportError("read")
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.observer.TransportError("write")
				writeErr = err
				return
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.observer.TransportError("ping")
				writeErr = fmt.Errorf("ping: %w", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, message)
}

// Send queues a message for the client. It is safe for concurrent use and
// never blocks: when the queue is full the overflow policy applies.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return false
	default:
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	select {
	case c.send <- message:
		return true
	default:
	}

	c.observer.FrameDropped(c.config.Overflow)
	if c.config.Overflow == OverflowDisconnect {
		c.logger.Warn("Outbound queue full, disconnecting slow consumer", slog.Int("queue", cap(c.send)))
		go c.Close(ErrSlowConsumer)
		return false
	}

	// drop-oldest: make room, then enqueue. The write pump may drain
	// concurrently, so both steps stay non-blocking.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- message:
		c.logger.Debug("Outbound queue full, dropped oldest frame")
		return true
	default:
		return false
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", websocket.CloseStatus(err).String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			status, reason := websocket.StatusNormalClosure, ""
			if errors.Is(err, ErrSlowConsumer) {
				status, reason = websocket.StatusPolicyViolation, "slow consumer"
			}
			_ = c.conn.Close(status, reason)
		}
		c.logger.Info("Connection closed")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started && c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Queued returns the number of frames waiting for the write pump.
func (c *Connection) Queued() int {
	return len(c.send)
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

func (c *Connection) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}
