package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every inbound frame.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// CloseHandler is invoked exactly once when the connection terminates.
type CloseHandler func(connID uuid.UUID, err error)

type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// Connection wraps one WebSocket with serialized writes and a read loop.
// Send is safe for concurrent use.
type Connection struct {
	id   uuid.UUID
	ws   *websocket.Conn
	cfg  Config
	send chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parent context.Context, wg *sync.WaitGroup, ws *websocket.Conn, cfg Config, logger *slog.Logger) *Connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	wg.Add(1)
	return &Connection{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		wg:     wg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the read and write pumps.
func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	c.logger.Debug("connection pumps started")
}

func (c *Connection) readPump() {
	var readErr error
	defer func() { c.Close(readErr) }()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.cfg.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.cfg.ReadTimeout)
		}
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			readErr = err
			if cancelRead != nil {
				cancelRead()
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		msg, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

func (c *Connection) writePump() {
	var writeErr error
	defer func() { c.Close(writeErr) }()

	for {
		select {
		case msg := <-c.send:
			writeCtx := c.ctx
			var cancelWrite context.CancelFunc
			if c.cfg.WriteTimeout > 0 {
				writeCtx, cancelWrite = context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
			}
			err := c.ws.Write(writeCtx, websocket.MessageText, msg)
			if cancelWrite != nil {
				cancelWrite()
			}
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send enqueues a frame for delivery. Frames for a closed connection are
// dropped with a warning.
func (c *Connection) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Warn("dropping send on closed connection")
	}
}

// Close tears the connection down. Safe to call multiple times; only the
// first call's error is reported to the close handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("transport connection closing", slog.Any("reason", err))
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetMessageHandler(h MessageHandler) {
	c.onMessage = h
}

func (c *Connection) SetCloseHandler(h CloseHandler) {
	c.onClose = h
}
