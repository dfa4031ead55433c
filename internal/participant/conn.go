package participant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

const (
	writeWait  = 3 * time.Second
	sendBuffer = 64
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Transport is what the event loop needs from the push channel.
type Transport interface {
	Send(env protocol.Envelope) error
	// Inbound is closed when the channel ends; Err then reports why.
	Inbound() <-chan protocol.Envelope
	Err() error
}

// Conn is a gorilla websocket to the coordinator with separate read and write pumps.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	send   chan protocol.Envelope
	in     chan protocol.Envelope
	closed chan struct{}

	mu  sync.Mutex
	err error
}

// Dial opens the push channel. A 404 from the upgrade means the session or user is
// unknown and maps to ErrNotFound.
func Dial(ctx context.Context, wsURL string, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Conn{
		ws:     ws,
		log:    log,
		send:   make(chan protocol.Envelope, sendBuffer),
		in:     make(chan protocol.Envelope, sendBuffer),
		closed: make(chan struct{}),
	}, nil
}

func (c *Conn) Inbound() <-chan protocol.Envelope { return c.in }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues env for the write pump. It never blocks the event loop: a full
// queue is reported as ErrSendBufferFull.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Run pumps frames until ctx ends or either side fails. It returns nil on a local
// shutdown and the transport error otherwise.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(gctx) })
	g.Go(func() error { return c.writePump(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = c.ws.Close() // unblocks ReadMessage
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	c.mu.Lock()
	if err != nil {
		c.err = err
	} else {
		c.err = ErrConnClosed
	}
	c.mu.Unlock()
	close(c.closed)
	close(c.in)
	return err
}

func (c *Conn) readPump(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}
		select {
		case c.in <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	for {
		select {
		case env := <-c.send:
			data, err := protocol.Encode(env)
			if err != nil {
				c.log.Warn("encode frame", zap.String("type", string(env.Type)), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeWait))
			return nil
		}
	}
}
