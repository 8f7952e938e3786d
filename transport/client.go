package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/sym"
)

// ClientOptions configures a worker's connection to the master
type ClientOptions struct {
	URL            string
	Hello          *Hello
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	// OutboxSize bounds events buffered while disconnected; Send blocks when it is full
	OutboxSize int
	// OnConnect runs after every successful (re)connect, once the hello is accepted for writing
	OnConnect func()
}

// Client is the worker end of the transport. Run keeps it connected;
// messages queued with Send survive reconnects and are written in order.
type Client struct {
	opts   ClientOptions
	logger *zap.SugaredLogger
	dialer websocket.Dialer

	commands chan Message
	space    chan struct{} // one token per queued message
	wake     chan struct{}

	mu     sync.Mutex
	outbox []Message

	connected chan struct{} // closed while a connection is up
	connMu    sync.Mutex
}

// NewClient creates a client; call Run to connect
func NewClient(opts ClientOptions, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Hello == nil {
		opts.Hello = NewHello("")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 1024
	}

	return &Client{
		opts:      opts,
		logger:    logger.AddSymbol(log.Named("client"), sym.Wire).With(logger.FieldWorkerID, opts.Hello.WorkerID),
		dialer:    websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		commands:  make(chan Message, 64),
		space:     make(chan struct{}, opts.OutboxSize),
		wake:      make(chan struct{}, 1),
		connected: make(chan struct{}),
	}
}

// Commands delivers spawn and kill messages from the master
func (c *Client) Commands() <-chan Message {
	return c.commands
}

// Send queues m for the master. It blocks only while the outbox is full.
func (c *Client) Send(ctx context.Context, m Message) error {
	select {
	case c.space <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.outbox = append(c.outbox, m)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued, unwritten messages
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Connected returns a channel that is closed while a connection is up
func (c *Client) Connected() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Client) setConnected(up bool) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	select {
	case <-c.connected:
		if !up {
			c.connected = make(chan struct{})
		}
	default:
		if up {
			close(c.connected)
		}
	}
}

// Run connects and reconnects until ctx is done. Dial attempts are paced by RetryDelay.
func (c *Client) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.opts.RetryDelay), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warnw("Cannot reach master, retrying",
				logger.FieldAddress, c.opts.URL,
				logger.FieldError, err,
				"retry_in", c.opts.RetryDelay,
			)
			continue
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Infow("Disconnected from master", logger.FieldAddress, c.opts.URL, "pending", c.Pending())
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.opts.URL)
	}

	frame, err := Encode(c.opts.Hello)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send hello")
	}
	return conn, nil
}

// serve runs one connection until it drops or ctx is done
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, stop)
	}()

	c.setConnected(true)
	c.logger.Infow("Connected to master", logger.FieldAddress, c.opts.URL)
	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker shutting down"),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	c.readPump(ctx, conn)

	c.setConnected(false)
	close(stop)
	conn.Close()
	wg.Wait()
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !isExpectedClose(err) {
				c.logger.Warnw("Master read error", logger.FieldError, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := Decode(frame)
		if err != nil {
			c.logger.Warnw("Dropping undecodable master message", logger.FieldError, err)
			continue
		}

		switch msg.(type) {
		case *Spawn, *Kill:
		default:
			c.logger.Warnw("Dropping unexpected message from master", logger.FieldKind, msg.Kind())
			continue
		}

		select {
		case c.commands <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// writePump drains the outbox head first. A message leaves the outbox only
// after its frame was written, so a failed write is retried on the next connection.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-stop:
				return
			}
		}
		msg := c.outbox[0]
		c.mu.Unlock()

		frame, err := Encode(msg)
		if err != nil {
			c.logger.Errorw("Dropping unencodable message", logger.FieldKind, msg.Kind(), logger.FieldError, err)
			c.pop()
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debugw("Write failed, keeping message for reconnect", logger.FieldKind, msg.Kind(), logger.FieldError, err)
			conn.Close()
			return
		}
		c.pop()
	}
}

func (c *Client) pop() {
	c.mu.Lock()
	c.outbox[0] = nil
	c.outbox = c.outbox[1:]
	c.mu.Unlock()
	<-c.space
}
