package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/sym"
)

// Inbound is a worker message delivered to the master
type Inbound struct {
	WorkerID string
	Msg      Message
}

// WorkerInfo describes a connected worker
type WorkerInfo struct {
	Hello       Hello     `json:"hello"`
	ConnectedAt time.Time `json:"connected_at"`
}

// HubOptions configures a Hub
type HubOptions struct {
	// Constraint is the semver range a worker's protocol version must satisfy ("" accepts any)
	Constraint string
	// EventBuffer sizes the inbound event channel
	EventBuffer int
	// Registerer receives the connected-workers gauge (nil leaves it unregistered)
	Registerer prometheus.Registerer
}

// Hub is the master end of the transport. It accepts worker websockets,
// round-robins spawns across them and merges their events into one channel.
type Hub struct {
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader
	constraint *semver.Constraints
	connected  prometheus.Gauge

	events chan Inbound
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*peer
	next    int
	changed chan struct{} // closed and replaced whenever the worker set changes
	closed  bool
}

// outbound is a frame queued for a peer. written receives the result of
// the socket write; a frame still queued when the peer drops gets nothing.
type outbound struct {
	frame   []byte
	written chan error
}

// peer is one connected worker
type peer struct {
	hello       Hello
	conn        *websocket.Conn
	send        chan outbound
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// NewHub creates a hub; serve it with an http.ServeMux
func NewHub(opts HubOptions, log *zap.SugaredLogger) (*Hub, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	h := &Hub{
		logger: logger.AddSymbol(log.Named("hub"), sym.Wire),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // workers are not browsers
		},
		connected: promauto.With(opts.Registerer).NewGauge(prometheus.GaugeOpts{
			Namespace: "tock",
			Name:      "connected_workers",
			Help:      "Workers currently connected to the master.",
		}),
		events:  make(chan Inbound, opts.EventBuffer),
		done:    make(chan struct{}),
		workers: make(map[string]*peer),
		changed: make(chan struct{}),
	}

	if opts.Constraint != "" {
		c, err := semver.NewConstraint(opts.Constraint)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid protocol constraint %s", opts.Constraint)
		}
		h.constraint = c
	}
	return h, nil
}

// ServeHTTP upgrades a worker connection and runs it until it drops
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", logger.FieldAddress, r.RemoteAddr, logger.FieldError, err)
		return
	}

	hello, err := h.readHello(conn)
	if err != nil {
		h.logger.Warnw("Rejecting worker", logger.FieldAddress, r.RemoteAddr, logger.FieldError, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	p := &peer{
		hello:       *hello,
		conn:        conn,
		send:        make(chan outbound, 256),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	if !h.register(p) {
		p.close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(p)
	}()
	h.readPump(p)
}

func (h *Hub) readHello(conn *websocket.Conn) (*Hello, error) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(helloWait))

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read hello")
	}
	msg, err := Decode(frame)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*Hello)
	if !ok {
		return nil, errors.Newf("expected hello, got %s", msg.Kind())
	}
	if hello.WorkerID == "" {
		return nil, errors.NewInvalidRequestError("hello without worker id")
	}
	if err := checkVersion(h.constraint, hello); err != nil {
		return nil, err
	}
	return hello, nil
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if old, ok := h.workers[p.hello.WorkerID]; ok {
		// Same id reconnecting before the old socket timed out
		h.logger.Infow("Replacing stale worker connection", logger.FieldWorkerID, p.hello.WorkerID)
		old.close()
	}
	h.workers[p.hello.WorkerID] = p
	h.connected.Set(float64(len(h.workers)))
	h.notifyLocked()

	h.logger.Infow("Worker connected",
		logger.FieldWorkerID, p.hello.WorkerID,
		logger.FieldHost, p.hello.Hostname,
		logger.FieldPID, p.hello.PID,
		"version", p.hello.Version,
		"cpus", p.hello.Host.CPUs,
	)
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.workers[p.hello.WorkerID]; ok && cur == p {
		delete(h.workers, p.hello.WorkerID)
		h.connected.Set(float64(len(h.workers)))
		h.notifyLocked()
		h.logger.Infow("Worker disconnected", logger.FieldWorkerID, p.hello.WorkerID)
	}
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Hub) readPump(p *peer) {
	defer func() {
		h.unregister(p)
		p.close()
	}()

	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				h.logger.Warnw("Worker read error", logger.FieldWorkerID, p.hello.WorkerID, logger.FieldError, err)
			}
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			h.logger.Warnw("Dropping undecodable worker message",
				logger.FieldWorkerID, p.hello.WorkerID,
				logger.FieldError, err,
			)
			continue
		}

		select {
		case h.events <- Inbound{WorkerID: p.hello.WorkerID, Msg: msg}:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			return
		case <-h.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "master shutting down"),
				time.Now().Add(writeWait))
			return
		case out := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.TextMessage, out.frame)
			out.written <- err
			if err != nil {
				h.logger.Warnw("Worker write error", logger.FieldWorkerID, p.hello.WorkerID, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues frame for p and waits until the write pump has put it on
// the socket. A frame left queued when the peer drops is reported as lost.
func (h *Hub) deliver(ctx context.Context, p *peer, frame []byte) error {
	out := outbound{frame: frame, written: make(chan error, 1)}
	gone := errors.Wrapf(errors.ErrServiceUnavailable, "worker %s disconnected", p.hello.WorkerID)

	select {
	case p.send <- out:
	case <-p.done:
		return gone
	case <-h.done:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.written:
		if err != nil {
			return errors.Wrapf(err, "write to worker %s", p.hello.WorkerID)
		}
		return nil
	case <-p.done:
	case <-h.done:
		gone = errors.ErrClosed
	case <-ctx.Done():
		// The frame may still go out; treat it as lost rather than guess
		return ctx.Err()
	}
	// The pump may have written it just before stopping
	select {
	case err := <-out.written:
		if err == nil {
			return nil
		}
	default:
	}
	return gone
}

// Spawn sends job to the next worker in rotation and returns that worker's
// id once the frame is written. A worker that drops first fails the spawn.
func (h *Hub) Spawn(ctx context.Context, job *store.Job) (string, error) {
	frame, err := Encode(&Spawn{Job: job})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", errors.ErrClosed
	}
	ids := h.workerIDsLocked()
	if len(ids) == 0 {
		h.mu.Unlock()
		return "", errors.ErrNoWorkers
	}
	id := ids[h.next%len(ids)]
	h.next++
	p := h.workers[id]
	h.mu.Unlock()

	if err := h.deliver(ctx, p, frame); err != nil {
		return "", err
	}
	return id, nil
}

// Kill sends a kill to workerID, or to every worker when workerID is empty or no longer connected
func (h *Hub) Kill(ctx context.Context, workerID, jobID string) error {
	frame, err := Encode(&Kill{JobID: jobID})
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.ErrClosed
	}
	var targets []*peer
	if p, ok := h.workers[workerID]; ok {
		targets = append(targets, p)
	} else {
		for _, id := range h.workerIDsLocked() {
			targets = append(targets, h.workers[id])
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return errors.ErrNoWorkers
	}

	var errs error
	delivered := 0
	for _, p := range targets {
		if err := h.deliver(ctx, p, frame); err != nil {
			errs = errors.WithSecondaryError(err, errs)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs
	}
	return nil
}

// workerIDsLocked returns connected ids in a stable order
func (h *Hub) workerIDsLocked() []string {
	ids := make([]string, 0, len(h.workers))
	for id := range h.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Events delivers worker messages in arrival order per worker
func (h *Hub) Events() <-chan Inbound {
	return h.events
}

// Workers lists connected workers
func (h *Hub) Workers() []WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(h.workers))
	for _, id := range h.workerIDsLocked() {
		p := h.workers[id]
		infos = append(infos, WorkerInfo{Hello: p.hello, ConnectedAt: p.connectedAt})
	}
	return infos
}

// WaitForWorkers blocks until at least n workers are connected
func (h *Hub) WaitForWorkers(ctx context.Context, n int) error {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return errors.ErrClosed
		}
		count := len(h.workers)
		changed := h.changed
		h.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Wrapf(errors.ErrTimeout, "waiting for %d workers, have %d", n, count)
		}
	}
}

// Close disconnects every worker and stops delivering events
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	peers := make([]*peer, 0, len(h.workers))
	for _, p := range h.workers {
		peers = append(peers, p)
	}
	h.notifyLocked()
	h.mu.Unlock()

	// Let write pumps send their close frames first
	h.wg.Wait()
	for _, p := range peers {
		p.close()
	}
	h.connected.Set(0)
	return nil
}
