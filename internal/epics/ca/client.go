package ca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for Channel Access circuits.
const (
	// defaultConnectTimeout is the maximum time to wait for dial + handshake.
	defaultConnectTimeout = 5 * time.Second

	// defaultRequestTimeout bounds individual read/write round trips.
	defaultRequestTimeout = 10 * time.Second

	// defaultEchoInterval is the idle keepalive interval.
	defaultEchoInterval = 15 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 2 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultMaxArrayBytes bounds the largest acceptable payload.
	defaultMaxArrayBytes = 16 * 1024 * 1024

	// monitorQueueSize is the buffer size for the monitor callback queue.
	monitorQueueSize = 1024

	// monitorWorkerCount is the number of concurrent callback workers.
	monitorWorkerCount = 4
)

// Config holds Channel Access circuit configuration.
type Config struct {
	// Address is the IOC or gateway endpoint ("host:port").
	Address string

	// ConnectTimeout is the maximum time for dial + handshake.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds individual read/write round trips.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// EchoInterval is the idle keepalive interval. Default: 15 seconds.
	EchoInterval time.Duration

	// ReconnectInterval is the initial delay between reconnection
	// attempts. Default: 2 seconds.
	ReconnectInterval time.Duration

	// MaxArrayBytes bounds the largest acceptable payload.
	// Default: 16 MiB.
	MaxArrayBytes int

	// Workers is the monitor callback worker pool size. Default: 4.
	Workers int

	// QueueSize is the monitor dispatch queue depth. Default: 1024.
	QueueSize int
}

// Stats holds operational statistics for one circuit.
type Stats struct {
	RequestsTx      uint64
	UpdatesRx       uint64
	UpdatesDropped  uint64 // Monitor updates dropped due to full queue
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	Channels        int
	Monitors        int
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MonitorFunc receives subscription updates. Called from a bounded
// worker pool; a panicking callback is recovered and logged.
type MonitorFunc func(pv string, value TimeValue)

// CancelFunc tears down a monitor subscription.
type CancelFunc func()

// channel is the client-side state of one created CA channel.
type channel struct {
	name   string
	cid    uint32
	sid    uint32
	dtype  DBRType // native type reported by the server
	count  uint32
	rights uint32
	ready  chan struct{} // closed when CREATE_CHAN reply arrives
	err    error         // set before ready is closed on failure
}

// monitor is one active subscription.
type monitor struct {
	pv    string
	subID uint32
	dtype DBRType
	count uint32
	mask  uint16
	fn    MonitorFunc
}

// pendingReq tracks an in-flight READ_NOTIFY or WRITE_NOTIFY.
type pendingReq struct {
	done  chan struct{}
	value TimeValue
	err   error
}

// monitorUpdate is one queued callback delivery.
type monitorUpdate struct {
	fn    MonitorFunc
	pv    string
	value TimeValue
}

// Client is a Channel Access client for a single TCP virtual circuit.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Monitor callbacks run on a bounded worker pool.
//
// Auto-Reconnection:
//   - On connection loss the client reconnects with exponential backoff,
//     re-creates every channel and re-arms every monitor. Requests that
//     were in flight when the circuit dropped fail with ErrNotConnected.
type Client struct {
	cfg  Config
	conn net.Conn

	connMu    sync.RWMutex
	connected bool

	reconnecting atomic.Bool

	// Channel and request bookkeeping. ids are circuit-scoped.
	mu       sync.Mutex
	nextID   uint32
	channels map[string]*channel    // by PV name
	byCID    map[uint32]*channel    // by client channel id
	pending  map[uint32]*pendingReq // by ioid
	monitors map[uint32]*monitor    // by subscription id

	monitorQueue chan monitorUpdate

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	requestsTx      atomic.Uint64
	updatesRx       atomic.Uint64
	updatesDropped  atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect dials an IOC endpoint and performs the Channel Access handshake.
//
// The handshake sends CA_PROTO_VERSION, CLIENT_NAME and HOST_NAME, after
// which the circuit is ready for channel creation.
//
// Parameters:
//   - ctx: Context for cancellation of the initial connection
//   - cfg: Circuit configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the dial or handshake fails
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	applyDefaults(&cfg)

	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrConnectionFailed)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, cfg.Address, err)
	}

	c := &Client{
		cfg:          cfg,
		conn:         conn,
		done:         newCloseOnce(),
		nextID:       1,
		channels:     make(map[string]*channel),
		byCID:        make(map[uint32]*channel),
		pending:      make(map[uint32]*pendingReq),
		monitors:     make(map[uint32]*monitor),
		monitorQueue: make(chan monitorUpdate, cfg.QueueSize),
	}
	c.lastActivity.Store(time.Now().Unix())

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	for range cfg.Workers {
		c.wg.Add(1)
		go c.monitorWorker()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	c.wg.Add(1)
	go c.echoLoop()

	return c, nil
}

// applyDefaults fills zero-value configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.EchoInterval == 0 {
		cfg.EchoInterval = defaultEchoInterval
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxArrayBytes == 0 {
		cfg.MaxArrayBytes = defaultMaxArrayBytes
	}
	if cfg.Workers == 0 {
		cfg.Workers = monitorWorkerCount
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = monitorQueueSize
	}
}

// handshake sends the version/name preamble on a fresh connection.
func (c *Client) handshake(conn net.Conn) error {
	username := "beamline"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	msgs := [][]byte{
		EncodeMessage(Header{Command: CmdVersion, DataCount: uint32(MinorVersion)}, nil),
		EncodeMessage(Header{Command: CmdClientName}, paddedString(username)),
		EncodeMessage(Header{Command: CmdHostName}, paddedString(hostname)),
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	for _, m := range msgs {
		if _, err := conn.Write(m); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}

// nextIDLocked allocates a circuit-scoped id. Caller holds c.mu.
func (c *Client) nextIDLocked() uint32 {
	id := c.nextID
	c.nextID++
	return id
}

// send writes one encoded message to the circuit.
func (c *Client) send(ctx context.Context, msg []byte) error {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("write: %w", err)
	}

	c.requestsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// Channel ensures a channel exists for the PV and waits until the server
// confirms it.
//
// The first call issues SEARCH + CREATE_CHAN; later calls return the
// cached channel. After a reconnect, channels are re-created before any
// new request is admitted.
//
// Parameters:
//   - ctx: Context bounding the wait for channel creation
//   - pv: Process variable name
//
// Returns:
//   - error: ErrChannelNotFound if no server on the circuit hosts the PV
func (c *Client) Channel(ctx context.Context, pv string) error {
	_, err := c.ensureChannel(ctx, pv)
	return err
}

// ensureChannel returns the ready channel for pv, creating it if needed.
func (c *Client) ensureChannel(ctx context.Context, pv string) (*channel, error) {
	c.mu.Lock()
	ch, ok := c.channels[pv]
	if !ok {
		ch = &channel{
			name:  pv,
			cid:   c.nextIDLocked(),
			ready: make(chan struct{}),
		}
		c.channels[pv] = ch
		c.byCID[ch.cid] = ch
		c.mu.Unlock()

		if err := c.createChannel(ctx, ch); err != nil {
			c.dropChannel(ch, err)
			return nil, err
		}
	} else {
		c.mu.Unlock()
	}

	select {
	case <-ch.ready:
		if ch.err != nil {
			return nil, ch.err
		}
		return ch, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: channel %s: %w", ErrTimeout, pv, ctx.Err())
	case <-c.done.Done():
		return nil, ErrNotConnected
	}
}

// createChannel issues SEARCH then CREATE_CHAN for a fresh channel.
func (c *Client) createChannel(ctx context.Context, ch *channel) error {
	// SEARCH with the reply flag set so an absent channel produces
	// NOT_FOUND instead of silence.
	search := EncodeMessage(Header{
		Command:   CmdSearch,
		DataType:  searchReply,
		DataCount: uint32(MinorVersion),
		Param1:    ch.cid,
		Param2:    ch.cid,
	}, paddedString(ch.name))
	if err := c.send(ctx, search); err != nil {
		return err
	}

	create := EncodeMessage(Header{
		Command:   CmdCreateChan,
		Param1:    ch.cid,
		DataCount: uint32(MinorVersion),
	}, paddedString(ch.name))
	return c.send(ctx, create)
}

// dropChannel removes a channel after a creation failure.
func (c *Client) dropChannel(ch *channel, err error) {
	c.mu.Lock()
	delete(c.channels, ch.name)
	delete(c.byCID, ch.cid)
	c.mu.Unlock()

	ch.err = err
	select {
	case <-ch.ready:
	default:
		close(ch.ready)
	}
}

// Get reads the current value of a PV as the time form of the given type.
//
// Parameters:
//   - ctx: Context bounding the round trip
//   - pv: Process variable name
//   - t: DBR type to request (plain types are promoted to their time form)
//
// Returns:
//   - TimeValue: Value plus alarm state and IOC timestamp
//   - error: ErrNoReadAccess, ErrChannelNotFound, ErrNotConnected, ErrTimeout
func (c *Client) Get(ctx context.Context, pv string, t DBRType) (TimeValue, error) {
	ch, err := c.ensureChannel(ctx, pv)
	if err != nil {
		return TimeValue{}, err
	}
	if ch.rights&AccessRead == 0 {
		return TimeValue{}, fmt.Errorf("%w: %s", ErrNoReadAccess, pv)
	}

	c.mu.Lock()
	ioid := c.nextIDLocked()
	req := &pendingReq{done: make(chan struct{})}
	c.pending[ioid] = req
	c.mu.Unlock()

	msg := EncodeMessage(Header{
		Command:   CmdReadNotify,
		DataType:  uint16(t.Time()),
		DataCount: 1,
		Param1:    ch.sid,
		Param2:    ioid,
	}, nil)
	if err := c.send(ctx, msg); err != nil {
		c.removePending(ioid)
		return TimeValue{}, err
	}

	return c.waitRequest(ctx, ioid, req)
}

// Put writes a value to a PV without waiting for record processing.
//
// The write is validated locally (access rights, encodability) and
// flushed to the circuit; server-side failures surface asynchronously
// as ERROR messages, which are logged.
func (c *Client) Put(ctx context.Context, pv string, t DBRType, value any) error {
	ch, err := c.ensureChannel(ctx, pv)
	if err != nil {
		return err
	}
	if ch.rights&AccessWrite == 0 {
		return fmt.Errorf("%w: %s", ErrNoWriteAccess, pv)
	}

	payload, err := EncodeValue(t.Plain(), value)
	if err != nil {
		return err
	}

	msg := EncodeMessage(Header{
		Command:   CmdWrite,
		DataType:  uint16(t.Plain()),
		DataCount: 1,
		Param1:    ch.sid,
		Param2:    ch.cid,
	}, payload)
	return c.send(ctx, msg)
}

// PutWait writes a value and waits for the server to confirm record
// processing completed (WRITE_NOTIFY).
func (c *Client) PutWait(ctx context.Context, pv string, t DBRType, value any) error {
	ch, err := c.ensureChannel(ctx, pv)
	if err != nil {
		return err
	}
	if ch.rights&AccessWrite == 0 {
		return fmt.Errorf("%w: %s", ErrNoWriteAccess, pv)
	}

	payload, err := EncodeValue(t.Plain(), value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ioid := c.nextIDLocked()
	req := &pendingReq{done: make(chan struct{})}
	c.pending[ioid] = req
	c.mu.Unlock()

	msg := EncodeMessage(Header{
		Command:   CmdWriteNotify,
		DataType:  uint16(t.Plain()),
		DataCount: 1,
		Param1:    ch.sid,
		Param2:    ioid,
	}, payload)
	if err := c.send(ctx, msg); err != nil {
		c.removePending(ioid)
		return err
	}

	_, err = c.waitRequest(ctx, ioid, req)
	return err
}

// Monitor subscribes to value changes on a PV.
//
// Updates are delivered to fn from a bounded worker pool; if the queue
// overflows, updates are dropped and counted rather than blocking the
// receive loop. The subscription survives reconnects.
//
// Parameters:
//   - ctx: Context bounding channel creation and the subscribe request
//   - pv: Process variable name
//   - t: DBR type for updates (promoted to its time form)
//   - fn: Callback for each update
//
// Returns:
//   - CancelFunc: Cancels the subscription (idempotent)
//   - error: If the channel cannot be created or the request fails
func (c *Client) Monitor(ctx context.Context, pv string, t DBRType, fn MonitorFunc) (CancelFunc, error) {
	ch, err := c.ensureChannel(ctx, pv)
	if err != nil {
		return nil, err
	}
	if ch.rights&AccessRead == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoReadAccess, pv)
	}

	c.mu.Lock()
	subID := c.nextIDLocked()
	m := &monitor{
		pv:    pv,
		subID: subID,
		dtype: t.Time(),
		count: 1,
		mask:  EventValue | EventAlarm,
		fn:    fn,
	}
	c.monitors[subID] = m
	c.mu.Unlock()

	if err := c.sendEventAdd(ctx, ch, m); err != nil {
		c.mu.Lock()
		delete(c.monitors, subID)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.monitors, subID)
			c.mu.Unlock()

			// Best-effort EVENT_CANCEL; updates already in flight are
			// dropped by the dispatch path once the monitor is gone.
			msg := EncodeMessage(Header{
				Command:   CmdEventCancel,
				DataType:  uint16(m.dtype),
				DataCount: m.count,
				Param1:    ch.sid,
				Param2:    subID,
			}, nil)
			_ = c.send(context.Background(), msg)
		})
	}
	return cancel, nil
}

// sendEventAdd issues the EVENT_ADD request for a monitor.
// The 16-byte payload is three float32 deadband filters (unused, zero)
// followed by the event mask and two bytes of padding.
func (c *Client) sendEventAdd(ctx context.Context, ch *channel, m *monitor) error {
	payload := make([]byte, 16)
	payload[12] = byte(m.mask >> 8)
	payload[13] = byte(m.mask)

	msg := EncodeMessage(Header{
		Command:   CmdEventAdd,
		DataType:  uint16(m.dtype),
		DataCount: m.count,
		Param1:    ch.sid,
		Param2:    m.subID,
	}, payload)
	return c.send(ctx, msg)
}

// removePending drops a pending request entry without completing it.
func (c *Client) removePending(ioid uint32) {
	c.mu.Lock()
	delete(c.pending, ioid)
	c.mu.Unlock()
}

// waitRequest blocks until a pending request completes, times out, or
// the client shuts down.
func (c *Client) waitRequest(ctx context.Context, ioid uint32, req *pendingReq) (TimeValue, error) {
	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case <-req.done:
		return req.value, req.err
	case <-ctx.Done():
		c.removePending(ioid)
		return TimeValue{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-timeout.C:
		c.removePending(ioid)
		return TimeValue{}, ErrTimeout
	case <-c.done.Done():
		c.removePending(ioid)
		return TimeValue{}, ErrNotConnected
	}
}

// receiveLoop reads and dispatches messages until shutdown, reconnecting
// on connection loss.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		// Idle circuits only carry echo traffic, so the read deadline
		// is a multiple of the echo interval.
		_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.EchoInterval))

		h, payload, err := ReadMessage(conn, c.cfg.MaxArrayBytes)
		if err != nil {
			if c.isClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.errorsTotal.Add(1)
			c.handleDisconnect()
			if !c.reconnect() {
				return
			}
			continue
		}

		c.lastActivity.Store(time.Now().Unix())
		c.dispatch(h, payload)
	}
}

// dispatch routes one received message.
func (c *Client) dispatch(h Header, payload []byte) {
	switch h.Command {
	case CmdVersion, CmdEcho, CmdRsrvIsUp:
		// Keepalive / beacon traffic, nothing to do.

	case CmdSearch:
		// Positive search reply; channel readiness is signalled by the
		// CREATE_CHAN reply that follows.

	case CmdNotFound:
		c.handleChannelFailed(h.Param1, ErrChannelNotFound)

	case CmdCreateChan:
		c.handleChannelCreated(h)

	case CmdCreateChFail:
		c.handleChannelFailed(h.Param1, ErrChannelNotFound)

	case CmdAccessRights:
		c.mu.Lock()
		if ch, ok := c.byCID[h.Param1]; ok {
			ch.rights = h.Param2
		}
		c.mu.Unlock()

	case CmdReadNotify:
		c.completeRead(h, payload)

	case CmdWriteNotify:
		c.completeWrite(h)

	case CmdEventAdd:
		c.handleEvent(h, payload)

	case CmdServerDisconn:
		c.handleChannelFailed(h.Param1, ErrChannelNotFound)

	case CmdError:
		c.errorsTotal.Add(1)
		c.logError("server error", fmt.Errorf("%w: status %d", ErrRequestFailed, h.Param2))

	default:
		c.logInfo("ignoring unexpected command", "command", h.Command)
	}
}

// handleChannelCreated finalises a CREATE_CHAN reply.
func (c *Client) handleChannelCreated(h Header) {
	c.mu.Lock()
	ch, ok := c.byCID[h.Param1]
	if ok {
		ch.sid = h.Param2
		ch.dtype = DBRType(h.DataType)
		ch.count = h.DataCount
		if ch.rights == 0 {
			// ACCESS_RIGHTS normally precedes CREATE_CHAN; default to
			// readable if the server never sent one.
			ch.rights = AccessRead
		}
	}
	c.mu.Unlock()

	if ok {
		select {
		case <-ch.ready:
		default:
			close(ch.ready)
		}
	}
}

// handleChannelFailed fails a channel by client id.
func (c *Client) handleChannelFailed(cid uint32, err error) {
	c.mu.Lock()
	ch, ok := c.byCID[cid]
	if ok {
		delete(c.channels, ch.name)
		delete(c.byCID, cid)
	}
	c.mu.Unlock()

	if ok {
		ch.err = fmt.Errorf("%w: %s", err, ch.name)
		select {
		case <-ch.ready:
		default:
			close(ch.ready)
		}
	}
}

// completeRead finalises a READ_NOTIFY reply.
func (c *Client) completeRead(h Header, payload []byte) {
	c.mu.Lock()
	req, ok := c.pending[h.Param2]
	if ok {
		delete(c.pending, h.Param2)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if h.Param1 != ecaNormal {
		req.err = fmt.Errorf("%w: status %d", ErrRequestFailed, h.Param1)
	} else {
		req.value, req.err = DecodeValue(DBRType(h.DataType), int(h.DataCount), payload)
	}
	close(req.done)
}

// completeWrite finalises a WRITE_NOTIFY reply.
func (c *Client) completeWrite(h Header) {
	c.mu.Lock()
	req, ok := c.pending[h.Param2]
	if ok {
		delete(c.pending, h.Param2)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if h.Param1 != ecaNormal {
		req.err = fmt.Errorf("%w: status %d", ErrRequestFailed, h.Param1)
	}
	close(req.done)
}

// handleEvent queues a subscription update for callback delivery.
// Updates for cancelled subscriptions are dropped silently.
func (c *Client) handleEvent(h Header, payload []byte) {
	c.mu.Lock()
	m, ok := c.monitors[h.Param2]
	c.mu.Unlock()
	if !ok {
		return
	}

	// An empty payload is the server confirming EVENT_CANCEL.
	if len(payload) == 0 {
		return
	}

	value, err := DecodeValue(DBRType(h.DataType), int(h.DataCount), payload)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logError("decode monitor update failed", err)
		return
	}

	c.updatesRx.Add(1)

	select {
	case c.monitorQueue <- monitorUpdate{fn: m.fn, pv: m.pv, value: value}:
	default:
		c.updatesDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

// monitorWorker delivers queued subscription updates.
func (c *Client) monitorWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case u := <-c.monitorQueue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logError("monitor callback panic", fmt.Errorf("%v", r))
					}
				}()
				u.fn(u.pv, u.value)
			}()
		}
	}
}

// echoLoop sends keepalives on the idle circuit.
func (c *Client) echoLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.EchoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			msg := EncodeMessage(Header{Command: CmdEcho}, nil)
			if err := c.send(context.Background(), msg); err != nil {
				c.logError("echo failed", err)
			}
		}
	}
}

// handleDisconnect marks the circuit down and fails in-flight requests.
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingReq)
	c.mu.Unlock()

	for _, req := range pending {
		req.err = ErrNotConnected
		close(req.done)
	}

	if wasConnected {
		c.logInfo("circuit lost, will attempt reconnection", "address", c.cfg.Address)
	}
}

// reconnect re-establishes the circuit with exponential backoff, then
// re-creates channels and re-arms monitors. Returns false on shutdown.
func (c *Client) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return !c.isClosed()
	}
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval

	for {
		if c.isClosed() {
			return false
		}

		c.closeOldConnection()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
		cancel()
		if err == nil {
			err = c.handshake(conn)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("reconnect failed", err)
			select {
			case <-c.done.Done():
				return false
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval)
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.restoreChannels()

		c.logInfo("reconnection successful",
			"address", c.cfg.Address,
			"total_reconnects", c.reconnectsTotal.Load())
		return true
	}
}

// closeOldConnection closes the existing connection if any.
func (c *Client) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// restoreChannels re-creates every known channel and re-arms every
// monitor after a reconnect. Server ids are circuit-scoped, so every
// channel needs a fresh CREATE_CHAN round trip.
func (c *Client) restoreChannels() {
	c.mu.Lock()
	chans := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		fresh := &channel{name: ch.name, cid: ch.cid, ready: make(chan struct{})}
		c.channels[ch.name] = fresh
		c.byCID[ch.cid] = fresh
		chans = append(chans, fresh)
	}
	mons := make([]*monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		mons = append(mons, m)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	for _, ch := range chans {
		if err := c.createChannel(ctx, ch); err != nil {
			c.logError("re-create channel failed", fmt.Errorf("%s: %w", ch.name, err))
		}
	}

	// Re-arm monitors once their channels come back. Channel readiness
	// arrives asynchronously, so this runs in the background.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		armCtx, armCancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer armCancel()
		for _, m := range mons {
			ch, err := c.ensureChannel(armCtx, m.pv)
			if err != nil {
				c.logError("re-arm monitor failed", fmt.Errorf("%s: %w", m.pv, err))
				continue
			}
			if err := c.sendEventAdd(armCtx, ch, m); err != nil {
				c.logError("re-arm monitor failed", fmt.Errorf("%s: %w", m.pv, err))
			}
		}
	}()
}

// isClosed returns true if the client has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close shuts down the circuit. Safe to call multiple times.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	conn := c.conn
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	c.logInfo("circuit closed", "address", c.cfg.Address)
	return nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the circuit is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	channels := len(c.channels)
	monitors := len(c.monitors)
	c.mu.Unlock()

	return Stats{
		RequestsTx:      c.requestsTx.Load(),
		UpdatesRx:       c.updatesRx.Load(),
		UpdatesDropped:  c.updatesDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		Channels:        channels,
		Monitors:        monitors,
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
