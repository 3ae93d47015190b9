package ca

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PoolConfig holds settings shared by every circuit in a pool.
type PoolConfig struct {
	// AddrList enumerates IOC or gateway endpoints ("host:port").
	// Channels are resolved by searching each circuit in order.
	AddrList []string

	// ConnectTimeout, RequestTimeout, EchoInterval, ReconnectInterval,
	// MaxArrayBytes, Workers and QueueSize apply to every circuit; zero
	// values take the circuit defaults.
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	EchoInterval      time.Duration
	ReconnectInterval time.Duration
	MaxArrayBytes     int
	Workers           int
	QueueSize         int
}

// Pool resolves process variables across a list of Channel Access
// circuits and routes requests to the circuit that owns each PV.
//
// Circuits are dialled lazily on first use and kept for the lifetime of
// the pool. PV ownership is cached after the first successful
// resolution; a PV no circuit hosts fails with ErrChannelNotFound.
//
// All methods are safe for concurrent use.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	circuits map[string]*Client // by address
	owners   map[string]*Client // PV name -> owning circuit

	logger   Logger
	loggerMu sync.RWMutex

	closed bool
}

// NewPool creates a circuit pool over the configured address list.
// No connections are made until the first request.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:      cfg,
		circuits: make(map[string]*Client),
		owners:   make(map[string]*Client),
	}
}

// SetLogger sets the logger for the pool and its circuits.
func (p *Pool) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.circuits {
		c.SetLogger(logger)
	}
}

// circuit returns the connected client for an address, dialling if needed.
// Caller must not hold p.mu.
func (p *Pool) circuit(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c, ok := p.circuits[addr]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := Connect(ctx, Config{
		Address:           addr,
		ConnectTimeout:    p.cfg.ConnectTimeout,
		RequestTimeout:    p.cfg.RequestTimeout,
		EchoInterval:      p.cfg.EchoInterval,
		ReconnectInterval: p.cfg.ReconnectInterval,
		MaxArrayBytes:     p.cfg.MaxArrayBytes,
		Workers:           p.cfg.Workers,
		QueueSize:         p.cfg.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	p.loggerMu.RLock()
	if p.logger != nil {
		c.SetLogger(p.logger)
	}
	p.loggerMu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, ErrNotConnected
	}
	// Another goroutine may have raced us to the same address.
	if existing, ok := p.circuits[addr]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.circuits[addr] = c
	p.mu.Unlock()
	return c, nil
}

// Resolve finds the circuit owning a PV, searching the address list in
// order. The result is cached.
//
// Parameters:
//   - ctx: Context bounding dialling and channel creation
//   - pv: Process variable name
//
// Returns:
//   - *Client: Circuit that hosts the PV
//   - error: ErrChannelNotFound if no circuit hosts it
func (p *Pool) Resolve(ctx context.Context, pv string) (*Client, error) {
	p.mu.Lock()
	if owner, ok := p.owners[pv]; ok {
		p.mu.Unlock()
		return owner, nil
	}
	p.mu.Unlock()

	if len(p.cfg.AddrList) == 0 {
		return nil, fmt.Errorf("%w: empty address list", ErrChannelNotFound)
	}

	var lastErr error
	for _, addr := range p.cfg.AddrList {
		c, err := p.circuit(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.Channel(ctx, pv); err != nil {
			if errors.Is(err, ErrChannelNotFound) {
				continue
			}
			lastErr = err
			continue
		}

		p.mu.Lock()
		p.owners[pv] = c
		p.mu.Unlock()
		return c, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s (last circuit error: %w)", ErrChannelNotFound, pv, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, pv)
}

// Get reads a PV through its owning circuit.
func (p *Pool) Get(ctx context.Context, pv string, t DBRType) (TimeValue, error) {
	c, err := p.Resolve(ctx, pv)
	if err != nil {
		return TimeValue{}, err
	}
	return c.Get(ctx, pv, t)
}

// Put writes a PV through its owning circuit without confirmation.
func (p *Pool) Put(ctx context.Context, pv string, t DBRType, value any) error {
	c, err := p.Resolve(ctx, pv)
	if err != nil {
		return err
	}
	return c.Put(ctx, pv, t, value)
}

// PutWait writes a PV and waits for record processing to complete.
func (p *Pool) PutWait(ctx context.Context, pv string, t DBRType, value any) error {
	c, err := p.Resolve(ctx, pv)
	if err != nil {
		return err
	}
	return c.PutWait(ctx, pv, t, value)
}

// Monitor subscribes to a PV through its owning circuit.
func (p *Pool) Monitor(ctx context.Context, pv string, t DBRType, fn MonitorFunc) (CancelFunc, error) {
	c, err := p.Resolve(ctx, pv)
	if err != nil {
		return nil, err
	}
	return c.Monitor(ctx, pv, t, fn)
}

// Stats returns per-address circuit statistics.
func (p *Pool) Stats() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]Stats, len(p.circuits))
	for addr, c := range p.circuits {
		stats[addr] = c.Stats()
	}
	return stats
}

// Close shuts down every circuit. Safe to call multiple times.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	circuits := make([]*Client, 0, len(p.circuits))
	for _, c := range p.circuits {
		circuits = append(circuits, c)
	}
	p.circuits = make(map[string]*Client)
	p.owners = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range circuits {
		c.Close()
	}
	return nil
}
