package queryx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seasbee/go-logx"
)

// PooledConnection is a reusable handle to the backing store. It is owned by
// the pool and handed out by identity; callers must return it via Release.
type PooledConnection struct {
	id     int64
	client Client

	// Guarded by the pool mutex
	createdAt      time.Time
	lastUsedAt     time.Time
	inUse          bool
	deadlineMisses int
	forgotten      bool
}

// ID returns the connection's pool-unique identifier
func (c *PooledConnection) ID() int64 {
	return c.id
}

// Client returns the underlying store client
func (c *PooledConnection) Client() Client {
	return c.client
}

// waiter is a FIFO queue entry for a caller suspended in Acquire. The channel
// is buffered so a release can hand off without blocking; served is guarded
// by the pool mutex and guarantees exactly one completion.
type waiter struct {
	enqueuedAt time.Time
	ch         chan *PooledConnection
	served     bool
}

// PoolStats is a read-only snapshot of pool occupancy
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	Queued    int `json:"queued"`
}

// ConnectionPool owns a bounded set of reusable store clients. Free
// connections are reused before new ones are created; saturated acquires
// queue FIFO with a per-caller timeout; an idle reaper trims the pool back
// toward its minimum size.
type ConnectionPool struct {
	config  *PoolConfig
	factory ClientFactory

	mu      sync.Mutex
	conns   map[*PooledConnection]struct{}
	waiters []*waiter
	pending int // dials in flight, counted toward pool size
	nextID  int64
	closed  bool

	reapTicker *time.Ticker
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewConnectionPool creates a pool, pre-dialing MinConnections and starting
// the idle reaper.
func NewConnectionPool(config *PoolConfig, factory ClientFactory) (*ConnectionPool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}
	configCopy := *config

	if err := validatePoolConfig(&configCopy); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: client factory cannot be nil", ErrInvalidConfig)
	}

	p := &ConnectionPool{
		config:   &configCopy,
		factory:  factory,
		conns:    make(map[*PooledConnection]struct{}),
		stopChan: make(chan struct{}),
	}

	ctx := context.Background()
	for i := 0; i < configCopy.MinConnections; i++ {
		client, err := factory.NewClient(ctx)
		if err != nil {
			p.closeAllLocked()
			return nil, fmt.Errorf("failed to create initial connection: %w", err)
		}
		c := p.newConnLocked(client)
		p.conns[c] = struct{}{}
	}

	p.startReaper()

	logx.Info("Connection pool initialized",
		logx.Int("minConnections", configCopy.MinConnections),
		logx.Int("maxConnections", configCopy.MaxConnections),
		logx.String("acquireTimeout", configCopy.AcquireTimeout.String()),
		logx.String("idleTimeout", configCopy.IdleTimeout.String()))

	return p, nil
}

func (p *ConnectionPool) newConnLocked(client Client) *PooledConnection {
	p.nextID++
	now := time.Now()
	return &PooledConnection{
		id:         p.nextID,
		client:     client,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// Acquire returns a ready-to-use connection. A free connection is reused
// immediately; below MaxConnections a new one is dialed synchronously;
// otherwise the caller queues FIFO until a release serves it or
// AcquireTimeout elapses.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if c := p.takeFreeLocked(); c != nil {
		p.mu.Unlock()
		return c, nil
	}

	if len(p.conns)+p.pending < p.config.MaxConnections {
		// Reserve a slot so concurrent acquires cannot overshoot the bound
		p.pending++
		p.mu.Unlock()

		client, err := p.factory.NewClient(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("failed to create connection: %w", err)
		}
		if p.closed {
			p.mu.Unlock()
			client.Close()
			return nil, ErrPoolClosed
		}
		c := p.newConnLocked(client)
		c.inUse = true
		p.conns[c] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}

	w := &waiter{
		enqueuedAt: time.Now(),
		ch:         make(chan *PooledConnection, 1),
	}
	p.waiters = append(p.waiters, w)
	queued := len(p.waiters)
	p.mu.Unlock()

	logx.Debug("Connection pool saturated, caller queued",
		logx.Int("queued", queued),
		logx.String("acquireTimeout", p.config.AcquireTimeout.String()))

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-timer.C:
		if c, served := p.abandonWaiter(w); served {
			// A release won the race against the timer; take the handoff
			return c, nil
		}
		return nil, fmt.Errorf("%w after %s", ErrPoolExhausted, p.config.AcquireTimeout)
	case <-ctx.Done():
		if c, served := p.abandonWaiter(w); served {
			// The caller is gone; hand the connection straight back
			p.Release(c)
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes a timed-out or cancelled waiter from the queue. If a
// release already served it, the delivered connection is returned instead.
// Either way the waiter completes exactly once.
func (p *ConnectionPool) abandonWaiter(w *waiter) (*PooledConnection, bool) {
	p.mu.Lock()
	if w.served {
		p.mu.Unlock()
		if c, ok := <-w.ch; ok {
			return c, true
		}
		return nil, false
	}
	for i, qw := range p.waiters {
		if qw == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	w.served = true
	p.mu.Unlock()
	return nil, false
}

// takeFreeLocked picks the most recently used free connection, so an
// acquire/release/acquire sequence keeps hitting the same handle.
func (p *ConnectionPool) takeFreeLocked() *PooledConnection {
	var best *PooledConnection
	for c := range p.conns {
		if c.inUse {
			continue
		}
		if best == nil || c.lastUsedAt.After(best.lastUsedAt) {
			best = c
		}
	}
	if best != nil {
		best.inUse = true
		best.lastUsedAt = time.Now()
	}
	return best
}

// Release returns a connection to the pool. Queued waiters are served
// directly, oldest first, without the connection passing through the free
// state. Releasing an unrecognized or already-free handle is a no-op.
func (p *ConnectionPool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, tracked := p.conns[conn]; !tracked {
		// Forgotten leaked connections are closed once their in-flight read
		// finally lets go; anything else is a double release or foreign handle.
		forgotten := conn.forgotten
		conn.forgotten = false
		p.mu.Unlock()
		if forgotten {
			conn.client.Close()
		}
		return
	}
	if !conn.inUse {
		p.mu.Unlock()
		return
	}

	if p.config.MaxDeadlineMisses > 0 && conn.deadlineMisses >= p.config.MaxDeadlineMisses {
		delete(p.conns, conn)
		misses := conn.deadlineMisses
		needReplenish := len(p.waiters) > 0 || len(p.conns)+p.pending < p.config.MinConnections
		p.mu.Unlock()

		conn.client.Close()
		logx.Warn("Discarding connection after consecutive deadline misses",
			logx.Int64("connID", conn.id),
			logx.Int("deadlineMisses", misses))
		if needReplenish {
			go p.replenish()
		}
		return
	}

	now := time.Now()
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.served = true
		conn.lastUsedAt = now
		w.ch <- conn
		p.mu.Unlock()
		return
	}

	conn.inUse = false
	conn.lastUsedAt = now
	p.mu.Unlock()
}

// noteDeadlineMiss marks a lease whose execution deadline elapsed while the
// underlying read was still running.
func (p *ConnectionPool) noteDeadlineMiss(conn *PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	conn.deadlineMisses++
	p.mu.Unlock()
}

// noteDeadlineMet resets the consecutive-miss count after an in-time completion
func (p *ConnectionPool) noteDeadlineMet(conn *PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	conn.deadlineMisses = 0
	p.mu.Unlock()
}

// Stats returns a read-only occupancy snapshot
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for c := range p.conns {
		if c.inUse {
			inUse++
		}
	}
	total := len(p.conns)
	return PoolStats{
		Total:     total,
		InUse:     inUse,
		Available: total - inUse,
		Queued:    len(p.waiters),
	}
}

// Close stops the reaper, fails all queued waiters with ErrPoolClosed and
// drops every tracked connection.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	failedWaiters := 0
	for _, w := range p.waiters {
		if !w.served {
			w.served = true
			close(w.ch)
			failedWaiters++
		}
	}
	p.waiters = nil
	conns := make([]*PooledConnection, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[*PooledConnection]struct{})
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	for _, c := range conns {
		c.client.Close()
	}

	logx.Info("Connection pool closed",
		logx.Int("droppedConnections", len(conns)),
		logx.Int("failedWaiters", failedWaiters))
	return nil
}

func (p *ConnectionPool) closeAllLocked() {
	for c := range p.conns {
		c.client.Close()
		delete(p.conns, c)
	}
}

func (p *ConnectionPool) startReaper() {
	p.reapTicker = time.NewTicker(p.config.ReapInterval)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.reapTicker.Stop()

		for {
			select {
			case <-p.reapTicker.C:
				p.reap()
			case <-p.stopChan:
				return
			}
		}
	}()
}

// reap closes free connections idle past IdleTimeout while keeping the pool
// at or above MinConnections. In-use connections are never reaped, but a
// connection held past LeaseTimeout is presumed leaked by a read that never
// resolved: the pool forgets it so capacity recovers, and its eventual
// release closes the client.
func (p *ConnectionPool) reap() {
	now := time.Now()
	var reaped []*PooledConnection
	leaked := 0

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for c := range p.conns {
		if c.inUse {
			if p.config.LeaseTimeout > 0 && now.Sub(c.lastUsedAt) > p.config.LeaseTimeout {
				c.forgotten = true
				delete(p.conns, c)
				leaked++
			}
			continue
		}
		if now.Sub(c.lastUsedAt) > p.config.IdleTimeout && len(p.conns) > p.config.MinConnections {
			delete(p.conns, c)
			reaped = append(reaped, c)
		}
	}
	needReplenish := len(p.conns)+p.pending < p.config.MinConnections ||
		(len(p.waiters) > 0 && len(p.conns)+p.pending < p.config.MaxConnections)
	p.mu.Unlock()

	for _, c := range reaped {
		c.client.Close()
	}

	if len(reaped) > 0 {
		logx.Info("Idle connections reaped", logx.Int("reaped", len(reaped)))
	}
	if leaked > 0 {
		logx.Warn("Forgot connections held past lease timeout",
			logx.Int("leaked", leaked),
			logx.String("leaseTimeout", p.config.LeaseTimeout.String()))
	}
	if needReplenish {
		go p.replenish()
	}
}

// replenish dials replacement connections after discards until the pool is
// back at MinConnections, serving queued waiters first.
func (p *ConnectionPool) replenish() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		size := len(p.conns) + p.pending
		needWaiter := len(p.waiters) > 0 && size < p.config.MaxConnections
		needMin := size < p.config.MinConnections
		if !needWaiter && !needMin {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
		client, err := p.factory.NewClient(ctx)
		cancel()

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			logx.Warn("Failed to replenish connection", logx.ErrorField(err))
			return
		}
		if p.closed {
			p.mu.Unlock()
			client.Close()
			return
		}
		c := p.newConnLocked(client)
		p.conns[c] = struct{}{}
		if len(p.waiters) > 0 {
			w := p.waiters[0]
			p.waiters = p.waiters[1:]
			w.served = true
			c.inUse = true
			w.ch <- c
		}
		p.mu.Unlock()
	}
}
