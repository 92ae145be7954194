package queryx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClient is an in-memory store client with configurable latency and
// failure injection, plus call counters for asserting read-through behavior.
type fakeClient struct {
	records map[string]map[string]Record

	delay time.Duration
	err   error

	findCalls  int64
	batchCalls int64
	closed     atomic.Bool
}

func (c *fakeClient) FindByID(ctx context.Context, collection, id string) (Record, error) {
	atomic.AddInt64(&c.findCalls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	rows := c.records[collection]
	rec, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (c *fakeClient) FindByIDs(ctx context.Context, collection string, ids []string) (map[string]Record, error) {
	atomic.AddInt64(&c.batchCalls, 1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	rows := c.records[collection]
	out := make(map[string]Record)
	for _, id := range ids {
		if rec, ok := rows[id]; ok {
			cp := make(Record, len(rec))
			for k, v := range rec {
				cp[k] = v
			}
			out[id] = cp
		}
	}
	return out, nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	return nil
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeFactory hands out fakeClients sharing one record set and counts creations
type fakeFactory struct {
	mu      sync.Mutex
	records map[string]map[string]Record
	delay   time.Duration
	err     error

	created int64
	clients []*fakeClient
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		records: make(map[string]map[string]Record),
	}
}

func (f *fakeFactory) addRecord(collection, id string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]Record)
	}
	f.records[collection][id] = rec
}

func (f *fakeFactory) NewClient(ctx context.Context) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt64(&f.created, 1)
	client := &fakeClient{
		records: f.records,
		delay:   f.delay,
		err:     f.err,
	}
	f.clients = append(f.clients, client)
	return client, nil
}

func (f *fakeFactory) createdCount() int64 {
	return atomic.LoadInt64(&f.created)
}

func (f *fakeFactory) totalFindCalls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.clients {
		total += atomic.LoadInt64(&c.findCalls)
	}
	return total
}

func (f *fakeFactory) totalBatchCalls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.clients {
		total += atomic.LoadInt64(&c.batchCalls)
	}
	return total
}

func (f *fakeFactory) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	for _, c := range f.clients {
		c.delay = d
	}
}

func (f *fakeFactory) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	for _, c := range f.clients {
		c.err = err
	}
}

// testPoolConfig returns a pool configuration with short timers for tests
func testPoolConfig(minConns, maxConns int, acquireTimeout time.Duration) *PoolConfig {
	return &PoolConfig{
		MaxConnections:    maxConns,
		MinConnections:    minConns,
		AcquireTimeout:    acquireTimeout,
		IdleTimeout:       time.Minute,
		ReapInterval:      time.Minute,
		LeaseTimeout:      0,
		MaxDeadlineMisses: 0,
	}
}
