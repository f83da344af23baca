package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("resilience: connection pool closed")

const (
	// DefaultMaxConns bounds concurrent leased connections.
	DefaultMaxConns = 16

	// DefaultConnectTimeout applies to establishing a connection.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout applies to waiting for response headers.
	DefaultReadTimeout = 30 * time.Second
)

// Pool leases reusable HTTP connections keyed by host:port. Connection
// reuse itself rides on the transport's keep-alive pool; Pool adds the
// per-host client registry, uniform timeouts and a bound on total
// concurrent leases.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	closed  bool

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	maxConns       int64
	connectTimeout time.Duration
	readTimeout    time.Duration
	logger         *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxConns bounds the number of concurrently leased connections.
func WithMaxConns(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxConns = int64(n)
		}
	}
}

// WithConnectTimeout sets the connect timeout for every connection.
func WithConnectTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.connectTimeout = d
	}
}

// WithReadTimeout sets the response header timeout for every connection.
func WithReadTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.readTimeout = d
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a connection pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		clients:        make(map[string]*http.Client),
		maxConns:       DefaultMaxConns,
		connectTimeout: DefaultConnectTimeout,
		readTimeout:    DefaultReadTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.sem = semaphore.NewWeighted(p.maxConns)
	return p
}

// Conn is a leased connection. Release must be called on every exit
// path; releasing twice is a no-op.
type Conn struct {
	client  *http.Client
	host    string
	pool    *Pool
	release sync.Once
}

// Client returns the pooled HTTP client for the leased host.
func (c *Conn) Client() *http.Client {
	return c.client
}

// Host returns the host:port the connection is keyed by.
func (c *Conn) Host() string {
	return c.host
}

// Release returns the lease to the pool.
func (c *Conn) Release() {
	c.release.Do(func() {
		c.pool.sem.Release(1)
		c.pool.inflight.Done()
	})
}

// Acquire leases a connection for the given host:port, blocking while
// the pool is at its concurrency bound. It fails fast with
// ErrPoolClosed after Shutdown.
func (p *Pool) Acquire(ctx context.Context, hostport string) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	client, ok := p.clients[hostport]
	if !ok {
		client = p.newClient()
		p.clients[hostport] = client
		p.logger.Debug("created pooled client", "host", hostport)
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	return &Conn{client: client, host: hostport, pool: p}, nil
}

// Shutdown drains in-flight leases and closes all pooled connections.
// Further Acquire calls fail fast. Shutdown returns the context error
// if the drain does not finish in time; idle connections are closed
// either way.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := make([]*http.Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, c := range clients {
		c.CloseIdleConnections()
	}
	return err
}

// newClient builds a client with the pool's uniform timeouts. One
// client per host keeps the transport's keep-alive connections scoped
// to that host.
func (p *Pool) newClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   p.connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          int(p.maxConns),
		MaxIdleConnsPerHost:   int(p.maxConns),
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: p.readTimeout,
		TLSHandshakeTimeout:   p.connectTimeout,
	}
	return &http.Client{Transport: transport}
}
