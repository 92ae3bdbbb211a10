// Package client implements the RPC client used by the FUSE filesystem and
// the cache on the remote machine.
//
// The client multiplexes synchronous calls from many FUSE workers over a
// small pool of TCP connections. Each call gets a fresh request id and goes
// out on the least-loaded connection; one reader goroutine per connection
// demultiplexes responses back to the waiting callers. Cancelling a call
// sends nothing on the wire - the server completes the work and the client
// drops the reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/proto/wire"
)

// consecutiveTimeoutLimit is how many timeouts in a row a connection
// survives before being recycled.
const consecutiveTimeoutLimit = 3

// retryAttempts and retryBase shape the local backoff for Timeout and Busy.
const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// DialFunc opens the transport to the server. The default dials TCP; the
// session collaborator substitutes its tunnel.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options configures the client.
type Options struct {
	// Addr is the server address, used by the default dialer.
	Addr string

	// Dial overrides the transport when set.
	Dial DialFunc

	// Token is the session bearer token presented on every connection.
	Token string

	// SystemPaths is forwarded at handshake to bound server-side
	// prefetch.
	SystemPaths []string

	// PoolSize is the number of connections.
	PoolSize int

	// Timeout is the per-operation default deadline.
	Timeout time.Duration

	// MaxInFlight is the soft cap on outstanding requests; submissions
	// above it block until a slot frees or the caller's context ends.
	// There is no non-blocking submission, so no call fails with Busy.
	MaxInFlight int

	// MaxFrameSize caps one frame.
	MaxFrameSize uint32
}

// Client is a pooled, multiplexing RPC client. Safe for concurrent use.
type Client struct {
	opts    Options
	codec   *wire.Codec
	metrics *metrics.RPCMetrics

	nextID atomic.Uint64

	// inFlight is the submission semaphore implementing the waiter-map
	// soft cap.
	inFlight chan struct{}

	mu     sync.Mutex
	conns  []*clientConn
	root   proto.RootVersion
	gotRoot bool
	closed bool
}

// clientConn is one pooled connection with its reader goroutine.
type clientConn struct {
	client *Client
	nc     net.Conn

	writeMu sync.Mutex
	waiters *waiterTable

	// load counts requests currently waiting on this connection.
	load atomic.Int64

	// consecTimeouts counts timeouts with no intervening success.
	consecTimeouts atomic.Int32

	dead atomic.Bool
}

// New creates a client. Connections are dialed lazily on first use.
func New(opts Options) *Client {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1024
	}
	if opts.Dial == nil {
		addr := opts.Addr
		opts.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		opts:     opts,
		codec:    wire.NewCodec(opts.MaxFrameSize),
		metrics:  metrics.NewRPCMetrics("client"),
		inFlight: make(chan struct{}, opts.MaxInFlight),
	}
}

// RootVersion returns the server's filesystem epoch, dialing a connection
// to learn it if none exists yet.
func (c *Client) RootVersion(ctx context.Context) (proto.RootVersion, error) {
	c.mu.Lock()
	if c.gotRoot {
		root := c.root
		c.mu.Unlock()
		return root, nil
	}
	c.mu.Unlock()

	// Handshaking any connection records the root version.
	if _, err := c.pick(ctx); err != nil {
		return proto.RootVersion{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root, nil
}

// Close tears down every connection and wakes every waiter with Shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(proto.ErrShutdown)
	}
	return nil
}

// ============================================================================
// Connection Management
// ============================================================================

// pick returns the least-loaded live connection, dialing a replacement when
// the pool is under strength.
func (c *Client) pick(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, proto.ErrShutdown
	}

	// Drop dead connections from the pool.
	live := c.conns[:0]
	for _, conn := range c.conns {
		if !conn.dead.Load() {
			live = append(live, conn)
		}
	}
	c.conns = live

	if len(c.conns) >= c.opts.PoolSize {
		best := c.conns[0]
		for _, conn := range c.conns[1:] {
			if conn.load.Load() < best.load.Load() {
				best = conn
			}
		}
		c.mu.Unlock()
		return best, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.shutdown(proto.ErrShutdown)
		return nil, proto.ErrShutdown
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// dial opens and authenticates one connection.
func (c *Client) dial(ctx context.Context) (*clientConn, error) {
	nc, err := c.opts.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial rpc server: %w", err)
	}

	conn := &clientConn{client: c, nc: nc, waiters: newWaiterTable()}

	// Authenticate synchronously before the reader starts: the first
	// frame on the wire must be Auth, and a token mismatch is a silent
	// close from the server.
	id := c.nextID.Add(1)
	req := proto.AuthRequest{Token: c.opts.Token, SystemPaths: c.opts.SystemPaths}
	if err := c.codec.WriteFrame(nc, wire.OpAuth, id, &req); err != nil {
		nc.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		nc.SetReadDeadline(deadline)
	} else {
		nc.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	}
	frame, err := c.codec.ReadFrame(nc)
	nc.SetReadDeadline(time.Time{})
	if err != nil {
		nc.Close()
		if errors.Is(err, io.EOF) {
			// The server closes without a reply on token mismatch.
			return nil, proto.ErrAuthFailed
		}
		return nil, fmt.Errorf("read auth response: %w", err)
	}

	var env wire.Envelope
	if err := wire.Unmarshal(frame.Payload, &env); err != nil {
		nc.Close()
		return nil, err
	}
	var resp proto.AuthResponse
	if err := env.Decode(&resp); err != nil {
		nc.Close()
		return nil, err
	}

	c.mu.Lock()
	c.root = resp.Root
	c.gotRoot = true
	c.mu.Unlock()

	go conn.readLoop()
	return conn, nil
}

// readLoop is the single I/O task per connection: it reads response frames
// and wakes waiters.
func (cc *clientConn) readLoop() {
	for {
		frame, err := cc.client.codec.ReadFrame(cc.nc)
		if err != nil {
			if errors.Is(err, proto.ErrProtocol) {
				logger.Error("protocol fault on rpc connection", "error", err)
				cc.shutdown(proto.ErrProtocol)
			} else {
				cc.shutdown(proto.ErrShutdown)
			}
			return
		}
		cc.client.metrics.AddBytesIn(len(frame.Payload))

		var env wire.Envelope
		if err := wire.Unmarshal(frame.Payload, &env); err != nil {
			cc.shutdown(proto.ErrProtocol)
			return
		}
		cc.waiters.Deliver(frame.RequestID, callResult{env: env})
	}
}

// shutdown marks the connection dead, closes its socket and fails its
// waiters. Idempotent.
func (cc *clientConn) shutdown(err error) {
	if cc.dead.Swap(true) {
		return
	}
	cc.nc.Close()
	cc.waiters.FailAll(failAllError(err))
}

// recycle tears the connection down after consecutive timeouts so a wedged
// TCP stream does not absorb further requests.
func (cc *clientConn) recycle() {
	cc.client.metrics.IncRecycle()
	logger.Warn("recycling rpc connection after consecutive timeouts")
	cc.shutdown(proto.ErrTimeout)
}

// ============================================================================
// Call Path
// ============================================================================

// call performs one synchronous RPC with the given deadline, without
// retries.
func (c *Client) call(ctx context.Context, op wire.Op, req any, resp any, timeout time.Duration) error {
	if ctx.Err() != nil {
		return contextError(ctx)
	}

	// Submission backpressure: when the waiter map is at its soft cap,
	// block until a drain or the caller gives up.
	select {
	case c.inFlight <- struct{}{}:
	case <-ctx.Done():
		return contextError(ctx)
	}
	defer func() { <-c.inFlight }()

	conn, err := c.pick(ctx)
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch := conn.waiters.Register(id)
	conn.load.Add(1)
	defer conn.load.Add(-1)

	c.metrics.IncInFlight()
	defer c.metrics.DecInFlight()

	payload, err := wire.Marshal(req)
	if err != nil {
		conn.waiters.Remove(id)
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	conn.writeMu.Lock()
	err = c.codec.WriteRawFrame(conn.nc, op, id, payload)
	conn.writeMu.Unlock()
	if err != nil {
		conn.waiters.Remove(id)
		conn.shutdown(proto.ErrShutdown)
		return proto.ErrShutdown
	}
	c.metrics.AddBytesOut(len(payload))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		conn.consecTimeouts.Store(0)
		return res.env.Decode(resp)

	case <-timer.C:
		c.metrics.IncTimeout()
		// The waiter is gone; the eventual response is dropped by the
		// reader.
		conn.waiters.Remove(id)
		if conn.consecTimeouts.Add(1) >= consecutiveTimeoutLimit {
			conn.recycle()
		}
		return proto.ErrTimeout

	case <-ctx.Done():
		conn.waiters.Remove(id)
		return contextError(ctx)
	}
}

// Call performs one RPC with the default timeout and local retries: Timeout
// and Busy back off between up to three attempts before surfacing, per the
// error contract. Interrupted is never retried.
func (c *Client) Call(ctx context.Context, op wire.Op, req any, resp any) error {
	return c.callRetry(ctx, op, req, resp, c.opts.Timeout)
}

func (c *Client) callRetry(ctx context.Context, op wire.Op, req any, resp any, timeout time.Duration) error {
	start := time.Now()
	var err error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				err = contextError(ctx)
				c.metrics.ObserveRequest(op.String(), "interrupted", start)
				return err
			}
		}

		err = c.call(ctx, op, req, resp, timeout)
		if err == nil {
			c.metrics.ObserveRequest(op.String(), "ok", start)
			return nil
		}
		if !errors.Is(err, proto.ErrTimeout) && !errors.Is(err, proto.ErrBusy) {
			c.metrics.ObserveRequest(op.String(), status(err), start)
			return err
		}
	}

	// Still timing out after backoff: surface IO, the kernel-visible
	// catch-all.
	c.metrics.ObserveRequest(op.String(), "timeout", start)
	return &proto.Error{Code: proto.ErrnoIO, Msg: "rpc retries exhausted: " + err.Error()}
}

func status(err error) string {
	var perr *proto.Error
	if errors.As(err, &perr) {
		return perr.Code.String()
	}
	return "error"
}

// contextError maps context cancellation to the wire taxonomy: a FUSE
// interrupt arrives as cancellation and must surface as Interrupted,
// unretried.
func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return proto.ErrTimeout
	}
	return proto.ErrInterrupted
}
