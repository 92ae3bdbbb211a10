package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/metrics"
	"github.com/outrun-sh/outrun/pkg/proto"
	"github.com/outrun-sh/outrun/pkg/proto/wire"
	"github.com/outrun-sh/outrun/pkg/session"
)

// authTimeout bounds how long an accepted connection may dawdle before
// presenting its token.
const authTimeout = 10 * time.Second

// Options configures the RPC server.
type Options struct {
	// Listen is the bind address; the session collaborator tunnels it.
	Listen string

	// Secret verifies session tokens.
	Secret []byte

	// Workers is the dispatch pool size.
	Workers int

	// MaxFrameSize caps a single frame.
	MaxFrameSize uint32

	// Prefetch bounds bulk fetch bundles.
	Prefetch PrefetchPolicy
}

// Server is the multi-client TCP service exposing the local filesystem.
type Server struct {
	opts    Options
	svc     *Service
	codec   *wire.Codec
	metrics *metrics.RPCMetrics

	listener net.Listener
	work     chan func()

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	connWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New creates a server. Call Serve to start accepting.
func New(opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	return &Server{
		opts:    opts,
		svc:     NewService(opts.Prefetch),
		codec:   wire.NewCodec(opts.MaxFrameSize),
		metrics: metrics.NewRPCMetrics("server"),
		work:    make(chan func(), opts.Workers*4),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Service exposes the underlying filesystem service, mainly for tests.
func (s *Server) Service() *Service {
	return s.svc
}

// Addr returns the bound address once Serve has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the listen address without accepting yet, so callers can
// learn the bound port before the session collaborator builds the tunnel.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
	}
	l := s.listener
	s.mu.Unlock()

	for i := 0; i < s.opts.Workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	logger.Info("rpc server listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting, closes every connection and drains the worker
// pool.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}

	// Connection readers exit on their closed sockets before the worker
	// pool drains; this ordering keeps sends on s.work ahead of its close.
	s.connWg.Wait()
	close(s.work)
	s.workerWg.Wait()
	return err
}

func (s *Server) worker() {
	defer s.workerWg.Done()
	for task := range s.work {
		task()
	}
}

// connState is the per-connection context: its handle table and a writer
// lock serializing response frames.
type connState struct {
	conn    net.Conn
	handles *handleTable
	writeMu sync.Mutex
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	state := &connState{conn: conn, handles: newHandleTable()}
	clientIP := peerIP(conn)

	defer func() {
		state.handles.CloseAll()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if !s.authenticate(state, clientIP) {
		return
	}

	for {
		frame, err := s.codec.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("connection terminated",
					logger.KeyClientIP, clientIP, "error", err)
			}
			return
		}
		s.metrics.AddBytesIn(len(frame.Payload))

		// Dispatch on the bounded pool; the reader keeps pulling frames
		// so independent requests overlap, and a saturated pool applies
		// backpressure on this connection instead of queueing unbounded.
		s.work <- func() { s.dispatch(state, frame, clientIP) }
	}
}

// authenticate enforces the token handshake. A mismatch closes the
// connection without a reply, exactly like a wrong knock.
func (s *Server) authenticate(state *connState, clientIP string) bool {
	state.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer state.conn.SetReadDeadline(time.Time{})

	frame, err := s.codec.ReadFrame(state.conn)
	if err != nil || frame.Op != wire.OpAuth {
		logger.Warn("handshake failed", logger.KeyClientIP, clientIP)
		return false
	}

	var req proto.AuthRequest
	if err := wire.Unmarshal(frame.Payload, &req); err != nil {
		return false
	}

	if _, err := session.VerifyToken(s.opts.Secret, req.Token); err != nil {
		logger.Warn("auth token rejected", logger.KeyClientIP, clientIP)
		return false
	}

	if len(req.SystemPaths) > 0 {
		s.svc.prefetch.SetPrefetchable(req.SystemPaths)
	}

	env, err := wire.NewResultEnvelope(&proto.AuthResponse{Root: s.svc.RootVersion()})
	if err != nil {
		return false
	}
	return s.writeEnvelope(state, wire.OpAuth, frame.RequestID, env)
}

func (s *Server) writeEnvelope(state *connState, op wire.Op, requestID uint64, env wire.Envelope) bool {
	state.writeMu.Lock()
	defer state.writeMu.Unlock()

	if err := s.codec.WriteFrame(state.conn, op, requestID, &env); err != nil {
		logger.Warn("write response failed", "op", op.String(), "error", err)
		state.conn.Close()
		return false
	}
	s.metrics.AddBytesOut(len(env.Result))
	return true
}

// dispatch decodes one request, runs it against the service and writes the
// response envelope. Decode failures are protocol errors and poison the
// connection.
func (s *Server) dispatch(state *connState, frame wire.Frame, clientIP string) {
	start := time.Now()

	env, fatal := s.handle(state, frame)

	status := "ok"
	if env.Err != nil {
		status = env.Err.Code.String()
	}
	s.metrics.ObserveRequest(frame.Op.String(), status, start)

	if fatal {
		logger.Warn("protocol fault", "op", frame.Op.String(), logger.KeyClientIP, clientIP)
		state.conn.Close()
		return
	}

	s.writeEnvelope(state, frame.Op, frame.RequestID, env)
}

// handle runs one decoded frame. The second return marks protocol faults
// that must terminate the connection instead of answering.
func (s *Server) handle(state *connState, frame wire.Frame) (wire.Envelope, bool) {
	decode := func(v any) bool {
		return wire.Unmarshal(frame.Payload, v) == nil
	}

	result := func(v any, perr *proto.Error) (wire.Envelope, bool) {
		if perr != nil {
			return wire.NewErrorEnvelope(perr), false
		}
		env, err := wire.NewResultEnvelope(v)
		if err != nil {
			return wire.NewErrorEnvelope(&proto.Error{Code: proto.ErrnoIO, Msg: err.Error()}), false
		}
		return env, false
	}

	protocolFault := wire.Envelope{}

	switch frame.Op {
	case wire.OpPing:
		return result(&proto.PingResponse{}, nil)

	case wire.OpRootVersion:
		return result(&proto.AuthResponse{Root: s.svc.RootVersion()}, nil)

	case wire.OpGetattr:
		var req proto.GetattrRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Getattr(&req))

	case wire.OpReaddir:
		var req proto.ReaddirRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Readdir(&req))

	case wire.OpReadlink:
		var req proto.ReadlinkRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Readlink(&req))

	case wire.OpOpenRead:
		var req proto.OpenReadRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.OpenRead(state.handles, &req))

	case wire.OpRead:
		var req proto.ReadRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Read(state.handles, &req))

	case wire.OpClose:
		var req proto.CloseRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Close(state.handles, &req))

	case wire.OpOpenWrite:
		var req proto.OpenWriteRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.OpenWrite(state.handles, &req))

	case wire.OpWrite:
		var req proto.WriteRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Write(state.handles, &req))

	case wire.OpFsync:
		var req proto.FsyncRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Fsync(state.handles, &req))

	case wire.OpTruncate:
		var req proto.TruncateRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Truncate(state.handles, &req))

	case wire.OpUnlink:
		var req proto.UnlinkRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Unlink(&req))

	case wire.OpMkdir:
		var req proto.MkdirRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Mkdir(&req))

	case wire.OpRmdir:
		var req proto.RmdirRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Rmdir(&req))

	case wire.OpRename:
		var req proto.RenameRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Rename(&req))

	case wire.OpChmod:
		var req proto.ChmodRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Chmod(&req))

	case wire.OpChown:
		var req proto.ChownRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Chown(&req))

	case wire.OpUtimens:
		var req proto.UtimensRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Utimens(&req))

	case wire.OpSymlink:
		var req proto.SymlinkRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Symlink(&req))

	case wire.OpLink:
		var req proto.LinkRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Link(&req))

	case wire.OpMknod:
		var req proto.MknodRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Mknod(&req))

	case wire.OpStatfs:
		var req proto.StatfsRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.Statfs(&req))

	case wire.OpBulkFetch:
		var req proto.BulkFetchRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.prefetch.BulkFetch(&req))

	case wire.OpMarkCached:
		var req proto.MarkCachedRequest
		if !decode(&req) {
			return protocolFault, true
		}
		return result(s.svc.MarkCached(&req))

	default:
		// Auth after handshake, or an op the reader validated but the
		// dispatcher does not serve.
		return protocolFault, true
	}
}

func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
