package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	linkMethod         = "/ipctunnel.overlay.Router/Link"
	sessionMetadataKey = "x-ipctunnel-session"
)

type linkHandler interface {
	Link(grpc.ServerStream) error
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: "ipctunnel.overlay.Router",
	HandlerType: (*linkHandler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Link",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(linkHandler).Link(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// DefaultKeepaliveMinTime is the shortest client keepalive interval a server
// accepts by default.
const DefaultKeepaliveMinTime = 10 * time.Second

type ServerConfig struct {
	MaxMessageSize   int
	KeepaliveMinTime time.Duration
	// TLS secures links when set.
	TLS *tls.Config
}

// Server exposes a Router to remote sessions over gRPC.
type Server struct {
	router *Router
	grpc   *grpc.Server
	logger *zap.Logger
}

func NewServer(router *Router, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeepaliveMinTime <= 0 {
		cfg.KeepaliveMinTime = DefaultKeepaliveMinTime
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLS)))
	}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxMessageSize), grpc.MaxSendMsgSize(cfg.MaxMessageSize))
	}

	s := &Server{
		router: router,
		grpc:   grpc.NewServer(opts...),
		logger: logger,
	}
	s.grpc.RegisterService(&routerServiceDesc, s)
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Overlay router listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.grpc.Stop()
}

// GracefulStop stops accepting links and waits for the open ones to end.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// Link attaches the calling session to the router for the stream's lifetime.
func (s *Server) Link(stream grpc.ServerStream) error {
	ctx := stream.Context()

	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(sessionMetadataKey); len(values) > 0 {
			id = values[0]
		}
	}
	if id == "" {
		return status.Error(codes.InvalidArgument, "missing session id")
	}

	// SendMsg must not be called once the handler has returned.
	var sendMu sync.Mutex
	finished := false
	p, err := s.router.attach(id, func(f *frame) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		if finished {
			return io.EOF
		}
		return stream.SendMsg(f)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.router.detach(p)
	defer func() {
		sendMu.Lock()
		finished = true
		sendMu.Unlock()
	}()

	remote := "unknown"
	if pr, ok := peer.FromContext(ctx); ok {
		remote = pr.Addr.String()
	}
	s.logger.Info("Session linked", zap.String("session", id), zap.String("peer", remote))
	defer s.logger.Info("Session unlinked", zap.String("session", id), zap.String("peer", remote))

	for {
		f := new(frame)
		if err := stream.RecvMsg(f); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		if err := s.router.handle(p, f); err != nil {
			return status.Error(codes.Aborted, err.Error())
		}
	}
}

// Dial opens a session on the router at cfg.Endpoint. Extra options are
// applied after the defaults.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, extra ...grpc.DialOption) (*Session, error) {
	cfg = cfg.withDefaults()

	callOpts := []grpc.CallOption{
		grpc.CallContentSubtype(codecName),
		grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
	}
	switch cfg.Compression {
	case "", "none":
	case CompressionZstd:
		callOpts = append(callOpts, grpc.UseCompressor(CompressionZstd))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCompression, cfg.Compression)
	}

	creds := insecure.NewCredentials()
	if cfg.TLS != nil {
		creds = credentials.NewTLS(cfg.TLS)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: cfg.ConnectTimeout,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client for router %s: %w", cfg.Endpoint, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitReady(dialCtx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to router %s: %w", cfg.Endpoint, err)
	}

	s := newSession(uuid.NewString(), logger)
	streamCtx, streamCancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, sessionMetadataKey, s.id)

	stream, err := conn.NewStream(streamCtx, &routerServiceDesc.Streams[0], linkMethod)
	if err != nil {
		streamCancel()
		conn.Close()
		return nil, fmt.Errorf("open link to router %s: %w", cfg.Endpoint, err)
	}

	l := &grpcLink{conn: conn, stream: stream, cancel: streamCancel}
	s.link = l
	go l.readLoop(s)

	s.logger.Info("Connected to overlay router", zap.String("endpoint", cfg.Endpoint))
	return s, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

type grpcLink struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
}

func (l *grpcLink) send(f *frame) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.stream.SendMsg(f)
}

func (l *grpcLink) close() error {
	l.sendMu.Lock()
	l.stream.CloseSend()
	l.sendMu.Unlock()
	l.cancel()
	return l.conn.Close()
}

func (l *grpcLink) readLoop(s *Session) {
	for {
		f := new(frame)
		if err := l.stream.RecvMsg(f); err != nil {
			s.terminate(err)
			return
		}
		s.handleFrame(f)
	}
}
