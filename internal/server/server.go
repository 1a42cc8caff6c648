// ABOUTME: Server lifecycle: listeners (TCP, unix socket, tailscale), supervision, graceful shutdown
// ABOUTME: Runs HTTP/SSE, the native frame host, and gRPC health side by side under one errgroup

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/session-gateway/internal/config"
	"github.com/2389/session-gateway/internal/gateway"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailscaleHTTPPort = ":80"
	tailscaleGRPCPort = ":50051"
)

// Server owns the listeners and servers in front of one Gateway.
type Server struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	native *NativeHost
	logger *slog.Logger

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *healthReporter
	tsnetServer *tsnet.Server

	// base parents every request and native connection context; it is
	// cancelled once draining is over.
	base       context.Context
	cancelBase context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}
	addrs     Addrs
}

// Addrs are the bound listener addresses, known once the server is ready.
type Addrs struct {
	HTTP   string
	GRPC   string
	Native string
}

// New builds a server for gw from cfg.
func New(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	native := NewNativeHost(gw, NativeOptions{
		MaxFrameSize: cfg.Native.MaxFrameSize,
		DedupeTTL:    cfg.Native.DedupeTTL,
	}, logger)

	base, cancelBase := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		gw:         gw,
		native:     native,
		logger:     logger,
		base:       base,
		cancelBase: cancelBase,
		ready:      make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           NewRouter(gw, native, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.grpcServer = newGRPCServer()
	s.health = newHealthReporter(gw, logger.With("component", "grpc"))
	s.health.register(s.grpcServer)
	return s
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound addresses. Valid after Ready is closed.
func (s *Server) Addrs() Addrs {
	return s.addrs
}

type listeners struct {
	http   net.Listener
	grpc   net.Listener
	native net.Listener
}

func (l listeners) closeAll() {
	for _, ln := range []net.Listener{l.http, l.grpc, l.native} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// Run serves until ctx is cancelled or a server fails, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	lns, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}
	s.addrs = Addrs{HTTP: addrOf(lns.http), GRPC: addrOf(lns.grpc), Native: addrOf(lns.native)}
	s.readyOnce.Do(func() { close(s.ready) })

	g, gctx := errgroup.WithContext(ctx)

	if lns.http != nil {
		g.Go(func() error {
			s.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
			if err := s.httpServer.Serve(lns.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}
	if lns.grpc != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", "addr", lns.grpc.Addr().String())
			if err := s.grpcServer.Serve(lns.grpc); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.health.watch(gctx)
			return nil
		})
	}
	if lns.native != nil {
		g.Go(func() error {
			s.logger.Info("native socket listening", "path", lns.native.Addr().String())
			return s.serveNative(lns.native)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context canceled, initiating shutdown")
		}
		return s.shutdown(lns)
	})

	return g.Wait()
}

// ServeStdio serves the framed protocol on r and w, normally the process's
// stdin and stdout, until ctx is cancelled or r reaches EOF.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	err := s.native.Serve(ctx, halfPipe{Reader: r, Writer: w})
	s.gw.Close()
	return err
}

// halfPipe joins a reader and a writer. Close closes the reader when it can.
type halfPipe struct {
	io.Reader
	io.Writer
}

func (p halfPipe) Close() error {
	if c, ok := p.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Server) serveNative(ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting native connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.native.Serve(s.base, conn); err != nil {
				s.logger.Warn("native connection failed", "error", err)
			}
		}()
	}
}

// shutdown drains HTTP within the shutdown timeout, then cancels whatever
// is still running and releases every engine session.
func (s *Server) shutdown(lns listeners) error {
	s.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = appendCloseError(errs, "HTTP shutdown", err)
		_ = s.httpServer.Close()
	}
	s.cancelBase()
	if lns.native != nil {
		_ = lns.native.Close()
	}

	s.shutdownGRPCServer(ctx)
	s.gw.Close()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// shutdownGRPCServer stops gracefully or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func addrOf(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

func (s *Server) setupListeners(ctx context.Context) (listeners, error) {
	var lns listeners
	var err error

	if s.cfg.Tailscale.Enabled {
		s.warnIgnoredAddresses()
		lns.http, lns.grpc, err = s.setupTailscaleListeners(ctx)
	} else {
		lns.http, lns.grpc, err = s.setupTCPListeners()
	}
	if err != nil {
		return listeners{}, err
	}

	if path := s.cfg.Server.NativeSocket; path != "" {
		lns.native, err = listenUnix(path)
		if err != nil {
			lns.closeAll()
			return listeners{}, err
		}
	}
	return lns, nil
}

// setupTCPListeners creates TCP listeners for the configured addresses.
// Either address may be empty.
func (s *Server) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	s.logger.Info("starting server",
		"http_addr", s.cfg.Server.HTTPAddr,
		"grpc_addr", s.cfg.Server.GRPCAddr,
	)

	if addr := s.cfg.Server.HTTPAddr; addr != "" {
		httpLn, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	if addr := s.cfg.Server.GRPCAddr; addr != "" {
		grpcLn, err = net.Listen("tcp", addr)
		if err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// listenUnix listens on a unix socket, replacing a stale socket file.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on native socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting native socket: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddresses logs a warning if TCP addresses are configured but
// Tailscale is enabled.
func (s *Server) warnIgnoredAddresses() {
	if s.cfg.Server.GRPCAddr != "" || s.cfg.Server.HTTPAddr != "" {
		s.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled",
			"http_addr", s.cfg.Server.HTTPAddr,
			"grpc_addr", s.cfg.Server.GRPCAddr,
		)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "session-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens for HTTP and gRPC on it.
func (s *Server) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = s.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	grpcLn, err = s.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = httpLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
