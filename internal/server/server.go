// Package server implements the Acceptor: it listens for TCP connections,
// assigns each one a reactor from the pool, and starts its Session.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/socks5d/socks5d/internal/config"
	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/reactor"
	"github.com/socks5d/socks5d/internal/session"
	"github.com/socks5d/socks5d/internal/sockopt"
)

// Server is the Acceptor: one listening socket feeding a Reactor Pool.
type Server struct {
	cfg    *config.Config
	deps   session.Deps
	pool   *reactor.Pool
	logger *slog.Logger

	seq atomic.Uint64

	// Ready receives the bound listen address once Serve's listener is up.
	// Buffered by one; tests use it to learn the ephemeral port when
	// Config.Server.Port is 0.
	Ready chan net.Addr

	// limiter throttles accepted connections per source IP. Nil when
	// Server.RateLimit.ConnectionsPerSecond is 0.
	limiter *sourceLimiter
}

// New constructs a Server. deps.Config and deps.Logger are overwritten with
// cfg and logger, so callers only need to set the collaborators (Resolver,
// Dialer, Metrics).
func New(cfg *config.Config, deps session.Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	deps.Config = cfg
	deps.Logger = logger

	srv := &Server{
		cfg:    cfg,
		deps:   deps,
		pool:   reactor.NewPool(int(cfg.Server.ThreadNum), logger),
		logger: logger,
		Ready:  make(chan net.Addr, 1),
	}
	if cfg.Server.RateLimit.ConnectionsPerSecond > 0 {
		srv.limiter = newSourceLimiter(cfg.Server.RateLimit.ConnectionsPerSecond, cfg.Server.RateLimit.Burst)
	}
	return srv
}

// listen opens the TCP listener with SO_REUSEADDR set.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(int(s.cfg.Server.Port)))
	lc := net.ListenConfig{Control: sockopt.Control}
	return lc.Listen(ctx, "tcp", addr)
}

// Serve accepts connections until ctx is cancelled. Each accepted
// connection is assigned a reactor round-robin and run as a Session.
// Accept errors are logged and accepting continues; the listener is only
// ever closed by ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	s.logger.Info("listening", logging.KeyAddress, ln.Addr().String())
	select {
	case s.Ready <- ln.Addr():
	default:
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.pool.Stop()
				return nil
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		if s.limiter != nil && !s.limiter.allow(conn.RemoteAddr()) {
			s.logger.Debug("connection rate limited", logging.KeyAddress, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		id := strconv.FormatUint(s.seq.Add(1), 10)
		r := s.pool.Acquire()
		s.pool.Go(r, "session", func() {
			sess := session.New(conn, r, s.deps, id)
			sess.Serve(ctx)
		})
	}
}
