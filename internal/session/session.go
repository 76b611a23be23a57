// Package session drives one client connection through the SOCKS5
// greeting, optional authentication, request parsing, and command
// dispatch, then hands off to either the TCP relay or the UDP associate
// engine until the connection closes.
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/socks5d/socks5d/internal/config"
	"github.com/socks5d/socks5d/internal/deadline"
	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/metrics"
	"github.com/socks5d/socks5d/internal/reactor"
	"github.com/socks5d/socks5d/internal/resolver"
	"github.com/socks5d/socks5d/internal/socks5addr"
	"github.com/socks5d/socks5d/internal/socks5auth"
	"github.com/socks5d/socks5d/internal/socks5err"
	"github.com/socks5d/socks5d/internal/udpassoc"
)

const socksVersion = 0x05

// State names one phase of a session's lifetime, used only for logging
// and tests — control flow does not branch on it.
type State int

const (
	StateGreeting State = iota
	StateAuthSubnegotiate
	StateRequest
	StateTCPRelay
	StateUDPRelay
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAuthSubnegotiate:
		return "auth"
	case StateRequest:
		return "request"
	case StateTCPRelay:
		return "tcp_relay"
	case StateUDPRelay:
		return "udp_relay"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens an upstream TCP connection. Satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Deps bundles every collaborator a Session needs, all shared read-only
// across every session on every reactor.
type Deps struct {
	Config   *config.Config
	Resolver resolver.Resolver
	Dialer   Dialer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// ListenUDP opens the UDP relay socket. Overridable for tests.
	ListenUDP func(network string, laddr *net.UDPAddr) (*net.UDPConn, error)
}

// Session is one client connection's protocol state machine.
type Session struct {
	conn    net.Conn
	reactor *reactor.Reactor
	deps    Deps
	logger  *slog.Logger
	guard   *deadline.Guard

	id    string
	state State

	auths []socks5auth.Authenticator

	upstream net.Conn
	udp      *udpassoc.Relay

	bytesToUpstream atomic.Uint64
	bytesToClient   atomic.Uint64
}

// New constructs a Session for an accepted connection, pinned to r.
func New(conn net.Conn, r *reactor.Reactor, deps Deps, id string) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(logging.KeySession, id, logging.KeyReactor, r.ID())

	s := &Session{
		conn:    conn,
		reactor: r,
		deps:    deps,
		logger:  logger,
		id:      id,
		auths:   socks5auth.Build(deps.Config.SupportedMethods, deps.Config.Auth.Username, deps.Config.Auth.Password),
	}

	timeout := time.Duration(deps.Config.Timeout) * time.Second
	s.guard = deadline.New(timeout, s.onIdleExpired)
	return s
}

// State returns the session's current phase, for logging and tests.
func (s *Session) State() State { return s.state }

func (s *Session) onIdleExpired() {
	s.logger.Debug("session idle timeout expired")
	s.closeEndpoints()
}

// Serve runs the session to completion: greeting, optional auth, request,
// then either the TCP relay or the UDP associate loop. It never returns an
// error; all terminal conditions are logged and the connection is closed.
func (s *Session) Serve(ctx context.Context) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsTotal.Inc()
		s.deps.Metrics.SessionsActive.Inc()
		defer s.deps.Metrics.SessionsActive.Dec()
	}
	defer s.close()

	s.guard.Renew()
	br := bufio.NewReader(s.conn)

	auth, err := s.greet(br)
	if err != nil {
		s.terminate(err)
		return
	}
	s.guard.Renew()

	if auth.Method() != socks5auth.MethodNoAuth {
		s.state = StateAuthSubnegotiate
		if _, err := auth.Authenticate(br, s.conn); err != nil {
			if s.deps.Metrics != nil {
				s.deps.Metrics.AuthFailures.Inc()
			}
			s.terminate(socks5err.ErrAuthFailed)
			return
		}
		s.guard.Renew()
	}

	s.state = StateRequest
	cmd, addr, err := s.readRequest(br)
	if err != nil {
		s.terminate(err)
		return
	}
	s.guard.Renew()

	switch cmd {
	case cmdConnect:
		s.handleConnect(ctx, addr)
	case cmdUDPAssociate:
		s.handleUDPAssociate(ctx, addr)
	default:
		if s.deps.Metrics != nil {
			s.deps.Metrics.UnsupportedCommand.Inc()
		}
		s.writeReply(nil, socks5err.ErrUnsupportedCommand)
	}
}

func (s *Session) terminate(err error) {
	var kind *socks5err.Kind
	if errors.As(err, &kind) {
		s.logger.Debug("session terminated", logging.KeyError, kind.Name())
		if s.deps.Metrics != nil {
			s.deps.Metrics.SessionErrors.WithLabelValues(kind.Name()).Inc()
		}
		return
	}
	if errors.Is(err, io.EOF) {
		s.logger.Debug("session terminated", logging.KeyError, "peer_closed")
		if s.deps.Metrics != nil {
			s.deps.Metrics.SessionErrors.WithLabelValues("peer_closed").Inc()
		}
		return
	}
	s.logger.Debug("session terminated", logging.KeyError, err)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionErrors.WithLabelValues("protocol_violation").Inc()
	}
}

func (s *Session) close() {
	s.state = StateClosed
	s.guard.Close()
	s.closeEndpoints()
}

func (s *Session) closeEndpoints() {
	s.conn.Close()
	if s.upstream != nil {
		s.upstream.Close()
	}
	if s.udp != nil {
		s.udp.Close()
	}
}

// writeReply writes a SOCKS5 reply frame. bnd is the bound endpoint to
// report on success (nil for an error reply, which always reports
// 0.0.0.0:0/ATYP=IPv4). err selects the REP code via its socks5err.Kind.
func (s *Session) writeReply(bnd *socks5addr.Addr, err error) {
	rep := byte(socks5err.ReplySucceeded)
	var kind *socks5err.Kind
	if errors.As(err, &kind) {
		rep = kind.Reply()
	}

	var addr socks5addr.Addr
	if bnd != nil {
		addr = *bnd
	} else {
		addr = socks5addr.Addr{Type: socks5addr.TypeIPv4, IP: net.IPv4zero}
	}

	frame := append([]byte{socksVersion, rep, 0x00}, socks5addr.Bytes(addr)...)
	s.conn.Write(frame)
}
