// Package udpassoc implements the UDP ASSOCIATE relay: a bound UDP socket
// that forwards datagrams between one client endpoint and the upstream
// peers it names, rewriting the SOCKS5 datagram header on each direction.
package udpassoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/metrics"
	"github.com/socks5d/socks5d/internal/resolver"
	"github.com/socks5d/socks5d/internal/socks5addr"
)

// ErrFragNotSupported is returned when a datagram's FRAG field is nonzero.
var ErrFragNotSupported = errors.New("udp fragmentation not supported")

// ErrHeaderMalformed is returned when a datagram's header is truncated or
// its RSV field is nonzero.
var ErrHeaderMalformed = errors.New("malformed udp associate header")

const maxDatagram = 65535

// Relay owns one UDP ASSOCIATE socket for the lifetime of one session. The
// client endpoint is learned from the first datagram that passes
// matchesClient; until then it is unknown.
type Relay struct {
	conn *net.UDPConn

	resolver resolver.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// expected describes the request's DST.ADDR/DST.PORT, which may be
	// all-zeros (client endpoint not yet known).
	expected         socks5addr.Addr
	expectedKnown    bool // true when expected is a non-zero literal IP; expectedLiteral holds it
	expectedLiteral  netip.AddrPort
	expectedResolved []netip.AddrPort // populated lazily for domain form

	clientKnown bool
	clientAddr  netip.AddrPort

	upstreamKnown bool
	upstreamAddr  netip.AddrPort
}

// NewRelay creates a Relay bound to conn. expected is the request's address
// tuple interpreted per spec: an all-zeros IP/port literal means the client
// endpoint is not yet known and binds to the first datagram's sender.
func NewRelay(conn *net.UDPConn, expected socks5addr.Addr, res resolver.Resolver, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Relay{
		conn:     conn,
		resolver: res,
		logger:   logger,
		metrics:  m,
		expected: expected,
	}
	if expected.Type != socks5addr.TypeDomain && !expected.Unspecified() {
		r.expectedLiteral = netip.AddrPortFrom(addrFromIP(expected.IP), expected.Port)
		r.expectedKnown = true
	}
	return r
}

func addrFromIP(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		a, _ := netip.AddrFromSlice(v4)
		return a
	}
	a, _ := netip.AddrFromSlice(ip.To16())
	return a
}

// LocalAddrPort returns the relay socket's bound local endpoint.
func (r *Relay) LocalAddrPort() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the underlying socket.
func (r *Relay) Close() error {
	return r.conn.Close()
}

// Serve runs the single-outstanding-receive dispatch loop until ctx is
// done or the socket is closed. onActivity is called after every datagram
// that is accepted and forwarded, to renew the session's deadline guard.
func (r *Relay) Serve(ctx context.Context, onActivity func()) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, sender, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return err
		}

		if r.isClient(sender) {
			if err := r.forwardToUpstream(buf[:n]); err != nil {
				r.logger.Debug("udp associate: client datagram dropped", logging.KeyError, err)
				if r.metrics != nil {
					r.metrics.UDPDatagramsDropped.WithLabelValues(dropReason(err)).Inc()
				}
				if errors.Is(err, ErrFragNotSupported) || errors.Is(err, ErrHeaderMalformed) {
					return err
				}
				continue
			}
			if onActivity != nil {
				onActivity()
			}
			if r.metrics != nil {
				r.metrics.UDPDatagramsRelayed.WithLabelValues("to_upstream").Inc()
			}
			continue
		}

		if r.isCurrentUpstream(sender) {
			if err := r.forwardToClient(buf[:n], sender); err != nil {
				r.logger.Debug("udp associate: upstream datagram dropped", logging.KeyError, err)
				continue
			}
			if onActivity != nil {
				onActivity()
			}
			if r.metrics != nil {
				r.metrics.UDPDatagramsRelayed.WithLabelValues("to_client").Inc()
			}
			continue
		}

		// Sender matches neither the client nor the bound upstream: either
		// the client endpoint is still unknown (bind on this sender) or the
		// datagram is from an unrelated peer.
		if !r.clientKnown && r.matchesExpected(sender) {
			r.clientKnown = true
			r.clientAddr = sender
			if err := r.forwardToUpstream(buf[:n]); err != nil {
				r.logger.Debug("udp associate: first datagram dropped", logging.KeyError, err)
				if r.metrics != nil {
					r.metrics.UDPDatagramsDropped.WithLabelValues(dropReason(err)).Inc()
				}
				continue
			}
			if onActivity != nil {
				onActivity()
			}
			if r.metrics != nil {
				r.metrics.UDPDatagramsRelayed.WithLabelValues("to_upstream").Inc()
			}
			continue
		}

		if r.metrics != nil {
			r.metrics.UDPDatagramsDropped.WithLabelValues("unmatched_peer").Inc()
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrFragNotSupported):
		return "frag_not_supported"
	case errors.Is(err, ErrHeaderMalformed):
		return "header_malformed"
	default:
		return "send_failed"
	}
}

func (r *Relay) isClient(sender netip.AddrPort) bool {
	return r.clientKnown && sender == r.clientAddr
}

func (r *Relay) isCurrentUpstream(sender netip.AddrPort) bool {
	return r.upstreamKnown && sender == r.upstreamAddr
}

// matchesExpected reports whether sender is an acceptable first-datagram
// binder: the request address was all-zeros (anyone may bind), the
// resolved request endpoint matches exactly, or (domain form) the sender
// matches any address in the resolved candidate set.
func (r *Relay) matchesExpected(sender netip.AddrPort) bool {
	if r.expected.Type != socks5addr.TypeDomain && r.expected.Unspecified() {
		return true
	}
	if r.expectedKnown {
		return sender == r.expectedLiteral
	}
	if r.expected.Type == socks5addr.TypeDomain {
		if r.expectedResolved == nil && r.resolver != nil {
			eps, err := r.resolver.Resolve(context.Background(), r.expected.Domain, r.expected.Port)
			if err == nil {
				r.expectedResolved = eps
			}
		}
		for _, ep := range r.expectedResolved {
			if ep.Addr() == sender.Addr() {
				return true
			}
		}
	}
	return false
}

// forwardToUpstream parses a client-to-upstream datagram header and sends
// DATA to the named target, trying each resolved candidate in order for
// domain-form targets.
func (r *Relay) forwardToUpstream(datagram []byte) error {
	addr, data, err := parseHeader(datagram)
	if err != nil {
		return err
	}

	var targets []netip.AddrPort
	switch addr.Type {
	case socks5addr.TypeDomain:
		if r.resolver == nil {
			return fmt.Errorf("%w: no resolver configured for domain target", ErrHeaderMalformed)
		}
		eps, err := r.resolver.Resolve(context.Background(), addr.Domain, addr.Port)
		if err != nil {
			return err
		}
		targets = eps
	default:
		targets = []netip.AddrPort{netip.AddrPortFrom(addrFromIP(addr.IP), addr.Port)}
	}

	var lastErr error
	for _, target := range targets {
		if _, err := r.conn.WriteToUDPAddrPort(data, target); err != nil {
			lastErr = err
			continue
		}
		r.upstreamKnown = true
		r.upstreamAddr = target
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolved candidate for %q", addr.Domain)
	}
	return lastErr
}

// forwardToClient prefixes data with a fresh header reflecting sender's
// address form and sends it to the bound client endpoint.
func (r *Relay) forwardToClient(data []byte, sender netip.AddrPort) error {
	if !r.clientKnown {
		return errors.New("client endpoint not yet bound")
	}

	addr := socks5addr.FromIP(net.IP(sender.Addr().AsSlice()), sender.Port())
	header := socks5addr.Bytes(addr)

	out := make([]byte, 0, 3+len(header)+len(data))
	out = append(out, 0x00, 0x00, 0x00) // RSV(2) + FRAG(1)
	out = append(out, header...)
	out = append(out, data...)

	_, err := r.conn.WriteToUDPAddrPort(out, r.clientAddr)
	return err
}

// parseHeader parses RSV ‖ FRAG ‖ ATYP ‖ DST.ADDR ‖ DST.PORT ‖ DATA,
// enforcing the minimum byte counts per address type.
func parseHeader(datagram []byte) (socks5addr.Addr, []byte, error) {
	if len(datagram) < 4 {
		return socks5addr.Addr{}, nil, ErrHeaderMalformed
	}
	if datagram[0] != 0 || datagram[1] != 0 {
		return socks5addr.Addr{}, nil, fmt.Errorf("%w: nonzero RSV", ErrHeaderMalformed)
	}
	if datagram[2] != 0 {
		return socks5addr.Addr{}, nil, ErrFragNotSupported
	}
	atyp := datagram[3]

	switch atyp {
	case socks5addr.TypeIPv4:
		if len(datagram) < 10 {
			return socks5addr.Addr{}, nil, ErrHeaderMalformed
		}
	case socks5addr.TypeIPv6:
		if len(datagram) < 22 {
			return socks5addr.Addr{}, nil, ErrHeaderMalformed
		}
	case socks5addr.TypeDomain:
		if len(datagram) < 5 {
			return socks5addr.Addr{}, nil, ErrHeaderMalformed
		}
		l := int(datagram[4])
		if len(datagram) < 5+l+2 {
			return socks5addr.Addr{}, nil, ErrHeaderMalformed
		}
	default:
		return socks5addr.Addr{}, nil, fmt.Errorf("%w: atyp %#x", socks5addr.ErrUnsupportedAddressType, atyp)
	}

	r := bytes.NewReader(datagram[4:])
	addr, err := socks5addr.Decode(r, atyp)
	if err != nil {
		return socks5addr.Addr{}, nil, err
	}

	consumed := len(datagram[4:]) - r.Len()
	data := datagram[4+consumed:]
	return addr, data, nil
}
