package session

import (
	"context"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/recovery"
)

const relayBufferSize = 8 * 1024

// relayTCP runs two independent copy pumps between the client and upstream
// sockets until either side closes or errors. Each successful read and
// write renews the deadline guard. Half-close is never propagated: EOF or
// error on either socket closes both.
func (s *Session) relayTCP(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.closeEndpoints()
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(s.logger, "relay-client-to-upstream")
		s.pump(s.conn, s.upstream, "client_to_upstream")
		s.closeEndpoints()
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(s.logger, "relay-upstream-to-client")
		s.pump(s.upstream, s.conn, "upstream_to_client")
		s.closeEndpoints()
	}()

	wg.Wait()
	s.closeEndpoints()
	s.logger.Debug("relay closed",
		"to_upstream", humanize.Bytes(s.bytesToUpstream.Load()),
		"to_client", humanize.Bytes(s.bytesToClient.Load()))
}

func (s *Session) pump(src io.Reader, dst io.Writer, direction string) {
	buf := make([]byte, relayBufferSize)
	label := "to_upstream"
	counter := &s.bytesToUpstream
	if direction == "upstream_to_client" {
		label = "to_client"
		counter = &s.bytesToClient
	}

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.logger.Debug("relay write failed", logging.KeyError, werr, "direction", direction)
				return
			}
			s.guard.Renew()
			counter.Add(uint64(n))
			if s.deps.Metrics != nil {
				s.deps.Metrics.BytesRelayed.WithLabelValues(label).Add(float64(n))
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				s.logger.Debug("relay read failed", logging.KeyError, rerr, "direction", direction)
			}
			return
		}
	}
}
