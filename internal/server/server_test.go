package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/socks5d/socks5d/internal/config"
	"github.com/socks5d/socks5d/internal/session"
)

type netDialer struct{}

func (netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func TestServer_AcceptsAndServesNoAuthConnect(t *testing.T) {
	upstream, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	upstreamAddr := upstream.Addr().(*net.TCPAddr)
	go func() {
		conn, err := upstream.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ThreadNum = 2
	cfg.SupportedMethods = []byte{config.MethodNoAuth}
	cfg.Timeout = 0

	srv := New(cfg, session.Deps{Dialer: netDialer{}, Resolver: nil}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	var addr net.Addr
	select {
	case addr = <-srv.Ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	client, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetResp := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFullN(client, greetResp); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetResp[0] != 0x05 || greetResp[1] != 0x00 {
		t.Fatalf("greeting reply = % x, want 05 00", greetResp)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1}
	req = append(req, byte(upstreamAddr.Port>>8), byte(upstreamAddr.Port))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := readFullN(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply = % x, want success", reply)
	}

	cancel()
	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after cancel")
	}
}

func readFullN(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
