package udpassoc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/socks5d/socks5d/internal/socks5addr"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestParseHeader_IPv4(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35, 'h', 'i'}
	addr, data, err := parseHeader(datagram)
	if err != nil {
		t.Fatalf("parseHeader() error = %v", err)
	}
	if addr.Type != socks5addr.TypeIPv4 || addr.Port != 0x35 {
		t.Errorf("addr = %+v", addr)
	}
	if string(data) != "hi" {
		t.Errorf("data = %q, want %q", data, "hi")
	}
}

func TestParseHeader_NonzeroFragRejected(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x01, 0x01, 8, 8, 8, 8, 0x00, 0x35}
	_, _, err := parseHeader(datagram)
	if !errors.Is(err, ErrFragNotSupported) {
		t.Errorf("err = %v, want ErrFragNotSupported", err)
	}
}

func TestParseHeader_NonzeroRSVRejected(t *testing.T) {
	datagram := []byte{0x00, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35}
	_, _, err := parseHeader(datagram)
	if !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("err = %v, want ErrHeaderMalformed", err)
	}
}

func TestParseHeader_TruncatedIPv4Rejected(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x00, 0x01, 8, 8, 8}
	_, _, err := parseHeader(datagram)
	if !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("err = %v, want ErrHeaderMalformed", err)
	}
}

func TestParseHeader_TruncatedDomainRejected(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x00, 0x03, 20, 'x'}
	_, _, err := parseHeader(datagram)
	if !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("err = %v, want ErrHeaderMalformed", err)
	}
}

// TestRelay_AllZerosBindsFirstSenderOnly exercises spec scenario 5: an
// all-zeros request address binds whichever peer sends the first datagram,
// and only that peer thereafter.
func TestRelay_AllZerosBindsFirstSenderOnly(t *testing.T) {
	relayConn := listenUDP(t)
	upstream := listenUDP(t)
	client := listenUDP(t)
	otherClient := listenUDP(t)

	expected := socks5addr.Addr{Type: socks5addr.TypeIPv4, IP: net.IPv4zero, Port: 0}
	relay := NewRelay(relayConn, expected, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx, nil) }()

	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr)
	relayAddr := relayConn.LocalAddr().(*net.UDPAddr)

	header := []byte{0x00, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0, 0}
	binaryPutPort(header[8:10], uint16(upstreamAddr.Port))
	payload := append(append([]byte{}, header...), []byte("hello")...)

	if _, err := client.WriteToUDP(payload, relayAddr); err != nil {
		t.Fatalf("client write: %v", err)
	}

	upstream.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, from, err := upstream.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("upstream got %q, want %q", buf[:n], "hello")
	}
	if from.Port != relayAddr.Port {
		t.Errorf("upstream saw sender port %d, want relay port %d", from.Port, relayAddr.Port)
	}

	// A second peer now tries to send through the relay before upstream
	// replies; it must be dropped, not bound.
	if _, err := otherClient.WriteToUDP(payload, relayAddr); err != nil {
		t.Fatalf("other client write: %v", err)
	}

	// Upstream replies; it should reach the original client only.
	if _, err := upstream.WriteToUDP([]byte("world"), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: relayAddr.Port}); err != nil {
		t.Fatalf("upstream write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err = client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	wantHeader := []byte{0x00, 0x00, 0x00, 0x01, 127, 0, 0, 1}
	wantHeader = append(wantHeader, uint16ToBytes(uint16(upstreamAddr.Port))...)
	wantHeader = append(wantHeader, []byte("world")...)
	if string(buf[:n]) != string(wantHeader) {
		t.Errorf("client got %x, want %x", buf[:n], wantHeader)
	}

	otherClient.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := otherClient.ReadFromUDP(buf); err == nil {
		t.Error("other client unexpectedly received a forwarded datagram")
	}

	cancel()
	<-done
}

func binaryPutPort(dst []byte, port uint16) {
	dst[0] = byte(port >> 8)
	dst[1] = byte(port)
}

func uint16ToBytes(port uint16) []byte {
	return []byte{byte(port >> 8), byte(port)}
}

func TestRelay_LiteralAddressMismatchDropped(t *testing.T) {
	relayConn := listenUDP(t)
	stranger := listenUDP(t)

	expected := socks5addr.Addr{Type: socks5addr.TypeIPv4, IP: net.ParseIP("10.0.0.1").To4(), Port: 53}
	relay := NewRelay(relayConn, expected, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx, nil)

	relayAddr := relayConn.LocalAddr().(*net.UDPAddr)
	header := []byte{0x00, 0x00, 0x00, 0x01, 1, 1, 1, 1, 0x00, 0x35}
	if _, err := stranger.WriteToUDP(header, relayAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	if relay.clientKnown {
		t.Error("relay should not have bound a mismatched literal sender")
	}
	time.Sleep(50 * time.Millisecond)
	if relay.clientKnown {
		t.Error("relay bound a mismatched literal sender")
	}
}
