package handler

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgeproxy/internal/config"
)

// wsBackend accepts one connection, completes the upgrade handshake and
// hands the connection to fn.
func wsBackend(t *testing.T, fn func(net.Conn, *bufio.Reader)) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		fn(c, br)
	}()
	return ln
}

// wsClient upgrades through the proxy and returns the raw connection with
// the 101 response already consumed.
func wsClient(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	req := "GET /ws HTTP/1.1\r\n" +
		"Host: ws.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("upgrade status = %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			return conn, br
		}
	}
}

// maskedTextFrame builds a client-to-server text frame per RFC 6455.
func maskedTextFrame(payload string) []byte {
	mask := [4]byte{0x1a, 0x2b, 0x3c, 0x4d}
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, mask[:]...)
	for i := 0; i < len(payload); i++ {
		frame = append(frame, payload[i]^mask[i%4])
	}
	return frame
}

func TestWebSocketTunnelRoundTrip(t *testing.T) {
	backend := wsBackend(t, func(c net.Conn, br *bufio.Reader) {
		c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		io.Copy(c, br) // echo frames back verbatim
	})
	defer backend.Close()

	p := NewWebSocketProxy(&config.WebSocketConfig{PingInterval: time.Hour})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Serve(w, r, "http://"+backend.Addr().String())
	}))
	defer front.Close()

	conn, br := wsClient(t, front.Listener.Addr().String())
	defer conn.Close()

	frame := maskedTextFrame("hello")
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echo := make([]byte, len(frame))
	if _, err := io.ReadFull(br, echo); err != nil {
		t.Fatalf("reading echoed frame: %v", err)
	}
	if !bytes.Equal(echo, frame) {
		t.Errorf("echoed frame = %x, want %x", echo, frame)
	}
}

func TestWebSocketKeepalivePing(t *testing.T) {
	backend := wsBackend(t, func(c net.Conn, br *bufio.Reader) {
		c.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		io.Copy(io.Discard, br) // hold the connection open, send nothing
	})
	defer backend.Close()

	p := NewWebSocketProxy(&config.WebSocketConfig{PingInterval: 20 * time.Millisecond})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Serve(w, r, "http://"+backend.Addr().String())
	}))
	defer front.Close()

	conn, br := wsClient(t, front.Listener.Addr().String())
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ping := make([]byte, 2)
	if _, err := io.ReadFull(br, ping); err != nil {
		t.Fatalf("reading keepalive: %v", err)
	}
	if ping[0] != 0x89 || ping[1] != 0x00 {
		t.Errorf("keepalive frame = %x, want 8900", ping)
	}
}

func TestWebSocketUpstreamRefusalRelayed(t *testing.T) {
	backend := wsBackend(t, func(c net.Conn, br *bufio.Reader) {
		c.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 2\r\n\r\nno"))
	})
	defer backend.Close()

	p := NewWebSocketProxy(&config.WebSocketConfig{})
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Serve(w, r, "http://"+backend.Addr().String())
	}))
	defer front.Close()

	conn, err := net.Dial("tcp", front.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: ws.test\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want the backend's 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "no" {
		t.Errorf("body = %q", body)
	}
}

func TestWebSocketDialTLSForSecureSchemes(t *testing.T) {
	cert := selfSignedServerCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(io.Discard, c)
				c.Close()
			}(c)
		}
	}()

	p := NewWebSocketProxy(&config.WebSocketConfig{ConnectTimeout: 2 * time.Second})

	secure, _ := url.Parse("wss://" + ln.Addr().String())
	if _, err := p.dial(secure); err == nil {
		t.Fatal("dial must reject the untrusted backend certificate")
	} else if !strings.Contains(err.Error(), "certificate") {
		t.Errorf("err = %v, want a certificate verification failure", err)
	}

	plainLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer plainLn.Close()
	go func() {
		if c, err := plainLn.Accept(); err == nil {
			c.Close()
		}
	}()
	plain, _ := url.Parse("ws://" + plainLn.Addr().String())
	conn, err := p.dial(plain)
	if err != nil {
		t.Fatalf("plain dial: %v", err)
	}
	conn.Close()
}

func selfSignedServerCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ws-backend"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
