package handler

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/logging"
)

// WebSocketProxy tunnels upgraded connections to the route upstream over
// a hijacked TCP pair.
type WebSocketProxy struct {
	connectTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	pingInterval   time.Duration
}

// NewWebSocketProxy builds the tunnel from route config.
func NewWebSocketProxy(cfg *config.WebSocketConfig) *WebSocketProxy {
	p := &WebSocketProxy{
		connectTimeout: cfg.ConnectTimeout,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     cfg.RetryDelay,
		pingInterval:   cfg.PingInterval,
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = 30 * time.Second
	}
	if p.retryDelay <= 0 {
		p.retryDelay = time.Second
	}
	return p
}

// IsUpgradeRequest checks for a WebSocket upgrade request.
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// Serve hijacks the client connection and splices it to the upstream.
func (p *WebSocketProxy) Serve(w http.ResponseWriter, r *http.Request, upstream string) {
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "WebSocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Failed to hijack connection", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	backendConn, err := p.dial(target)
	if err != nil {
		logging.Warn("websocket dial failed",
			zap.String("upstream", upstream), zap.Error(err))
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	defer backendConn.Close()

	if err := writeUpgradeRequest(backendConn, r, target.Host); err != nil {
		logging.Warn("websocket upgrade write failed", zap.Error(err))
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}

	// Relay the upstream's 101 (or refusal) verbatim, stopping at the
	// header terminator so frame bytes stay in the buffered reader.
	backendReader := bufio.NewReader(backendConn)
	head, err := readResponseHead(backendReader)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	if _, err := clientConn.Write(head); err != nil {
		return
	}
	if !bytes.Contains(head[:bytes.IndexByte(head, '\n')+1], []byte(" 101")) {
		// A refusal carries an ordinary response; relay its body and stop.
		io.Copy(clientConn, backendReader)
		return
	}

	p.splice(clientConn, backendConn, clientBuf, backendReader)
}

// readResponseHead reads the backend's status line and headers up to and
// including the blank line.
func readResponseHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		head = append(head, line...)
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return head, nil
		}
	}
}

// dial connects to the backend, retrying per route config. An https or
// wss upstream gets a TLS client handshake.
func (p *WebSocketProxy) dial(target *url.URL) (net.Conn, error) {
	addr := backendAddr(target)
	useTLS := target.Scheme == "https" || target.Scheme == "wss"
	attempt := func() (net.Conn, error) {
		if useTLS {
			dialer := &net.Dialer{Timeout: p.connectTimeout}
			return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
				ServerName: target.Hostname(),
				MinVersion: tls.VersionTLS12,
			})
		}
		return net.DialTimeout("tcp", addr, p.connectTimeout)
	}
	if p.maxRetries <= 0 {
		return attempt()
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), uint64(p.maxRetries))
	return backoff.RetryWithData(attempt, policy)
}

// splice copies both directions until either side closes. With keepalive
// enabled the backend-to-client direction is copied frame by frame so
// pings land only on frame boundaries.
func (p *WebSocketProxy) splice(clientConn, backendConn net.Conn, clientBuf *bufio.ReadWriter, backendReader *bufio.Reader) {
	errCh := make(chan error, 2)
	var clientWrite sync.Mutex

	go func() {
		// Drain anything the client pipelined behind the upgrade.
		if n := clientBuf.Reader.Buffered(); n > 0 {
			pending, _ := clientBuf.Reader.Peek(n)
			if _, err := backendConn.Write(pending); err != nil {
				errCh <- err
				return
			}
			clientBuf.Reader.Discard(n)
		}
		_, err := io.Copy(backendConn, clientConn)
		errCh <- err
	}()
	go func() {
		if p.pingInterval > 0 {
			errCh <- relayFrames(clientConn, backendReader, &clientWrite)
			return
		}
		_, err := io.Copy(clientConn, backendReader)
		errCh <- err
	}()

	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-errCh:
				p.drain(clientConn, backendConn)
				return
			case <-ticker.C:
				// RFC 6455 unmasked ping frame, server-to-client.
				clientWrite.Lock()
				_, err := clientConn.Write([]byte{0x89, 0x00})
				clientWrite.Unlock()
				if err != nil {
					p.drain(clientConn, backendConn)
					return
				}
			}
		}
	}

	<-errCh
	p.drain(clientConn, backendConn)
}

// relayFrames copies WebSocket frames from src to dst one complete frame
// per mutex hold, so a concurrent writer never splits a frame.
func relayFrames(dst io.Writer, src *bufio.Reader, mu *sync.Mutex) error {
	var hdr [14]byte
	for {
		if _, err := io.ReadFull(src, hdr[:2]); err != nil {
			return err
		}
		n := 2
		length := int64(hdr[1] & 0x7f)
		switch length {
		case 126:
			if _, err := io.ReadFull(src, hdr[2:4]); err != nil {
				return err
			}
			length = int64(binary.BigEndian.Uint16(hdr[2:4]))
			n = 4
		case 127:
			if _, err := io.ReadFull(src, hdr[2:10]); err != nil {
				return err
			}
			length = int64(binary.BigEndian.Uint64(hdr[2:10]))
			n = 10
		}
		if hdr[1]&0x80 != 0 { // masked; the key rides along verbatim
			if _, err := io.ReadFull(src, hdr[n:n+4]); err != nil {
				return err
			}
			n += 4
		}

		mu.Lock()
		_, err := dst.Write(hdr[:n])
		if err == nil {
			_, err = io.CopyN(dst, src, length)
		}
		mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// drain lets the second direction finish within a short deadline.
func (p *WebSocketProxy) drain(clientConn, backendConn net.Conn) {
	deadline := time.Now().Add(time.Second)
	clientConn.SetDeadline(deadline)
	backendConn.SetDeadline(deadline)
}

// backendAddr derives the TCP address from the upstream URL.
func backendAddr(target *url.URL) string {
	addr := target.Host
	if !strings.Contains(addr, ":") {
		if target.Scheme == "https" || target.Scheme == "wss" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}
	return addr
}

// writeUpgradeRequest forwards the original upgrade request line and
// headers to the backend.
func writeUpgradeRequest(conn net.Conn, r *http.Request, host string) error {
	reqPath := r.URL.Path
	if r.URL.RawQuery != "" {
		reqPath += "?" + r.URL.RawQuery
	}

	var sb strings.Builder
	sb.WriteString(r.Method + " " + reqPath + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + host + "\r\n")
	for key, values := range r.Header {
		if key == "Host" {
			continue
		}
		for _, v := range values {
			sb.WriteString(key + ": " + v + "\r\n")
		}
	}
	sb.WriteString("\r\n")
	_, err := conn.Write([]byte(sb.String()))
	return err
}
