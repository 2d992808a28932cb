/*
Copyright 2024 Inclavare Containers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
)

// WebSocketDialer carries the byte stream as WebSocket binary frames. It
// is the carrier used by the WASM build, where raw TCP sockets and HTTP/2
// framing are unavailable to the runtime and the browser's WebSocket API
// is the only transport primitive on offer.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer builds a WebSocketDialer with sane handshake timeouts.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (d *WebSocketDialer) Dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: ep.String(), Path: "/"}
	header := http.Header{}
	header.Set(tngHeader, `{"type":"`+wrapInH2TLSTag+`"}`)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return newWSConn(conn), nil
}

// WebSocketListener accepts the server side of the WebSocket carrier.
type WebSocketListener struct {
	tcp      *TCPListener
	upgrader websocket.Upgrader
	accept   chan net.Conn
	errs     chan error
}

// ListenWebSocket binds addr and serves the WebSocket carrier on it.
func ListenWebSocket(addr string) (*WebSocketListener, error) {
	tcp, err := ListenTCP(addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	l := &WebSocketListener{
		tcp:      tcp,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		accept:   make(chan net.Conn),
		errs:     make(chan error, 1),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *WebSocketListener) acceptLoop() {
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tngHeader) == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.accept <- newWSConn(conn)
	})}
	for {
		conn, err := l.tcp.Accept(context.Background())
		if err != nil {
			l.errs <- trace.Wrap(err)
			return
		}
		go srv.Serve(&singleConnListener{conn})
	}
}

// Accept returns the next logical stream.
func (l *WebSocketListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case err := <-l.errs:
		return nil, err
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (l *WebSocketListener) Close() error   { return l.tcp.Close() }
func (l *WebSocketListener) Addr() net.Addr { return l.tcp.Addr() }

// singleConnListener adapts a single already-accepted net.Conn into a
// net.Listener that yields it exactly once, so http.Server.Serve can run
// its per-connection HTTP/1.1 loop (including the upgrade handshake) over
// a connection TNG has already accepted and tuned itself.
type singleConnListener struct {
	conn net.Conn
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.conn == nil {
		return nil, trace.Wrap(net.ErrClosed)
	}
	conn := s.conn
	s.conn = nil
	return conn, nil
}
func (s *singleConnListener) Close() error   { return nil }
func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }

// wsConn adapts a *websocket.Conn's message framing into a byte stream
// net.Conn, buffering partial reads across message boundaries.
type wsConn struct {
	conn    *websocket.Conn
	reader  net.Conn
	pending []byte
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, trace.Wrap(err)
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
