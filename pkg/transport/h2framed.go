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
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"

	"github.com/inclavare-containers/tng/pkg/endpoint"
)

// H2FramedDialer carries one bidirectional byte stream as DATA frames of a
// single `POST /` HTTP/2 request, per spec.md §4.5. Used for the optional
// encap_in_http config block, where an extra HTTP/2 layer is needed to
// cross an HTTP-aware middlebox before rats-TLS itself begins.
type H2FramedDialer struct {
	tcp *TCPDialer
}

// NewH2FramedDialer builds a dialer over a plain TCP base carrier.
func NewH2FramedDialer(tcp *TCPDialer) *H2FramedDialer { return &H2FramedDialer{tcp: tcp} }

func (d *H2FramedDialer) Dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	base, err := d.tcp.Dial(ctx, ep)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	t := &http2.Transport{AllowHTTP: true}
	cc, err := t.NewClientConn(base)
	if err != nil {
		base.Close()
		return nil, trace.Wrap(err)
	}

	pr, pw := io.Pipe()
	tag, _ := json.Marshal(typeTag{Type: wrapInH2TLSTag})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+tunnelInternalHost+"/", pr)
	if err != nil {
		base.Close()
		return nil, trace.Wrap(err)
	}
	req.Header.Set(tngHeader, string(tag))
	req.ContentLength = -1

	resp, err := cc.RoundTrip(req)
	if err != nil {
		base.Close()
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		base.Close()
		return nil, trace.BadParameter("h2 framed carrier: unexpected status %d", resp.StatusCode)
	}

	return &h2FramedConn{
		base:   base,
		writer: pw,
		reader: resp.Body,
	}, nil
}

// h2FramedConn adapts an HTTP/2 request/response body pair into a
// net.Conn. Deadlines are delegated to the underlying TCP connection,
// which is the only part of the stack with real socket deadlines.
type h2FramedConn struct {
	base   net.Conn
	writer io.WriteCloser
	reader io.ReadCloser
}

func (c *h2FramedConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *h2FramedConn) Write(p []byte) (int, error) { return c.writer.Write(p) }
func (c *h2FramedConn) Close() error {
	werr := c.writer.Close()
	rerr := c.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
func (c *h2FramedConn) LocalAddr() net.Addr                { return c.base.LocalAddr() }
func (c *h2FramedConn) RemoteAddr() net.Addr               { return c.base.RemoteAddr() }
func (c *h2FramedConn) SetDeadline(t time.Time) error      { return c.base.SetDeadline(t) }
func (c *h2FramedConn) SetReadDeadline(t time.Time) error  { return c.base.SetReadDeadline(t) }
func (c *h2FramedConn) SetWriteDeadline(t time.Time) error { return c.base.SetWriteDeadline(t) }

// H2FramedListener accepts the server side of the H2-framed carrier: it
// runs an HTTP/2 server over each accepted TCP connection and exposes
// every incoming `POST /` request as a logical net.Conn.
type H2FramedListener struct {
	tcp    *TCPListener
	accept chan net.Conn
	errs   chan error
}

// ListenH2Framed binds addr and serves the H2-framed carrier on it.
func ListenH2Framed(addr string) (*H2FramedListener, error) {
	tcp, err := ListenTCP(addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	l := &H2FramedListener{
		tcp:    tcp,
		accept: make(chan net.Conn),
		errs:   make(chan error, 1),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *H2FramedListener) acceptLoop() {
	srv := &http2.Server{}
	for {
		conn, err := l.tcp.Accept(context.Background())
		if err != nil {
			l.errs <- trace.Wrap(err)
			return
		}
		go srv.ServeConn(conn, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get(tngHeader) == "" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				flusher, ok := w.(http.Flusher)
				if !ok {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusOK)
				flusher.Flush()

				done := make(chan struct{})
				stream := &h2ServerConn{
					reader: r.Body,
					writer: w,
					flush:  flusher,
					base:   conn,
					done:   done,
				}
				select {
				case l.accept <- stream:
				case <-r.Context().Done():
					return
				}
				<-done
			}),
		})
	}
}

// Accept returns the next logical stream.
func (l *H2FramedListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.accept:
		return conn, nil
	case err := <-l.errs:
		return nil, err
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (l *H2FramedListener) Close() error   { return l.tcp.Close() }
func (l *H2FramedListener) Addr() net.Addr { return l.tcp.Addr() }

// AcceptH2FramedOnce serves the H2-framed carrier handshake over an
// already-accepted connection and returns the single logical stream it
// carries. Used by the egress dispatcher's encap_in_http branch, where the
// carrier is negotiated on a connection classified by the HTTP Inspector
// rather than behind a dedicated H2FramedListener.
func AcceptH2FramedOnce(ctx context.Context, conn net.Conn) (net.Conn, error) {
	accept := make(chan net.Conn, 1)
	errs := make(chan error, 1)
	srv := &http2.Server{}
	go srv.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(tngHeader) == "" {
				w.WriteHeader(http.StatusForbidden)
				errs <- trace.BadParameter("h2 framed carrier: missing tng header")
				return
			}
			flusher, ok := w.(http.Flusher)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				errs <- trace.BadParameter("h2 framed carrier: response writer is not a flusher")
				return
			}
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			done := make(chan struct{})
			accept <- &h2ServerConn{reader: r.Body, writer: w, flush: flusher, base: conn, done: done}
			<-done
		}),
	})

	select {
	case stream := <-accept:
		return stream, nil
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

type h2ServerConn struct {
	reader io.ReadCloser
	writer io.Writer
	flush  http.Flusher
	base   net.Conn
	done   chan struct{}
	closed bool
}

func (c *h2ServerConn) Read(p []byte) (int, error) { return c.reader.Read(p) }
func (c *h2ServerConn) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	if err == nil {
		c.flush.Flush()
	}
	return n, err
}
func (c *h2ServerConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.reader.Close()
}
func (c *h2ServerConn) LocalAddr() net.Addr                { return c.base.LocalAddr() }
func (c *h2ServerConn) RemoteAddr() net.Addr               { return c.base.RemoteAddr() }
func (c *h2ServerConn) SetDeadline(t time.Time) error      { return c.base.SetDeadline(t) }
func (c *h2ServerConn) SetReadDeadline(t time.Time) error  { return c.base.SetReadDeadline(t) }
func (c *h2ServerConn) SetWriteDeadline(t time.Time) error { return c.base.SetWriteDeadline(t) }
