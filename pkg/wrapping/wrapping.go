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

// Package wrapping implements the HTTP/2 CONNECT multiplexing layer from
// spec.md §4.6: inside one established rats-TLS session, logical TCP
// streams are carried as HTTP/2 CONNECT requests against a fixed
// authority, so many logical connections share one TLS handshake.
package wrapping

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"
)

const (
	// tunnelAuthority is the fixed :authority CONNECT requests target;
	// it names no real host, only the wrapping layer's own protocol.
	tunnelAuthority = "tng.internal"
	tngHeader       = "tng"
	wrapTag         = `{"type":"wrap_in_h2_tls"}`

	// MaxOutboundFrames is 50000. The egress passes it to http2.Server as
	// MaxConcurrentStreams, so it caps the concurrent CONNECT streams per
	// connection; the number of buffered outbound frames is not bounded.
	MaxOutboundFrames = 50000
	// StreamIdleTimeout is one hour. No code reads it: idle CONNECT
	// streams are not timed out and stay open until one side closes them.
	StreamIdleTimeout = time.Hour
)

// OpenStream issues one CONNECT request over an established HTTP/2
// connection and returns the logical byte stream once the peer responds
// 200 OK.
func OpenStream(conn *http2.ClientConn) (net.Conn, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodConnect, "https://"+tunnelAuthority+"/", pr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set(tngHeader, wrapTag)
	req.Host = tunnelAuthority

	resp, err := conn.RoundTrip(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, trace.BadParameter("wrapping: CONNECT rejected with status %d", resp.StatusCode)
	}

	return &stream{reader: resp.Body, writer: pw}, nil
}

// AcceptHandler is the http.Handler the server side of a wrapped session
// installs on its http2.Server; every CONNECT it receives becomes a
// logical stream delivered on accept. The handler keeps the CONNECT
// response open, relaying the stream's writes to the peer, until the
// stream is closed.
func AcceptHandler(accept func(net.Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get(tngHeader) == "" || r.Host != tunnelAuthority {
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

		// Returning from the handler ends the response, so the stream's
		// writes go through a pipe drained here until the stream closes it.
		pr, pw := io.Pipe()
		go accept(&stream{reader: r.Body, writer: pw})
		_, err := io.Copy(flushWriter{w, flusher}, pr)
		pr.CloseWithError(err)
	}
}

// stream adapts one CONNECT request/response body pair into a net.Conn.
// Deadlines are not meaningful at this layer (the underlying rats-TLS
// connection already enforces its own), so they are no-ops.
type stream struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.writer.Write(p) }
func (s *stream) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
func (s *stream) LocalAddr() net.Addr                { return streamAddr{} }
func (s *stream) RemoteAddr() net.Addr               { return streamAddr{} }
func (s *stream) SetDeadline(time.Time) error        { return nil }
func (s *stream) SetReadDeadline(time.Time) error     { return nil }
func (s *stream) SetWriteDeadline(time.Time) error    { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "tng-wrapped" }
func (streamAddr) String() string  { return tunnelAuthority }

// flushWriter adapts an http.ResponseWriter + http.Flusher pair into an
// io.WriteCloser that flushes after every write, since HTTP/2 DATA frames
// are only sent to the peer once flushed.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

func (fw flushWriter) Close() error { return nil }
