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

// Package inspector implements the HTTP Inspector from spec.md §4.3: it
// peeks a prefix of a new connection to classify it as HTTP/1, HTTP/2, or
// opaque, without consuming the bytes from the caller's point of view.
package inspector

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Kind is the sniffed connection classification.
type Kind int

const (
	// KindUnknown means neither parser produced a confident result before
	// the deadline or the 4096-byte cap -- not an error, per spec.md §4.3.
	KindUnknown Kind = iota
	KindHTTP1
	KindHTTP2
)

// Classification is the sniff result.
type Classification struct {
	Kind      Kind
	Authority string
	Path      string
}

const (
	bufferCap = 4096
	deadline  = 10 * time.Second
	readChunk = 256
)

var http2Preface = []byte(http2.ClientPreface)

// Inspect reads a prefix of conn, classifies it, and returns a stream that
// behaves exactly like conn but replays the sniffed bytes first.
func Inspect(ctx context.Context, conn net.Conn) (net.Conn, Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	buf := make([]byte, 0, bufferCap)
	chunk := make([]byte, readChunk)

	for {
		if c, ok := classify(buf); ok {
			return replay(conn, buf), c, nil
		}
		if len(buf) >= bufferCap {
			return replay(conn, buf), Classification{Kind: KindUnknown}, nil
		}
		select {
		case <-ctx.Done():
			return replay(conn, buf), Classification{Kind: KindUnknown}, nil
		default:
		}

		n, err := readWithContext(ctx, conn, chunk)
		if n > 0 {
			room := bufferCap - len(buf)
			if n > room {
				n = room
			}
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if c, ok := classify(buf); ok {
				return replay(conn, buf), c, nil
			}
			if err == io.EOF || err == context.DeadlineExceeded {
				return replay(conn, buf), Classification{Kind: KindUnknown}, nil
			}
			return nil, Classification{}, trace.Wrap(err, "multiplex source errored before classification")
		}
	}
}

func readWithContext(ctx context.Context, conn net.Conn, p []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	n, err := conn.Read(p)
	conn.SetReadDeadline(time.Time{})
	if err != nil && ctx.Err() != nil {
		return n, context.DeadlineExceeded
	}
	return n, err
}

// replay returns a net.Conn that first yields the buffered prefix, then
// continues reading from the underlying source.
func replay(conn net.Conn, buf []byte) net.Conn {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &replayConn{
		Conn:   conn,
		reader: io.MultiReader(bytes.NewReader(cp), conn),
	}
}

type replayConn struct {
	net.Conn
	reader io.Reader
}

func (r *replayConn) Read(p []byte) (int, error) { return r.reader.Read(p) }

// classify tries both parsers against the current buffer. The boolean
// return is false when neither parser has enough data to reach a verdict
// yet (the caller should keep reading).
func classify(buf []byte) (Classification, bool) {
	if c, ok := classifyHTTP2(buf); ok {
		return c, true
	}
	if c, ok := classifyHTTP1(buf); ok {
		return c, true
	}
	return Classification{}, false
}

func classifyHTTP2(buf []byte) (Classification, bool) {
	if len(buf) < len(http2Preface) {
		if bytes.HasPrefix(http2Preface, buf) {
			return Classification{}, false // inconclusive, keep reading
		}
		return Classification{}, false
	}
	if !bytes.HasPrefix(buf, http2Preface) {
		return Classification{}, false
	}

	framer := http2.NewFramer(io.Discard, bytes.NewReader(buf[len(http2Preface):]))
	frame, err := framer.ReadFrame()
	if err != nil {
		// Preface matched but no full SETTINGS frame buffered yet; this is
		// still conclusively HTTP/2 per spec.md §4.3 ("preface+settings
		// +HEADERS parser"), the authority/path just aren't known yet.
		return Classification{Kind: KindHTTP2}, true
	}
	if _, ok := frame.(*http2.SettingsFrame); !ok {
		return Classification{Kind: KindHTTP2}, true
	}

	authority, path := extractHTTP2HeadersFrame(framer)
	return Classification{Kind: KindHTTP2, Authority: authority, Path: path}, true
}

func extractHTTP2HeadersFrame(framer *http2.Framer) (authority, path string) {
	frame, err := framer.ReadFrame()
	if err != nil {
		return "", ""
	}
	hf, ok := frame.(*http2.HeadersFrame)
	if !ok {
		return "", ""
	}
	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(hf.HeaderBlockFragment())
	if err != nil {
		return "", ""
	}
	for _, f := range fields {
		switch f.Name {
		case ":authority":
			authority = f.Value
		case ":path":
			path = f.Value
		}
	}
	return authority, path
}

func classifyHTTP1(buf []byte) (Classification, bool) {
	if len(buf) == 0 {
		return Classification{}, false
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return Classification{}, false // keep waiting for more bytes, or cap/deadline will give up
	}

	authority := req.Host
	path := req.URL.Path
	if req.URL.IsAbs() {
		authority = req.URL.Host
	}
	return Classification{Kind: KindHTTP1, Authority: authority, Path: path}, true
}
