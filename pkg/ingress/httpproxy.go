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

package ingress

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

// runHTTPProxy serves the http-proxy mode: a forward proxy listener that
// resolves a destination per connection from either a CONNECT request or
// an absolute-form request line, per spec.md §4.9.
func (in *Ingress) runHTTPProxy(sup *runtime.Supervisor) error {
	addr := net.JoinHostPort(in.cfg.ProxyListenAddr, portStr(in.cfg.ProxyListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}

	sup.Go("ingress-http-proxy-"+addr, func(ctx context.Context) error {
		defer ln.Close()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return trace.Wrap(err)
			}
			go in.handleHTTPProxyConn(ctx, conn)
		}
	})
	return nil
}

func (in *Ingress) handleHTTPProxyConn(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)
	req, err := http.ReadRequest(r)
	if err != nil {
		conn.Close()
		return
	}

	if req.URL.Path == healthcheckPath && req.Method == http.MethodGet {
		in.serveHealthcheck(conn, req)
		conn.Close()
		return
	}

	dest, err := requestDestination(req)
	if err != nil {
		log.Component("ingress").WithError(err).Error("http-proxy: could not resolve destination")
		writeErrorResponse(conn, err)
		conn.Close()
		return
	}

	if req.Method == http.MethodConnect {
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			conn.Close()
			return
		}
		in.dispatch(ctx, conn, dest)
		return
	}

	// Absolute-form request (e.g. a plain GET through the proxy): re-serialize
	// the already-parsed request ahead of whatever is still buffered in r,
	// so dispatch still sees the exact bytes the client sent.
	var head bytes.Buffer
	if err := req.Write(&head); err != nil {
		conn.Close()
		return
	}
	in.dispatch(ctx, replayConn{Conn: conn, r: io.MultiReader(&head, r)}, dest)
}

// replayConn makes Read consume r (which replays already-parsed bytes
// ahead of the underlying connection's remaining stream) while Write
// still goes straight to the embedded net.Conn.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// requestDestination extracts the (host, port) a CONNECT or absolute-form
// request names.
func requestDestination(req *http.Request) (endpoint.Endpoint, error) {
	host := req.Host
	if req.Method != http.MethodConnect && req.URL.Host != "" {
		host = req.URL.Host
	}
	if host == "" {
		return endpoint.Endpoint{}, trace.BadParameter("http-proxy: request names no destination host")
	}
	h, portPart, err := net.SplitHostPort(host)
	if err != nil {
		// No explicit port: default per scheme/method.
		h = host
		portPart = "80"
		if req.Method == http.MethodConnect {
			portPart = "443"
		}
	}
	port, err := strconv.Atoi(portPart)
	if err != nil {
		return endpoint.Endpoint{}, trace.BadParameter("http-proxy: invalid port in %q", host)
	}
	return endpoint.Endpoint{Host: h, Port: uint16(port)}, nil
}

func (in *Ingress) serveHealthcheck(conn net.Conn, req *http.Request) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Length": []string{"0"}},
		Body:       http.NoBody,
	}
	resp.Write(conn)
}

