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

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/socket"
)

// TCPDialerConfig configures the direct TCP carrier.
type TCPDialerConfig struct {
	// Mark, if non-zero, is applied via SO_MARK to avoid recursive
	// netfilter capture on upstream sockets.
	Mark int
}

// TCPDialer dials a plain TCP carrier.
type TCPDialer struct {
	cfg TCPDialerConfig
}

// NewTCPDialer builds a TCPDialer.
func NewTCPDialer(cfg TCPDialerConfig) *TCPDialer { return &TCPDialer{cfg: cfg} }

// Dial opens a TCP connection to ep, applying keepalive tuning and the
// optional SO_MARK bypass mark.
func (d *TCPDialer) Dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	if err := socket.TuneAccepted(tcpConn); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	if d.cfg.Mark != 0 {
		if err := socket.SetMark(tcpConn, d.cfg.Mark); err != nil {
			conn.Close()
			return nil, trace.Wrap(err)
		}
	}
	return tcpConn, nil
}

// TCPListener accepts plain TCP carriers, tuning each accepted socket and
// applying the first-byte timeout before handing it onward.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr and returns a TCPListener.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next connection, applying keepalive tuning and the
// first-byte timeout wrapper.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := socket.TuneAccepted(tcpConn); err != nil {
			conn.Close()
			return nil, trace.Wrap(err)
		}
	}
	return WithFirstByteTimeout(conn), nil
}

func (l *TCPListener) Close() error   { return l.ln.Close() }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
