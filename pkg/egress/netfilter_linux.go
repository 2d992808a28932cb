// Copyright 2024 Inclavare Containers Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package egress

import (
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/socket"
	"github.com/inclavare-containers/tng/pkg/transport"
)

// listenNetfilter binds addr as an IP_TRANSPARENT listener, the egress
// side of spec.md §4.10's netfilter mode. Accepted connections go through
// the same pipeline as mapping mode and are forwarded to the configured
// upstream_addr:upstream_port; the client's original destination is not
// used to choose the upstream.
func listenNetfilter(addr string) (transport.Listener, error) {
	lc := socket.TransparentListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &netfilterListener{ln: ln}, nil
}

type netfilterListener struct {
	ln net.Listener
}

func (l *netfilterListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, trace.Wrap(r.err)
		}
		if tcpConn, ok := r.conn.(*net.TCPConn); ok {
			if err := socket.TuneAccepted(tcpConn); err != nil {
				tcpConn.Close()
				return nil, trace.Wrap(err)
			}
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (l *netfilterListener) Close() error   { return l.ln.Close() }
func (l *netfilterListener) Addr() net.Addr { return l.ln.Addr() }
