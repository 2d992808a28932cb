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

package ingress

import (
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/runtime"
	"github.com/inclavare-containers/tng/pkg/socket"
)

// runNetfilter serves the netfilter mode: an IP_TRANSPARENT listener that
// recovers each connection's pre-redirect destination via SO_ORIGINAL_DST,
// per spec.md §4.9.
func (in *Ingress) runNetfilter(sup *runtime.Supervisor) error {
	addr := net.JoinHostPort(in.cfg.NetfilterListenAddr, portStr(in.cfg.NetfilterListenPort))
	lc := socket.TransparentListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}

	sup.Go("ingress-netfilter-"+addr, func(ctx context.Context) error {
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
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				continue
			}
			go in.handleNetfilterConn(ctx, tcpConn)
		}
	})
	return nil
}

func (in *Ingress) handleNetfilterConn(ctx context.Context, conn *net.TCPConn) {
	if err := socket.TuneAccepted(conn); err != nil {
		conn.Close()
		return
	}
	dst, err := socket.OriginalDst(conn)
	if err != nil {
		log.Component("ingress").WithError(err).Error("netfilter: could not recover original destination")
		conn.Close()
		return
	}
	in.dispatch(ctx, conn, endpoint.Endpoint{Host: dst.Addr().String(), Port: dst.Port()})
}
