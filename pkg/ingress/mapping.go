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
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

// runMapping serves the mapping mode: every connection accepted on
// in_addr:in_port is dispatched to the single fixed out_addr:out_port
// destination named in the config, per spec.md §4.9.
func (in *Ingress) runMapping(sup *runtime.Supervisor) error {
	addr := net.JoinHostPort(in.cfg.InAddr, portStr(in.cfg.InPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}
	dest := endpoint.Endpoint{Host: in.cfg.OutAddr, Port: in.cfg.OutPort}

	sup.Go("ingress-mapping-"+addr, func(ctx context.Context) error {
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
			go in.dispatch(ctx, conn, dest)
		}
	})
	return nil
}
