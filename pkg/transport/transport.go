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

// Package transport implements the three carrier variants from spec.md
// §4.5: raw TCP, HTTP/2 framed streams (one POST carries one bidirectional
// byte stream), and WebSocket frames for the WASM build. Each variant
// dials or accepts the same thing: an opaque net.Conn-shaped byte stream.
package transport

import (
	"context"
	"net"

	"github.com/inclavare-containers/tng/pkg/endpoint"
)

// Dialer opens a new carrier connection to an Endpoint. This is the Go
// shape of the tower::Service<Req> variants spec.md §4.5 describes:
// poll_ready is implicit (Go has no backpressure signal to poll), and Dial
// is the "call" that returns the stream.
type Dialer interface {
	Dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error)
}

// Listener accepts new carrier connections. Unlike a plain net.Listener,
// implementations may need to negotiate a protocol-specific handshake
// (e.g. the HTTP/2 framed variant's POST / request) before a logical
// connection is ready, so Accept can block longer than a raw TCP accept.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// typeTag is the JSON payload carried in the "tng" request header that
// identifies the transport variant being negotiated, per spec.md §4.5/§6.
type typeTag struct {
	Type string `json:"type"`
}

const (
	tngHeader          = "tng"
	wrapInH2TLSTag     = "wrap_in_h2_tls"
	tunnelInternalHost = "tng.internal"
)
