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

package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/transport"
)

// PoolKey identifies a cached rats-TLS client. Extra distinguishes
// clients that share an Endpoint but differ in authority or rewritten
// path, per spec.md §4.10's egress rewrite rules.
type PoolKey struct {
	Endpoint endpoint.Endpoint
	Extra    string
}

// Client is a pooled rats-TLS connection: an HTTP/2 client connection
// multiplexing CONNECT streams over one negotiated tunnel to Endpoint.
type Client struct {
	Conn    *http2.ClientConn
	Outcome <-chan VerifyOutcome
}

// Pool caches Clients by PoolKey, using a read-lock-fast-path /
// write-lock-on-miss map pattern for connection reuse.
type Pool struct {
	mu      sync.RWMutex
	clients map[PoolKey]*Client
	dial    singleflight.Group
}

// NewPool builds an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[PoolKey]*Client)}
}

// Factory dials a new rats-TLS client for key.
type Factory func(ctx context.Context) (*Client, error)

// GetClient returns the cached client for key, or builds and caches one
// via factory. Concurrent misses for the same key are collapsed onto a
// single in-flight factory call via the pool's singleflight.Group, so a
// burst of connections to a cold endpoint pays for one rats-TLS
// handshake rather than one per caller.
func (p *Pool) GetClient(ctx context.Context, key PoolKey, factory Factory) (*Client, error) {
	p.mu.RLock()
	c, ok := p.clients[key]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	dialKey := fmt.Sprintf("%s|%s", key.Endpoint, key.Extra)
	v, err, _ := p.dial.Do(dialKey, func() (interface{}, error) {
		p.mu.RLock()
		if existing, ok := p.clients[key]; ok {
			p.mu.RUnlock()
			return existing, nil
		}
		p.mu.RUnlock()

		c, err := factory(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		p.mu.Lock()
		p.clients[key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Evict removes key from the pool, closing its underlying connection.
func (p *Pool) Evict(key PoolKey) {
	p.mu.Lock()
	c, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()
	if ok {
		closeClient(c)
	}
}

func closeClient(c *Client) {
	if c.Conn != nil {
		c.Conn.Close()
	}
}

// DialClient negotiates a rats-TLS tunnel to ep over dialer and wraps it
// in an HTTP/2 transport ready to multiplex CONNECT streams, per spec.md
// §4.4/§4.5.
func DialClient(ctx context.Context, dialer transport.Dialer, ep endpoint.Endpoint, cfg HandshakeConfig) (*Client, error) {
	base, err := dialer.Dial(ctx, ep)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	outcome := make(chan VerifyOutcome, 1)
	tlsCfg, err := ClientTLSConfig(ctx, cfg, outcome)
	if err != nil {
		base.Close()
		return nil, trace.Wrap(err)
	}
	tlsCfg.NextProtos = []string{"h2"}

	tlsConn := tls.Client(base, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		base.Close()
		return nil, trace.Wrap(err)
	}

	t2 := &http2.Transport{}
	clientConn, err := t2.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err)
	}

	return &Client{Conn: clientConn, Outcome: outcome}, nil
}
