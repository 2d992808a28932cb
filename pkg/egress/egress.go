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

// Package egress implements the Egress Dispatcher from spec.md §4.10: the
// server side of a tunnel, accepting carrier connections, running them
// through the per-connection state machine (classify, decrypt, forward),
// and handing plaintext HTTP requests to a fixed upstream.
package egress

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/http2"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/certmgr"
	"github.com/inclavare-containers/tng/pkg/config"
	"github.com/inclavare-containers/tng/pkg/inspector"
	"github.com/inclavare-containers/tng/pkg/keyconfig"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/ohttp"
	"github.com/inclavare-containers/tng/pkg/runtime"
	"github.com/inclavare-containers/tng/pkg/security"
	"github.com/inclavare-containers/tng/pkg/transport"
	"github.com/inclavare-containers/tng/pkg/wrapping"
)

// Deps bundles the collaborators an Egress needs that aren't part of its
// static configuration: the security layer's attestation wiring and, for
// OHTTP-mode endpoints, the HPKE key source and its own attestation.
type Deps struct {
	Certs  *certmgr.Manager // nil if this side presents no certificate
	Verify *attestation.VerifyArgs
	AS     attestation.Service
	Keys   keyconfig.Source // required only when cfg.Ohttp is set

	// Attest/Agent cover attestation of the published HPKE key bytes in
	// /tng/key-config responses; nil means that response carries no
	// attestation_info field. Distinct from Certs, which attests the
	// rats-TLS identity certificate instead.
	Attest *attestation.AttestArgs
	Agent  attestation.Agent
}

// Egress runs one `add_egress` entry's listener and connection pipeline.
type Egress struct {
	cfg  config.EgressConfig
	deps Deps
}

func portStr(p uint16) string { return strconv.Itoa(int(p)) }

// dialUpstream opens a plain TCP connection to the configured upstream.
func (e *Egress) dialUpstream(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(e.cfg.UpstreamAddr, portStr(e.cfg.UpstreamPort)))
	if err != nil {
		return nil, apperr.New(apperr.KindConnectUpstream, err)
	}
	return conn, nil
}

// New builds an Egress from its config and collaborators.
func New(cfg config.EgressConfig, deps Deps) *Egress {
	return &Egress{cfg: cfg, deps: deps}
}

// Run binds the listener for cfg.Mode and serves connections until ctx is
// canceled, as a supervised task.
func (e *Egress) Run(sup *runtime.Supervisor) error {
	ln, err := e.listen()
	if err != nil {
		return trace.Wrap(err)
	}
	sup.Go("egress-accept-"+net.JoinHostPort(e.cfg.InAddr, portStr(e.cfg.InPort)), func(ctx context.Context) error {
		defer ln.Close()
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return trace.Wrap(err)
			}
			go e.handleConn(ctx, conn)
		}
	})
	return nil
}

func (e *Egress) listen() (transport.Listener, error) {
	switch e.cfg.Mode {
	case config.EgressModeMapping:
		return transport.ListenTCP(net.JoinHostPort(e.cfg.InAddr, portStr(e.cfg.InPort)))
	case config.EgressModeNetfilter:
		return listenNetfilter(net.JoinHostPort(e.cfg.InAddr, portStr(e.cfg.InPort)))
	default:
		return nil, trace.BadParameter("egress: unknown mode %q", e.cfg.Mode)
	}
}

// handleConn drives one accepted connection through the state machine from
// spec.md §4.10: first-byte timeout, classification, then direct forward
// or one of the three carrier branches.
func (e *Egress) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		// A panic inside one connection's handling must never take down the
		// listener's accept loop; the standard supervised-task discipline
		// only covers the goroutine boundary, not callee panics.
		if r := recover(); r != nil {
			log.Component("egress").WithField("panic", r).Error("connection handler panicked")
		}
	}()

	timed := transport.WithFirstByteTimeout(conn)
	wrapped, cls, err := inspector.Inspect(ctx, timed)
	if err != nil {
		conn.Close()
		return
	}

	if e.matchesDirectForward(cls) {
		e.directForward(ctx, wrapped)
		return
	}

	switch {
	case cls.Kind == inspector.KindHTTP1 && isOhttpPath(cls.Path):
		e.serveOhttp(ctx, wrapped)
	case cls.Kind == inspector.KindHTTP2 && e.cfg.EncapInHTTP != nil && e.cfg.EncapInHTTP.Enabled:
		e.serveEncapInHTTP(ctx, wrapped)
	case cls.Kind == inspector.KindUnknown:
		e.serveRatsTLS(ctx, wrapped)
	default:
		e.rejectNonTng(wrapped)
	}
}

func isOhttpPath(path string) bool {
	return len(path) >= 4 && path[:4] == "/tng"
}

func (e *Egress) matchesDirectForward(cls inspector.Classification) bool {
	for _, rule := range e.cfg.DirectForward {
		if rule.HTTPPath != "" {
			// HTTPPath is a regular expression matched against the whole path.
			if ok, err := regexp.MatchString("^(?:"+rule.HTTPPath+")$", cls.Path); err == nil && ok {
				return true
			}
		}
		if rule.Domain != "" && rule.Domain == cls.Authority {
			return true
		}
	}
	return false
}

// directForward bypasses the tunnel entirely: a raw byte-for-byte splice
// to the upstream, per spec.md §4.10.
func (e *Egress) directForward(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	upstream, err := e.dialUpstream(ctx)
	if err != nil {
		log.Component("egress").WithError(err).Error("direct forward: upstream dial failed")
		return
	}
	defer upstream.Close()
	splice(conn, upstream)
}

// serveRatsTLS handles the "TCP" transport class: the accepted bytes are
// themselves a TLS handshake. After the handshake, every multiplexed
// CONNECT stream is forwarded to the upstream independently.
func (e *Egress) serveRatsTLS(ctx context.Context, conn net.Conn) {
	tlsConn, err := e.handshakeServer(ctx, conn)
	if err != nil {
		log.Component("egress").WithError(err).Error("rats-tls handshake failed")
		conn.Close()
		return
	}
	e.serveWrapped(ctx, tlsConn)
}

// serveEncapInHTTP handles the "H2" transport class: an extra H2-framed
// hop is unwrapped first, exposing the byte stream that itself carries a
// rats-TLS handshake.
func (e *Egress) serveEncapInHTTP(ctx context.Context, conn net.Conn) {
	inner, err := transport.AcceptH2FramedOnce(ctx, conn)
	if err != nil {
		log.Component("egress").WithError(err).Error("h2-framed carrier handshake failed")
		conn.Close()
		return
	}
	e.serveRatsTLS(ctx, inner)
}

func (e *Egress) handshakeServer(ctx context.Context, conn net.Conn) (net.Conn, error) {
	outcome := make(chan security.VerifyOutcome, 1)
	tlsCfg, err := security.ServerTLSConfig(ctx, security.HandshakeConfig{
		Certs:  e.deps.Certs,
		Verify: e.deps.Verify,
		AS:     e.deps.AS,
	}, outcome)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tlsCfg.NextProtos = []string{"h2"}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return tlsConn, nil
}

// serveWrapped runs the HTTP/2 CONNECT multiplexing accept loop over an
// established rats-TLS session, forwarding every logical stream to the
// upstream.
func (e *Egress) serveWrapped(ctx context.Context, tlsConn net.Conn) {
	srv := &http2.Server{MaxConcurrentStreams: wrapping.MaxOutboundFrames}
	srv.ServeConn(tlsConn, &http2.ServeConnOpts{
		Handler: wrapping.AcceptHandler(func(stream net.Conn) {
			go e.forwardStream(ctx, stream)
		}),
	})
}

func (e *Egress) forwardStream(ctx context.Context, stream net.Conn) {
	defer stream.Close()
	upstream, err := e.dialUpstream(ctx)
	if err != nil {
		log.Component("egress").WithError(err).Error("stream forward: upstream dial failed")
		return
	}
	defer upstream.Close()
	splice(stream, upstream)
}

// serveOhttp handles the "OHTTP" transport class: plaintext HTTP/1
// requests to the /tng/* router, answered by the OHTTP server with the
// upstream wired in as its Upstream callback. It returns once the HTTP
// server is done with the connection.
func (e *Egress) serveOhttp(ctx context.Context, conn net.Conn) {
	srv := ohttp.NewServer(ohttp.ServerConfig{
		Keys: e.deps.Keys,
		Upstream: func(req *http.Request) (*http.Response, error) {
			return e.roundTripUpstream(req)
		},
		Attest:     e.deps.Attest,
		Agent:      e.deps.Agent,
		AS:         e.deps.AS,
		VerifyArgs: e.deps.Verify,
	})

	// Serve returns as soon as the second Accept fails, while the accepted
	// connection is still being served; wait for its terminal state.
	done := make(chan struct{})
	httpSrv := &http.Server{Handler: srv, ConnState: func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			close(done)
		}
	}}
	httpSrv.Serve(&singleConnListener{conn: conn})
	<-done
	conn.Close()
}

func (e *Egress) roundTripUpstream(req *http.Request) (*http.Response, error) {
	upstream, err := e.dialUpstream(req.Context())
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = "http"
	req.URL.Host = net.JoinHostPort(e.cfg.UpstreamAddr, portStr(e.cfg.UpstreamPort))
	req.RequestURI = ""
	client := &http.Client{Transport: &http.Transport{DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
		return upstream, nil
	}}}
	return client.Do(req)
}

// rejectNonTng handles clients whose bytes could not be classified into
// any recognized carrier, after direct_forward has already been ruled
// out: it writes an HTTP/1.1 403 response with a JSON error body (under a
// 5-second write deadline) and closes the connection.
func (e *Egress) rejectNonTng(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	body, _ := json.Marshal(apperr.BodyFor(apperr.New(apperr.KindRejectNonTng, trace.BadParameter("unrecognized carrier"))))
	io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\nContent-Type: application/json\r\nConnection: close\r\n\r\n")
	conn.Write(body)
}

func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	<-done
}

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener with exactly one Accept, so http.Server.Serve can drive an
// OHTTP router over a connection the Egress classified itself rather than
// one it opened a fresh socket for.
type singleConnListener struct {
	conn net.Conn
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.conn == nil {
		return nil, trace.Wrap(net.ErrClosed)
	}
	conn := s.conn
	s.conn = nil
	return conn, nil
}

func (s *singleConnListener) Close() error   { return nil }
func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }
