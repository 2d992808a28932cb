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

// Package ingress implements the Ingress Dispatcher from spec.md §4.9: the
// client side of a tunnel. Four accept modes feed one shared pipeline that
// resolves a destination Endpoint per connection, decides whether it is in
// scope for the tunnel, and either forwards it in the clear or carries it
// through the security/transport/OHTTP layers to the matching egress.
package ingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/certmgr"
	"github.com/inclavare-containers/tng/pkg/config"
	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/ohttp"
	"github.com/inclavare-containers/tng/pkg/runtime"
	"github.com/inclavare-containers/tng/pkg/security"
	"github.com/inclavare-containers/tng/pkg/transport"
	"github.com/inclavare-containers/tng/pkg/wrapping"
)

// Deps bundles the collaborators an Ingress needs to reach an egress peer.
type Deps struct {
	Certs       *certmgr.Manager // nil if this side presents no certificate
	Verify      *attestation.VerifyArgs
	AS          attestation.Service
	Pool        *security.Pool
	Dialer      transport.Dialer // carrier dialer to the egress: TCP, or H2-framed when encap_in_http is set
	OhttpClient *ohttp.Client    // non-nil only when cfg.Ohttp is set
}

// Ingress runs one `add_ingress` entry's listener and connection pipeline.
type Ingress struct {
	cfg      config.IngressConfig
	deps     Deps
	filters  *endpoint.Matcher
	rewrites *endpoint.PathRewriteGroup
}

// New builds an Ingress from its config and collaborators, compiling its
// endpoint filters and path rewrites up front.
func New(cfg config.IngressConfig, deps Deps) (*Ingress, error) {
	filters, err := endpoint.NewMatcher(config.ToEndpointFilters(cfg.EndpointFilters))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rewrites, err := endpoint.NewPathRewriteGroup(config.ToPathRewrites(cfg.PathRewrites))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Ingress{cfg: cfg, deps: deps, filters: filters, rewrites: rewrites}, nil
}

// Run binds the listener for cfg.Mode and serves connections until the
// supervisor is shut down.
func (in *Ingress) Run(sup *runtime.Supervisor) error {
	switch in.cfg.Mode {
	case config.IngressModeMapping:
		return in.runMapping(sup)
	case config.IngressModeHTTPProxy:
		return in.runHTTPProxy(sup)
	case config.IngressModeSocks5:
		return in.runSocks5(sup)
	case config.IngressModeNetfilter:
		return in.runNetfilter(sup)
	default:
		return trace.BadParameter("ingress: unknown mode %q", in.cfg.Mode)
	}
}

func portStr(p uint16) string { return strconv.Itoa(int(p)) }

// inScope reports whether dest should be carried through the tunnel.
// An empty filter list matches everything, per spec.md §4.2 -- i.e. by
// default every destination is in scope, and EndpointFilter entries name
// an explicit tunneled set once any are configured.
func (in *Ingress) inScope(dest endpoint.Endpoint) bool {
	return in.filters.Matches(dest)
}

// dispatch is the shared per-connection pipeline every accept mode feeds
// into once it has resolved a destination Endpoint.
func (in *Ingress) dispatch(ctx context.Context, conn net.Conn, dest endpoint.Endpoint) {
	if !in.inScope(dest) {
		in.directForward(ctx, conn, dest)
		return
	}
	if in.cfg.Ohttp != nil {
		in.tunnelOhttp(ctx, conn, dest)
		return
	}
	in.tunnelStream(ctx, conn, dest)
}

func (in *Ingress) directForward(ctx context.Context, conn net.Conn, dest endpoint.Endpoint) {
	defer conn.Close()
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		log.Component("ingress").WithError(err).Error("direct forward: dial failed")
		return
	}
	defer upstream.Close()
	splice(conn, upstream)
}

// tunnelStream carries conn through rats-TLS + HTTP/2 CONNECT multiplexing
// to the egress at dest, per spec.md §4.4-§4.6.
func (in *Ingress) tunnelStream(ctx context.Context, conn net.Conn, dest endpoint.Endpoint) {
	defer conn.Close()
	client, err := in.deps.Pool.GetClient(ctx, security.PoolKey{Endpoint: dest}, in.dialFactory(dest))
	if err != nil {
		log.Component("ingress").WithError(err).Error("tunnel: could not obtain rats-tls client")
		return
	}
	stream, err := wrapping.OpenStream(client.Conn)
	if err != nil {
		in.deps.Pool.Evict(security.PoolKey{Endpoint: dest})
		log.Component("ingress").WithError(err).Error("tunnel: could not open CONNECT stream")
		return
	}
	defer stream.Close()
	splice(conn, stream)
}

func (in *Ingress) dialFactory(dest endpoint.Endpoint) security.Factory {
	return func(ctx context.Context) (*security.Client, error) {
		return security.DialClient(ctx, in.deps.Dialer, dest, security.HandshakeConfig{
			Certs:  in.deps.Certs,
			Verify: in.deps.Verify,
			AS:     in.deps.AS,
		})
	}
}

// tunnelOhttp treats conn as a plaintext HTTP/1.1 connection and answers
// every request on it by relaying through the OHTTP client to dest, per
// spec.md §4.7.
func (in *Ingress) tunnelOhttp(ctx context.Context, conn net.Conn, dest endpoint.Endpoint) {
	defer conn.Close()
	baseURL := "https://" + dest.String()
	if in.cfg.Ohttp.Path != "" {
		baseURL += in.cfg.Ohttp.Path
	}

	r := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(r)
		if err != nil {
			return
		}
		req = req.WithContext(ctx)
		if in.rewrites != nil {
			req.URL.Path = in.rewrites.Rewrite(req.URL.Path)
		}

		resp, err := in.deps.OhttpClient.Do(ctx, baseURL, req)
		if err != nil {
			writeErrorResponse(conn, apperr.New(apperr.KindConnectUpstream, err))
			return
		}
		resp.Write(conn)
		resp.Body.Close()
	}
}

func writeErrorResponse(w io.Writer, err error) {
	body, marshalErr := json.Marshal(apperr.BodyFor(err))
	if marshalErr != nil {
		return
	}
	resp := &http.Response{
		StatusCode:    apperr.HTTPStatus(err),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Write(w)
}

// healthcheckPath is the ingress dispatcher's own pass-through endpoint
// from spec.md §4.9, handled directly by the http-proxy mode's request
// loop rather than being routed anywhere.
const healthcheckPath = "/tng/v1/healthcheck"

func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	<-done
}
