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

// Package security implements the rats-TLS layer from spec.md §4.4: TLS
// configurations whose certificates carry attestation evidence and whose
// peer verification runs that evidence through the Attestation Service
// instead of (or in addition to) a certificate authority.
package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/certmgr"
)

// VerifyOutcome is handed back from a completed handshake's peer
// verification, alongside any error. It is delivered through a one-shot
// channel handoff rather than a shared field, because
// tls.Config.VerifyPeerCertificate runs on the handshake goroutine and the
// caller that needs the claims (the stream owner) only learns about the
// connection after tls.Conn.Handshake returns -- spec.md §9's "cyclic
// back-references" note on AttestationResult plumbing.
type VerifyOutcome struct {
	Result attestation.Result
	Err    error
}

// HandshakeConfig bundles what's needed to build a rats-TLS tls.Config for
// either side of a connection.
type HandshakeConfig struct {
	Certs  *certmgr.Manager // nil if this side presents no identity (no_ra attest-less)
	Verify *attestation.VerifyArgs
	AS     attestation.Service // nil if RaArgs carries no verify
	Bound  []byte              // claims-binding material checked against the peer's evidence
}

// ClientTLSConfig builds a tls.Config for the dialing side. When cfg.Verify
// is set, outcome receives exactly one VerifyOutcome once the handshake's
// certificate callback has run, before the caller's Dial call returns;
// when it is nil, nothing is sent on outcome.
func ClientTLSConfig(ctx context.Context, cfg HandshakeConfig, outcome chan<- VerifyOutcome) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // the custom VerifyPeerCertificate below replaces the default chain check
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.Certs != nil {
		tlsCfg.GetClientCertificate = clientCertGetter(ctx, cfg.Certs)
	}
	if cfg.Verify != nil {
		tlsCfg.VerifyPeerCertificate = verifier(ctx, cfg, outcome)
	}
	return tlsCfg, nil
}

// ServerTLSConfig builds a tls.Config for the accepting side.
func ServerTLSConfig(ctx context.Context, cfg HandshakeConfig, outcome chan<- VerifyOutcome) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ClientAuth: tls.RequireAnyClientCert,
		MinVersion: tls.VersionTLS13,
	}
	if cfg.Certs != nil {
		tlsCfg.GetCertificate = serverCertGetter(ctx, cfg.Certs)
	}
	if cfg.Verify != nil {
		tlsCfg.VerifyPeerCertificate = verifier(ctx, cfg, outcome)
	}
	return tlsCfg, nil
}

func clientCertGetter(ctx context.Context, mgr *certmgr.Manager) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return currentCertificate(ctx, mgr)
	}
}

func serverCertGetter(ctx context.Context, mgr *certmgr.Manager) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return currentCertificate(ctx, mgr)
	}
}

func currentCertificate(ctx context.Context, mgr *certmgr.Manager) (*tls.Certificate, error) {
	ck, err := mgr.GetLatestCert(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &tls.Certificate{
		Certificate: ck.DERChain(),
		PrivateKey:  ck.PrivateKey,
	}, nil
}

// verifier builds the crypto/tls VerifyPeerCertificate callback that
// extracts the peer's embedded evidence, runs it through the configured
// Attestation Service, and reports the outcome on the one-shot channel.
func verifier(ctx context.Context, cfg HandshakeConfig, outcome chan<- VerifyOutcome) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		result, err := verifyPeer(ctx, cfg, rawCerts)
		select {
		case outcome <- VerifyOutcome{Result: result, Err: err}:
		default:
			// A retried handshake (e.g. HelloRetryRequest) can invoke this
			// callback more than once; only the first outcome is consumed.
		}
		return err
	}
}

func verifyPeer(ctx context.Context, cfg HandshakeConfig, rawCerts [][]byte) (attestation.Result, error) {
	if len(rawCerts) == 0 {
		return attestation.Result{}, trace.BadParameter("peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return attestation.Result{}, trace.Wrap(err)
	}

	evidence, err := certmgr.ParseAttestationExtension(leaf)
	if err != nil {
		return attestation.Result{}, trace.Wrap(err)
	}

	switch evidence.Model {
	case attestation.ModelBackgroundCheck:
		return cfg.AS.VerifyEvidence(ctx, *cfg.Verify, evidence.Raw, cfg.Bound)
	case attestation.ModelPassport:
		return cfg.AS.VerifyToken(ctx, *cfg.Verify, evidence.Raw, cfg.Bound)
	default:
		return attestation.Result{}, trace.BadParameter("unknown evidence model %q", evidence.Model)
	}
}
