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

// Package certmgr implements the Cert/Key Manager from spec.md §4.1: it
// produces attestation-bearing X.509 certificates used by rats-TLS and
// refreshes them on a configured policy.
package certmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

// attestationExtensionOID is the custom X.509 extension OID carrying
// CBOR-encoded attestation evidence/tokens, drawn from the Inclavare
// Containers private enterprise namespace per spec.md §6.
var attestationExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 61400, 1, 1}

// CertifiedKey is a private key plus a DER X.509 chain whose leaf
// certificate embeds attestation evidence (spec.md §3).
type CertifiedKey struct {
	PrivateKey  *ecdsa.PrivateKey
	Certificate []byte // DER leaf certificate
	Chain       [][]byte
	PublishedAt time.Time
}

// DERChain returns the leaf certificate followed by the rest of the chain,
// in the form tls.Certificate.Certificate expects.
func (c CertifiedKey) DERChain() [][]byte {
	return append([][]byte{c.Certificate}, c.Chain...)
}

// refreshStrategy is decided once at construction time from
// AttestArgs.RefreshInterval, per spec.md §4.1.
type refreshStrategy int

const (
	strategyPeriodically refreshStrategy = iota
	strategyWhenRequired
)

// Manager owns the attestation-bearing certificate used by rats-TLS.
type Manager struct {
	args     attestation.AttestArgs
	agent    attestation.Agent
	strategy refreshStrategy

	current atomic.Pointer[CertifiedKey] // watch cell: single writer, many readers

	refreshOnce runtime.Once
	log         log.FieldLogger
}

const (
	fetchRetries       = 3
	fetchBackoff       = time.Second
	fetchAttemptTimeout = 120 * time.Second
)

// New constructs a Manager, synchronously fetching one certificate
// (retried up to 3x with 1s backoff, 120s per-attempt timeout) before
// returning, per spec.md §4.1.
func New(ctx context.Context, args attestation.AttestArgs, agent attestation.Agent) (*Manager, error) {
	m := &Manager{
		args:  args,
		agent: agent,
		log:   log.WithField("component", "certmgr"),
	}
	if args.RefreshInterval != nil && *args.RefreshInterval == 0 {
		m.strategy = strategyWhenRequired
	} else {
		m.strategy = strategyPeriodically
	}

	cert, err := m.fetchWithRetry(ctx)
	if err != nil {
		return nil, apperrAAUnavailable(err)
	}
	m.current.Store(cert)
	return m, nil
}

func (m *Manager) fetchWithRetry(ctx context.Context) (*CertifiedKey, error) {
	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, fetchAttemptTimeout)
		cert, err := m.fetchOnce(attemptCtx)
		cancel()
		if err == nil {
			return cert, nil
		}
		lastErr = err
		m.log.WithError(err).Warnf("cert fetch attempt %d/%d failed", attempt+1, fetchRetries)
		if attempt < fetchRetries-1 {
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			}
		}
	}
	return nil, trace.Wrap(lastErr, "exhausted %d cert fetch attempts", fetchRetries)
}

// fetchOnce generates a fresh key pair, asks the Attestation Agent for
// evidence binding the public key, and builds a self-signed leaf
// certificate embedding that evidence as a custom extension.
func (m *Manager) fetchOnce(ctx context.Context) (*CertifiedKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	evidence, err := m.agent.CollectEvidence(ctx, m.args, pubDER)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ext, err := buildAttestationExtension(evidence)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "TNG",
			Organization: []string{"Inclavare-Containers"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{ext},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &CertifiedKey{
		PrivateKey:  priv,
		Certificate: der,
		PublishedAt: now,
	}, nil
}

func buildAttestationExtension(ev attestation.Evidence) (pkix.Extension, error) {
	encoded, err := cbor.Marshal(ev)
	if err != nil {
		return pkix.Extension{}, trace.Wrap(err)
	}
	return pkix.Extension{
		Id:    attestationExtensionOID,
		Value: encoded,
	}, nil
}

// ParseAttestationExtension extracts the CBOR-encoded Evidence from a
// peer's leaf certificate, used by the rats-TLS verifier (spec.md §4.4).
func ParseAttestationExtension(cert *x509.Certificate) (attestation.Evidence, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(attestationExtensionOID) {
			var ev attestation.Evidence
			if err := cbor.Unmarshal(ext.Value, &ev); err != nil {
				return attestation.Evidence{}, trace.Wrap(err)
			}
			return ev, nil
		}
	}
	return attestation.Evidence{}, trace.NotFound("certificate carries no attestation extension")
}

// GetLatestCert returns the current certificate. In periodic mode this is
// an atomic read of the watch cell; in on-demand (WhenRequired) mode a
// fresh certificate is fetched on every call, per spec.md §4.1.
func (m *Manager) GetLatestCert(ctx context.Context) (CertifiedKey, error) {
	if m.strategy == strategyWhenRequired {
		cert, err := m.fetchWithRetry(ctx)
		if err != nil {
			return CertifiedKey{}, trace.Wrap(err)
		}
		m.current.Store(cert)
		return *cert, nil
	}
	cert := m.current.Load()
	if cert == nil {
		return CertifiedKey{}, trace.NotFound("no certificate published yet")
	}
	return *cert, nil
}

// LaunchRefreshTask spawns the periodic refresh supervised task exactly
// once. Calling it a second time is a no-op that returns an error to catch
// programmer mistakes -- spec.md §4.1 says "idempotent check returns
// error on second call." Under the WhenRequired strategy the first call
// spawns no task and returns nil.
func (m *Manager) LaunchRefreshTask(sup *runtime.Supervisor) error {
	if err := m.refreshOnce.Start(); err != nil {
		return trace.Wrap(err)
	}
	if m.strategy != strategyPeriodically {
		return nil
	}

	interval := m.args.EffectiveRefresh()
	sup.Go("certmgr-refresh", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cert, err := m.fetchWithRetry(ctx)
				if err != nil {
					// Errors are logged and the previous cert remains in
					// effect, per spec.md §7.
					m.log.WithError(err).Error("cert refresh failed, keeping previous certificate")
					continue
				}
				m.current.Store(cert)
				m.log.Debug("refreshed attestation certificate")
			}
		}
	})
	return nil
}

func apperrAAUnavailable(err error) error {
	return apperr.New(apperr.KindAAUnavailable, trace.Wrap(err, "attestation agent unavailable"))
}
