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

package attestation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	jose "gopkg.in/square/go-jose.v2"
)

// HTTPService reaches a remote Attestation Service over plain HTTPS, the
// transport named by VerifyArgs.ASAddr in spec.md §3. As with UDSAgent,
// the AS's own RPC surface is an external collaborator; this client only
// shapes the three requests this repository needs.
type HTTPService struct {
	client *http.Client
}

// NewHTTPService builds a Service against the AS base URL carried in each
// call's VerifyArgs.ASAddr.
func NewHTTPService() *HTTPService {
	return &HTTPService{client: &http.Client{Timeout: 30 * time.Second}}
}

type verifyRequest struct {
	Payload []byte `cbor:"evidence_or_token"`
	Bound   []byte `cbor:"bound"`
}

type verifyResponse struct {
	Claims map[string]interface{} `cbor:"claims"`
}

func (s *HTTPService) verify(ctx context.Context, path string, args VerifyArgs, payload, bound []byte) (Result, error) {
	body, err := cbor.Marshal(verifyRequest{Payload: payload, Bound: bound})
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.ASAddr+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	for _, id := range args.PolicyIDs {
		req.Header.Add("X-Tng-Policy-Id", id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, trace.Wrap(err, "attestation service unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, trace.AccessDenied("attestation service rejected evidence: status %d: %s", resp.StatusCode, respBody)
	}

	var decoded verifyResponse
	if ct := resp.Header.Get("Content-Type"); ct == "application/json" {
		err = json.Unmarshal(respBody, &decoded)
	} else {
		err = cbor.Unmarshal(respBody, &decoded)
	}
	if err != nil {
		return Result{}, trace.Wrap(err, "malformed attestation service response")
	}
	return Result{Claims: decoded.Claims}, nil
}

// VerifyEvidence validates raw BackgroundCheck evidence against
// args.PolicyIDs at args.ASAddr.
func (s *HTTPService) VerifyEvidence(ctx context.Context, args VerifyArgs, evidence []byte, bound []byte) (Result, error) {
	return s.verify(ctx, "/attestation/verify/evidence", args, evidence, bound)
}

// VerifyToken validates a Passport token, either locally against
// args.TrustedCertsPaths or via an AS if args.ASAddr happens to be set.
func (s *HTTPService) VerifyToken(ctx context.Context, args VerifyArgs, token []byte, bound []byte) (Result, error) {
	if args.ASAddr == "" {
		return s.verifyTokenLocally(args, token)
	}
	return s.verify(ctx, "/attestation/verify/token", args, token, bound)
}

// verifyTokenLocally validates a Passport token's JWS signature against a
// certificate drawn from its own x5c header, checked against the pool
// built from args.TrustedCertsPaths, without any AS round-trip.
func (s *HTTPService) verifyTokenLocally(args VerifyArgs, token []byte) (Result, error) {
	sig, err := jose.ParseSigned(string(token))
	if err != nil {
		return Result{}, trace.Wrap(err, "malformed passport token")
	}
	if len(sig.Signatures) != 1 {
		return Result{}, trace.BadParameter("passport token: expected exactly one signature")
	}
	leaf, err := signingCertificate(sig.Signatures[0].Header)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	pool, err := trustedCertPool(args.TrustedCertsPaths)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		return Result{}, trace.AccessDenied("passport token: signing certificate not trusted: %v", err)
	}

	payload, err := sig.Verify(leaf.PublicKey)
	if err != nil {
		return Result{}, trace.AccessDenied("passport token: signature verification failed: %v", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Result{}, trace.Wrap(err, "passport token: malformed claims payload")
	}
	return Result{Claims: claims}, nil
}

// signingCertificate extracts the leaf certificate a Passport token's JWS
// header carries in its "x5c" field (RFC 7515 §4.1.6), the chain the
// attester's AS embedded when it minted the token.
func signingCertificate(hdr jose.Header) (*x509.Certificate, error) {
	raw, ok := hdr.ExtraHeaders[jose.HeaderKey("x5c")]
	if !ok {
		return nil, trace.BadParameter("passport token: signature carries no x5c certificate chain")
	}
	chain, ok := raw.([]interface{})
	if !ok || len(chain) == 0 {
		return nil, trace.BadParameter("passport token: malformed x5c header")
	}
	encoded, ok := chain[0].(string)
	if !ok {
		return nil, trace.BadParameter("passport token: malformed x5c entry")
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, trace.Wrap(err, "passport token: invalid x5c base64")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err, "passport token: invalid x5c certificate")
	}
	return cert, nil
}

func trustedCertPool(paths []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.Wrap(err, "reading trusted cert %v", path)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, trace.BadParameter("trusted cert %v contains no usable PEM certificates", path)
		}
	}
	return pool, nil
}

// Challenge returns a BackgroundCheck nonce token from the AS, proxied by
// the OHTTP server's /tng/background-check/challenge endpoint.
func (s *HTTPService) Challenge(ctx context.Context, args VerifyArgs) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.ASAddr+"/attestation/challenge", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, trace.Wrap(err, "attestation service unreachable")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.BadParameter("attestation service returned status %d", resp.StatusCode)
	}
	return body, nil
}
