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
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// UDSAgent reaches a local Attestation Agent over a UNIX domain socket, the
// transport named by AttestArgs.AAAddr throughout spec.md §3. The AA's own
// RPC surface is an external collaborator -- this client only shapes the
// request this repository needs (evidence/token covering a claims-binding
// byte string) and decodes the matching response.
type UDSAgent struct {
	client *http.Client
}

// NewUDSAgent builds an Agent dialing the UNIX socket at addr for every
// request, regardless of the URL host the request names.
func NewUDSAgent(addr string) *UDSAgent {
	return &UDSAgent{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", addr)
				},
			},
		},
	}
}

type collectEvidenceRequest struct {
	Model Model  `cbor:"model"`
	Bound []byte `cbor:"bound"`
}

type collectEvidenceResponse struct {
	Raw     []byte `cbor:"raw"`
	FromTEE string `cbor:"from_tee"`
}

// CollectEvidence asks the AA for evidence (BackgroundCheck) or a signed
// token (Passport) covering bound.
func (a *UDSAgent) CollectEvidence(ctx context.Context, args AttestArgs, bound []byte) (Evidence, error) {
	body, err := cbor.Marshal(collectEvidenceRequest{Model: args.Model, Bound: bound})
	if err != nil {
		return Evidence{}, trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://aa/attestation/evidence", bytes.NewReader(body))
	if err != nil {
		return Evidence{}, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := a.client.Do(req)
	if err != nil {
		return Evidence{}, trace.Wrap(err, "attestation agent unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Evidence{}, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Evidence{}, trace.BadParameter("attestation agent returned status %d: %s", resp.StatusCode, respBody)
	}

	var decoded collectEvidenceResponse
	if ct := resp.Header.Get("Content-Type"); ct == "application/json" {
		err = json.Unmarshal(respBody, &decoded)
	} else {
		err = cbor.Unmarshal(respBody, &decoded)
	}
	if err != nil {
		return Evidence{}, trace.Wrap(err, "malformed attestation agent response")
	}

	return Evidence{Model: args.Model, Raw: decoded.Raw, FromTEE: decoded.FromTEE}, nil
}
