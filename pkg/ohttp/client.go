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

package ohttp

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/attestation"
)

// KeyStoreValue is the per-endpoint cached state spec.md §4.7 describes
// as an `OnceCell<KeyStoreValue>`: the server's active key_id, its parsed key
// configuration list, and (if attestation was involved) the verified
// result binding the HPKE public key to a TEE claim.
type KeyStoreValue struct {
	KeyID       uint8
	Keys        map[uint8]*ecdh.PublicKey
	Attestation *attestation.Result
}

// Client issues OHTTP requests against one or more egress endpoints,
// lazily fetching and caching each endpoint's key configuration on first
// use.
type Client struct {
	httpClient *http.Client
	verify     *attestation.VerifyArgs
	as         attestation.Service

	mu    sync.Mutex
	cache map[string]*KeyStoreValue // keyed by endpoint base URL
}

// NewClient builds a Client. verify/as may be nil when the configured
// RaArgs carries no verify side.
func NewClient(httpClient *http.Client, verify *attestation.VerifyArgs, as attestation.Service) *Client {
	return &Client{httpClient: httpClient, verify: verify, as: as, cache: make(map[string]*KeyStoreValue)}
}

// Do forwards req through OHTTP to baseURL, fetching and caching
// baseURL's key configuration on first use.
func (c *Client) Do(ctx context.Context, baseURL string, req *http.Request) (*http.Response, error) {
	ksv, err := c.keyStoreFor(ctx, baseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	bhttpReq, err := EncodeRequest(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pub, ok := ksv.Keys[ksv.KeyID]
	if !ok {
		return nil, apperr.Newf(apperr.KindClientSelectHpke, "no public key cached for key_id %d", ksv.KeyID)
	}

	metadata := Metadata(nil)
	sealed, err := SealRequest(pub, bhttpReq, metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var body bytes.Buffer
	if err := WriteMetadata(&body, metadata); err != nil {
		return nil, trace.Wrap(err)
	}
	body.WriteByte(ksv.KeyID)
	body.Write(sealed.Wire)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tng/tunnel", &body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "message/ohttp-chunked-req")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.New(apperr.KindConnectUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var body apperr.Body
		_ = json.NewDecoder(httpResp.Body).Decode(&body)
		return nil, trace.Errorf("ohttp tunnel request failed: %s: %s", body.Code, body.Message)
	}

	respMetadata, err := ReadMetadata(httpResp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	respSealed, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	plaintext, err := OpenResponse(sealed.ExporterSecret, respSealed, respMetadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	msg, err := Decode(plaintext)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ToResponse(msg), nil
}

// keyStoreFor returns the cached KeyStoreValue for baseURL, fetching and
// verifying it on first use.
func (c *Client) keyStoreFor(ctx context.Context, baseURL string) (*KeyStoreValue, error) {
	c.mu.Lock()
	if ksv, ok := c.cache[baseURL]; ok {
		c.mu.Unlock()
		return ksv, nil
	}
	c.mu.Unlock()

	ksv, err := c.fetchKeyStore(ctx, baseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.mu.Lock()
	if existing, ok := c.cache[baseURL]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.cache[baseURL] = ksv
	c.mu.Unlock()
	return ksv, nil
}

func (c *Client) fetchKeyStore(ctx context.Context, baseURL string) (*KeyStoreValue, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tng/key-config", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.New(apperr.KindRequestKeyConfig, err)
	}
	defer httpResp.Body.Close()

	var resp KeyConfigResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, apperr.New(apperr.KindClientGet, err)
	}

	keys, err := DecodeKeyConfigList(resp.HpkeKeyConfig.EncodedKeyConfigList)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ksv := &KeyStoreValue{KeyID: resp.HpkeKeyConfig.KeyID, Keys: keys}

	if len(resp.AttestationInfo) > 0 && c.verify != nil && c.as != nil {
		var ev attestation.Evidence
		if err := json.Unmarshal(resp.AttestationInfo, &ev); err != nil {
			return nil, apperr.New(apperr.KindClientGet, err)
		}
		pub, ok := keys[ksv.KeyID]
		if !ok {
			return nil, apperr.Newf(apperr.KindClientGet, "key-config response missing its own key_id %d", ksv.KeyID)
		}
		var result attestation.Result
		switch ev.Model {
		case attestation.ModelBackgroundCheck:
			result, err = c.as.VerifyEvidence(ctx, *c.verify, ev.Raw, pub.Bytes())
		case attestation.ModelPassport:
			result, err = c.as.VerifyToken(ctx, *c.verify, ev.Raw, pub.Bytes())
		default:
			err = trace.BadParameter("unknown evidence model %q", ev.Model)
		}
		if err != nil {
			return nil, apperr.New(apperr.KindServerVerify, err)
		}
		ksv.Attestation = &result
	}

	return ksv, nil
}
