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
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"time"

	circlhpke "github.com/cloudflare/circl/hpke"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/keyconfig"
)

// HpkeKeyConfig is the wire shape of one HPKE key configuration, per
// spec.md §4.7/§6's key-config JSON.
type HpkeKeyConfig struct {
	KeyID uint8    `json:"key_id"`
	KEM   uint16   `json:"kem"`
	KDFs  []uint16 `json:"kdfs"`
	AEADs []uint16 `json:"aeads"`
	// PublicKey is the raw HPKE public key bytes.
	PublicKey []byte `json:"-"`
}

// keyConfigListWire is the RFC 9458-shaped list of supported
// configurations advertised by the server.
type keyConfigListWire struct {
	Configs []hpkeKeyConfigWire `json:"configs"`
}

type hpkeKeyConfigWire struct {
	KeyID     uint8    `json:"key_id"`
	KEM       uint16   `json:"kem"`
	KDFs      []uint16 `json:"kdfs"`
	AEADs     []uint16 `json:"aeads"`
	PublicKey string   `json:"public_key"` // base64
}

// KeyConfigResponse is the full JSON body returned from `/tng/key-config`.
type KeyConfigResponse struct {
	HpkeKeyConfig struct {
		KeyID                uint8  `json:"key_id"`
		KEM                  uint16 `json:"kem"`
		KDFs                 []uint16 `json:"kdfs"`
		AEADs                []uint16 `json:"aeads"`
		EncodedKeyConfigList string `json:"encoded_key_config_list"`
		ExpireTimestamp      int64  `json:"expire_timestamp"`
	} `json:"hpke_key_config"`
	AttestationInfo json.RawMessage `json:"attestation_info,omitempty"`
}

// EncodeKeyConfigList builds the canonical encoded_key_config_list
// (base64 of a JSON list) from the active+retired keys a Source exposes,
// and the expiry of the soonest-expiring key.
func EncodeKeyConfigList(keys []keyconfig.Key) (string, time.Time, error) {
	wire := keyConfigListWire{}
	var soonest time.Time
	for _, k := range keys {
		if k.Public == nil {
			continue
		}
		wire.Configs = append(wire.Configs, hpkeKeyConfigWire{
			KeyID:     k.ID,
			KEM:       uint16(circlhpke.KEM_X25519_HKDF_SHA256),
			KDFs:      []uint16{uint16(circlhpke.KDF_HKDF_SHA256)},
			AEADs:     []uint16{uint16(circlhpke.AEAD_AES128GCM)},
			PublicKey: base64.StdEncoding.EncodeToString(k.Public.Bytes()),
		})
		if !k.ExpireAt.IsZero() && (soonest.IsZero() || k.ExpireAt.Before(soonest)) {
			soonest = k.ExpireAt
		}
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return "", time.Time{}, apperr.New(apperr.KindGenServerHpke, err)
	}
	return base64.StdEncoding.EncodeToString(encoded), soonest, nil
}

// DecodeKeyConfigList parses an encoded_key_config_list string into the
// per-key_id public key map a client uses to select an HPKE target.
func DecodeKeyConfigList(encoded string) (map[uint8]*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.New(apperr.KindBase64Decode, err)
	}
	var wire keyConfigListWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperr.New(apperr.KindClientGet, err)
	}
	out := make(map[uint8]*ecdh.PublicKey, len(wire.Configs))
	for _, c := range wire.Configs {
		pubBytes, err := base64.StdEncoding.DecodeString(c.PublicKey)
		if err != nil {
			return nil, apperr.New(apperr.KindBase64Decode, err)
		}
		pub, err := ecdh.X25519().NewPublicKey(pubBytes)
		if err != nil {
			return nil, apperr.New(apperr.KindClientGet, err)
		}
		out[c.KeyID] = pub
	}
	return out, nil
}
