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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"io"

	circlhpke "github.com/cloudflare/circl/hpke"

	"github.com/inclavare-containers/tng/pkg/apperr"
)

// suite fixes the HPKE ciphersuite to X25519/HKDF-SHA256/AES-128-GCM,
// the combination RFC 9458 recommends as the OHTTP default.
var suite = circlhpke.NewSuite(circlhpke.KEM_X25519_HKDF_SHA256, circlhpke.KDF_HKDF_SHA256, circlhpke.AEAD_AES128GCM)

// requestInfo/responseExportLabel are the fixed HPKE "info"/"exporter
// context" labels RFC 9458 assigns to OHTTP request encapsulation and
// response-key export respectively.
var (
	requestInfo          = []byte("message/bhttp request")
	responseExportLabel  = []byte("message/bhttp response")
	responseKeyLen  uint = 16 // AES-128-GCM key size
	responseNonceLen     = 12
)

// SealedRequest is a completed request encapsulation: the wire bytes to
// send, and the exporter secret used to derive the matching response
// key once the reply comes back.
type SealedRequest struct {
	Wire           []byte
	ExporterSecret []byte
}

// SealRequest HPKE-encrypts plaintext to pub, returning the wire bytes
// (`[enc][ciphertext]`) plus the exporter secret needed to decrypt the
// eventual response, per RFC 9458's encapsulation of requests/responses.
func SealRequest(pub *ecdh.PublicKey, plaintext, aad []byte) (SealedRequest, error) {
	sender, err := suite.NewSender(pub, requestInfo)
	if err != nil {
		return SealedRequest{}, apperr.New(apperr.KindClientSelectHpke, err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return SealedRequest{}, apperr.New(apperr.KindClientSelectHpke, err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return SealedRequest{}, apperr.New(apperr.KindOhttp, err)
	}
	secret := sealer.Export(responseExportLabel, responseKeyLen)

	wire := make([]byte, 0, len(enc)+len(ct))
	wire = append(wire, enc...)
	wire = append(wire, ct...)
	return SealedRequest{Wire: wire, ExporterSecret: secret}, nil
}

// OpenedRequest is a decapsulated request: the plaintext, plus the
// exporter secret needed to seal the matching response.
type OpenedRequest struct {
	Plaintext      []byte
	ExporterSecret []byte
}

// OpenRequest HPKE-decrypts a SealRequest wire blob using priv.
func OpenRequest(priv *ecdh.PrivateKey, wire, aad []byte) (OpenedRequest, error) {
	encLen := suite.KEM.Scheme().EncapsulationSize()
	if len(wire) < encLen {
		return OpenedRequest{}, apperr.Newf(apperr.KindOhttp, "sealed message shorter than encapsulated key (%d bytes)", encLen)
	}
	enc, ct := wire[:encLen], wire[encLen:]

	receiver, err := suite.NewReceiver(priv, requestInfo)
	if err != nil {
		return OpenedRequest{}, apperr.New(apperr.KindGenServerHpke, err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return OpenedRequest{}, apperr.New(apperr.KindGenServerHpke, err)
	}
	pt, err := opener.Open(ct, aad)
	if err != nil {
		return OpenedRequest{}, apperr.New(apperr.KindOhttp, err)
	}
	secret := opener.Export(responseExportLabel, responseKeyLen)
	return OpenedRequest{Plaintext: pt, ExporterSecret: secret}, nil
}

// SealResponse encrypts plaintext under the AEAD key derived from the
// matching request's exporter secret, prepending a random nonce.
func SealResponse(exporterSecret, plaintext, aad []byte) ([]byte, error) {
	aead, err := responseAEAD(exporterSecret)
	if err != nil {
		return nil, apperr.New(apperr.KindOhttp, err)
	}
	nonce := make([]byte, responseNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperr.New(apperr.KindOhttp, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenResponse decrypts a SealResponse blob using the same exporter
// secret the original request produced.
func OpenResponse(exporterSecret, sealed, aad []byte) ([]byte, error) {
	aead, err := responseAEAD(exporterSecret)
	if err != nil {
		return nil, apperr.New(apperr.KindOhttp, err)
	}
	if len(sealed) < responseNonceLen {
		return nil, apperr.Newf(apperr.KindOhttp, "sealed response shorter than nonce (%d bytes)", responseNonceLen)
	}
	nonce, ct := sealed[:responseNonceLen], sealed[responseNonceLen:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, apperr.New(apperr.KindOhttp, err)
	}
	return pt, nil
}

func responseAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
