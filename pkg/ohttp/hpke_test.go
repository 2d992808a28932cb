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
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRequestRoundTrip(t *testing.T) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	plaintext := []byte("GET /foo/bar HTTP/1.1 bhttp-encoded-stand-in")
	aad := []byte("metadata")

	sealed, err := SealRequest(priv.PublicKey(), plaintext, aad)
	require.NoError(t, err)
	require.NotEmpty(t, sealed.ExporterSecret)

	opened, err := OpenRequest(priv, sealed.Wire, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened.Plaintext)
	require.Equal(t, sealed.ExporterSecret, opened.ExporterSecret)
}

func TestSealOpenResponseRoundTrip(t *testing.T) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealedReq, err := SealRequest(priv.PublicKey(), []byte("request"), nil)
	require.NoError(t, err)
	opened, err := OpenRequest(priv, sealedReq.Wire, nil)
	require.NoError(t, err)

	respPlaintext := []byte("Hello World HTTP!")
	sealedResp, err := SealResponse(opened.ExporterSecret, respPlaintext, nil)
	require.NoError(t, err)

	got, err := OpenResponse(sealedReq.ExporterSecret, sealedResp, nil)
	require.NoError(t, err)
	require.Equal(t, respPlaintext, got)
}

func TestOpenRequestRejectsWrongKey(t *testing.T) {
	priv1, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	priv2, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealRequest(priv1.PublicKey(), []byte("secret"), nil)
	require.NoError(t, err)

	_, err = OpenRequest(priv2, sealed.Wire, nil)
	require.Error(t, err)
}
