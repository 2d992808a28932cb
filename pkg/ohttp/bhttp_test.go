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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBHTTPRequestRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo/bar/www?type=1&case=1", nil)
	req.Header.Set("X-Custom", "value")

	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	msg, err := Decode(encoded)
	require.NoError(t, err)
	require.True(t, msg.IsRequest)
	require.Equal(t, http.MethodGet, msg.Method)
	require.Equal(t, "example.com", msg.Authority)
	require.Equal(t, "/foo/bar/www?type=1&case=1", msg.Path)
	require.Equal(t, "value", msg.Header.Get("X-Custom"))

	rebuilt, err := ToRequest(msg)
	require.NoError(t, err)
	require.Equal(t, req.Method, rebuilt.Method)
	require.Equal(t, req.Host, rebuilt.Host)
	require.Equal(t, "/foo/bar/www", rebuilt.URL.Path)
	require.Equal(t, "type=1&case=1", rebuilt.URL.RawQuery)
	require.Equal(t, "/foo/bar/www?type=1&case=1", rebuilt.URL.RequestURI())
}

func TestBHTTPRequestRoundTripWithBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://example.com/submit", strings.NewReader("hello world"))

	encoded, err := EncodeRequest(req)
	require.NoError(t, err)

	msg, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), msg.Body)
}

func TestBHTTPResponseRoundTrip(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("Hello World HTTP!")),
	}

	encoded, err := EncodeResponse(resp)
	require.NoError(t, err)

	msg, err := Decode(encoded)
	require.NoError(t, err)
	require.False(t, msg.IsRequest)
	require.Equal(t, 200, msg.StatusCode)
	require.Equal(t, "text/plain", msg.Header.Get("Content-Type"))
	require.Equal(t, "Hello World HTTP!", string(msg.Body))
}

func TestMetadataRoundTripAndRejectsOversize(t *testing.T) {
	var buf strings.Builder
	err := WriteMetadata(&buf, Metadata("routing-hint"))
	require.NoError(t, err)

	got, err := ReadMetadata(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Equal(t, Metadata("routing-hint"), got)

	err = WriteMetadata(&buf, make([]byte, MetadataMaxLen+1))
	require.Error(t, err)
}
