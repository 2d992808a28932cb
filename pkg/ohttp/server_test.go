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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inclavare-containers/tng/pkg/keyconfig"
)

func TestServerKeyConfigThenTunnelRoundTrip(t *testing.T) {
	keys, err := keyconfig.NewSelfGenerated(keyconfig.SelfGeneratedConfig{})
	require.NoError(t, err)

	upstreamCalled := false
	srv := NewServer(ServerConfig{
		Keys: keys,
		Upstream: func(req *http.Request) (*http.Response, error) {
			upstreamCalled = true
			require.Equal(t, "/foo/bar", req.URL.Path)
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       io.NopCloser(strings.NewReader("Hello World HTTP!")),
			}, nil
		},
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.Client(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo/bar", nil)
	resp, err := client.Do(context.Background(), ts.URL, req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Hello World HTTP!", string(body))
	require.True(t, upstreamCalled)
}

func TestServerKeyConfigThenTunnelRoundTripWithQuery(t *testing.T) {
	keys, err := keyconfig.NewSelfGenerated(keyconfig.SelfGeneratedConfig{})
	require.NoError(t, err)

	upstreamCalled := false
	srv := NewServer(ServerConfig{
		Keys: keys,
		Upstream: func(req *http.Request) (*http.Response, error) {
			upstreamCalled = true
			require.Equal(t, "/foo/bar/www", req.URL.Path)
			require.Equal(t, "type=1&case=1", req.URL.RawQuery)
			require.Equal(t, "/foo/bar/www?type=1&case=1", req.URL.RequestURI())
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       io.NopCloser(strings.NewReader("Hello World HTTP!")),
			}, nil
		},
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := NewClient(ts.Client(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo/bar/www?type=1&case=1", nil)
	resp, err := client.Do(context.Background(), ts.URL, req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "Hello World HTTP!", string(body))
	require.True(t, upstreamCalled)
}

func TestServerTunnelRejectsUnknownKeyID(t *testing.T) {
	keys, err := keyconfig.NewSelfGenerated(keyconfig.SelfGeneratedConfig{})
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Keys: keys,
		Upstream: func(*http.Request) (*http.Response, error) {
			t.Fatal("upstream should not be called")
			return nil, nil
		},
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var body strings.Builder
	require.NoError(t, WriteMetadata(&body, nil))
	body.WriteByte(0xFF) // key_id that does not exist
	body.WriteString("garbage-ciphertext-bytes-of-sufficient-length-to-pass-the-enc-size-check-xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx")

	resp, err := http.Post(ts.URL+"/tng/tunnel", "message/ohttp-chunked-req", strings.NewReader(body.String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
