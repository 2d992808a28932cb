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

package wrapping

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestOpenStreamAcceptRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	srv := &http2.Server{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.ServeConn(conn, &http2.ServeConnOpts{
			Handler: AcceptHandler(func(s net.Conn) { accepted <- s }),
		})
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	t2 := &http2.Transport{AllowHTTP: true}
	cc, err := t2.NewClientConn(clientConn)
	require.NoError(t, err)

	clientStream, err := OpenStream(cc)
	require.NoError(t, err)
	defer clientStream.Close()

	var serverStream net.Conn
	select {
	case serverStream = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted stream")
	}
	defer serverStream.Close()

	_, err = clientStream.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(serverStream, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = serverStream.Write([]byte("world"))
	require.NoError(t, err)

	buf2 := make([]byte, 5)
	_, err = io.ReadFull(clientStream, buf2)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf2))
}

func TestAcceptHandlerRejectsNonConnect(t *testing.T) {
	handled := false
	h := AcceptHandler(func(net.Conn) { handled = true })

	rec := newRecorder()
	req, _ := http.NewRequest(http.MethodGet, "https://tng.internal/", nil)
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.code)
	require.False(t, handled)
}

// recorder is a minimal http.ResponseWriter + http.Flusher stub; the
// stdlib's httptest.ResponseRecorder does not implement http.Flusher.
type recorder struct {
	header http.Header
	code   int
}

func newRecorder() *recorder { return &recorder{header: make(http.Header)} }

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(p []byte) (int, error) { return len(p), nil }
func (r *recorder) WriteHeader(code int)        { r.code = code }
func (r *recorder) Flush()                      {}
