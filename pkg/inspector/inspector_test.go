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

package inspector

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestInspectHTTP1(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("GET /foo/bar/www?type=1&case=1 HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	}()

	stream, cls, err := Inspect(context.Background(), server)
	require.NoError(t, err)
	require.Equal(t, KindHTTP1, cls.Kind)
	require.Equal(t, "example.com", cls.Authority)
	require.Equal(t, "/foo/bar/www", cls.Path)

	replayed, err := io.ReadAll(io.LimitReader(stream, 3))
	require.NoError(t, err)
	require.Equal(t, "GET", string(replayed))
}

func TestInspectHTTP1AbsoluteForm(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("GET http://example.com/foo HTTP/1.1\r\n\r\n"))
	}()

	_, cls, err := Inspect(context.Background(), server)
	require.NoError(t, err)
	require.Equal(t, KindHTTP1, cls.Kind)
	require.Equal(t, "example.com", cls.Authority)
}

func TestInspectHTTP2Preface(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var buf bytes.Buffer
	buf.WriteString(http2.ClientPreface)
	framer := http2.NewFramer(&buf, nil)
	require.NoError(t, framer.WriteSettings())

	go func() {
		client.Write(buf.Bytes())
	}()

	_, cls, err := Inspect(context.Background(), server)
	require.NoError(t, err)
	require.Equal(t, KindHTTP2, cls.Kind)
}

func TestInspectUnknownOnGarbage(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("not an http request at all, just bytes"))
		client.Close()
	}()

	_, cls, err := Inspect(context.Background(), server)
	require.NoError(t, err)
	require.Equal(t, KindUnknown, cls.Kind)
}

func TestInspectSurfacesSourceErrorBeforeClassification(t *testing.T) {
	t.Parallel()
	r, w := io.Pipe()
	conn := &readOnlyConn{r: r}
	w.CloseWithError(errBoom)

	_, _, err := Inspect(context.Background(), conn)
	require.Error(t, err)
}

var errBoom = net.UnknownNetworkError("boom")

type readOnlyConn struct {
	net.Conn
	r io.Reader
}

func (c *readOnlyConn) Read(p []byte) (int, error)         { return c.r.Read(p) }
func (c *readOnlyConn) SetReadDeadline(time.Time) error     { return nil }
func (c *readOnlyConn) SetWriteDeadline(time.Time) error    { return nil }
func (c *readOnlyConn) SetDeadline(time.Time) error         { return nil }
func (c *readOnlyConn) Close() error                        { return nil }
func (c *readOnlyConn) LocalAddr() net.Addr                 { return nil }
func (c *readOnlyConn) RemoteAddr() net.Addr                { return nil }
