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

package ingress

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inclavare-containers/tng/pkg/config"
	"github.com/inclavare-containers/tng/pkg/endpoint"
)

func newTestIngress(t *testing.T, cfg config.IngressConfig) *Ingress {
	t.Helper()
	in, err := New(cfg, Deps{})
	require.NoError(t, err)
	return in
}

func TestInScopeDefaultMatchesEverything(t *testing.T) {
	in := newTestIngress(t, config.IngressConfig{Mode: config.IngressModeMapping})
	require.True(t, in.inScope(endpoint.Endpoint{Host: "anything.example.com", Port: 443}))
}

func TestInScopeHonorsEndpointFilters(t *testing.T) {
	in := newTestIngress(t, config.IngressConfig{
		Mode: config.IngressModeMapping,
		EndpointFilters: []config.EndpointFilterConfig{
			{Exact: "tunneled.example.com", Port: 443},
		},
	})
	require.True(t, in.inScope(endpoint.Endpoint{Host: "tunneled.example.com", Port: 443}))
	require.False(t, in.inScope(endpoint.Endpoint{Host: "bypass.example.com", Port: 443}))
}

func TestDirectForwardSplicesToUpstream(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		conn.Write([]byte("echo:" + line))
	}()

	host, port, err := net.SplitHostPort(upstreamLn.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	in := newTestIngress(t, config.IngressConfig{Mode: config.IngressModeMapping})
	dest := endpoint.Endpoint{Host: host, Port: uint16(portNum)}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		in.directForward(context.Background(), server, dest)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = client.Write([]byte("hello\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "echo:hello\n", line)

	client.Close()
	<-done
}

func TestRequestDestinationConnect(t *testing.T) {
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "example.com:8443"
	dest, err := requestDestination(req)
	require.NoError(t, err)
	require.Equal(t, endpoint.Endpoint{Host: "example.com", Port: 8443}, dest)
}

func TestRequestDestinationConnectDefaultsPort443(t *testing.T) {
	req := httptest.NewRequest(http.MethodConnect, "/", nil)
	req.Host = "example.com"
	dest, err := requestDestination(req)
	require.NoError(t, err)
	require.Equal(t, uint16(443), dest.Port)
}

func TestRequestDestinationAbsoluteForm(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com:8080/path", nil)
	dest, err := requestDestination(req)
	require.NoError(t, err)
	require.Equal(t, endpoint.Endpoint{Host: "example.com", Port: 8080}, dest)
}

func TestSocks5HandshakeNoAuthConnect(t *testing.T) {
	in := newTestIngress(t, config.IngressConfig{Mode: config.IngressModeSocks5})

	client, server := net.Pipe()
	defer client.Close()

	destCh := make(chan endpoint.Endpoint, 1)
	errCh := make(chan error, 1)
	go func() {
		dest, err := in.socks5Handshake(server)
		destCh <- dest
		errCh <- err
	}()

	client.SetDeadline(time.Now().Add(5 * time.Second))

	// Greeting: version 5, 1 method, NO_AUTH.
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	var methodResp [2]byte
	_, err = client.Read(methodResp[:])
	require.NoError(t, err)
	require.Equal(t, [2]byte{0x05, 0x00}, methodResp)

	// CONNECT request to 93.184.216.34:80 (IPv4 atyp).
	req := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50}
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = client.Read(reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])

	require.NoError(t, <-errCh)
	dest := <-destCh
	require.Equal(t, "93.184.216.34", dest.Host)
	require.Equal(t, uint16(80), dest.Port)
}
