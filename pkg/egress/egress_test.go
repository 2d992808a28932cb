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

package egress

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inclavare-containers/tng/pkg/config"
	"github.com/inclavare-containers/tng/pkg/inspector"
)

func TestIsOhttpPath(t *testing.T) {
	require.True(t, isOhttpPath("/tng/tunnel"))
	require.True(t, isOhttpPath("/tng/key-config"))
	require.False(t, isOhttpPath("/other"))
	require.False(t, isOhttpPath("/tn"))
}

func TestMatchesDirectForward(t *testing.T) {
	e := &Egress{cfg: config.EgressConfig{DirectForward: []config.DirectForwardRule{
		{HTTPPath: "/healthz"},
		{Domain: "bypass.example.com"},
	}}}

	require.True(t, e.matchesDirectForward(inspector.Classification{Path: "/healthz"}))
	require.True(t, e.matchesDirectForward(inspector.Classification{Authority: "bypass.example.com"}))
	require.False(t, e.matchesDirectForward(inspector.Classification{Path: "/other"}))
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

	e := New(config.EgressConfig{
		Mode:         config.EgressModeMapping,
		UpstreamAddr: host,
		UpstreamPort: uint16(portNum),
	}, Deps{})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		e.directForward(context.Background(), server)
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
