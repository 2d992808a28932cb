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
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/endpoint"
	"github.com/inclavare-containers/tng/pkg/observability/log"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

const (
	socks5Version = 0x05

	socks5AuthNone     = 0x00
	socks5AuthPassword = 0x02
	socks5AuthNoAccept = 0xFF

	socks5CmdConnect = 0x01

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5RepSucceeded     = 0x00
	socks5RepGeneralFailed = 0x01
	socks5RepCmdNotSupp    = 0x07
)

// runSocks5 serves the socks5 mode: a SOCKS5 proxy listener per spec.md
// §4.9, supporting the CONNECT command with either no authentication or
// username/password authentication when configured.
func (in *Ingress) runSocks5(sup *runtime.Supervisor) error {
	addr := net.JoinHostPort(in.cfg.ProxyListenAddr, portStr(in.cfg.ProxyListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}

	sup.Go("ingress-socks5-"+addr, func(ctx context.Context) error {
		defer ln.Close()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return trace.Wrap(err)
			}
			go in.handleSocks5Conn(ctx, conn)
		}
	})
	return nil
}

func (in *Ingress) handleSocks5Conn(ctx context.Context, conn net.Conn) {
	dest, err := in.socks5Handshake(conn)
	if err != nil {
		log.Component("ingress").WithError(err).Error("socks5: handshake failed")
		conn.Close()
		return
	}
	in.dispatch(ctx, conn, dest)
}

// socks5Handshake runs the SOCKS5 greeting, optional authentication, and
// CONNECT request, replying with the standard reply frame. On success it
// returns the requested destination with conn left positioned at the start
// of the proxied byte stream.
func (in *Ingress) socks5Handshake(conn net.Conn) (endpoint.Endpoint, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	if hdr[0] != socks5Version {
		return endpoint.Endpoint{}, trace.BadParameter("socks5: unsupported version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}

	wantPassword := in.cfg.Username != "" || in.cfg.Password != ""
	chosen := byte(socks5AuthNoAccept)
	for _, m := range methods {
		if wantPassword && m == socks5AuthPassword {
			chosen = socks5AuthPassword
			break
		}
		if !wantPassword && m == socks5AuthNone {
			chosen = socks5AuthNone
			break
		}
	}
	if _, err := conn.Write([]byte{socks5Version, chosen}); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	if chosen == socks5AuthNoAccept {
		return endpoint.Endpoint{}, trace.BadParameter("socks5: no acceptable auth method")
	}

	if chosen == socks5AuthPassword {
		if err := in.socks5Authenticate(conn); err != nil {
			return endpoint.Endpoint{}, trace.Wrap(err)
		}
	}

	return in.socks5Request(conn)
}

func (in *Ingress) socks5Authenticate(conn net.Conn) error {
	var verHdr [2]byte
	if _, err := io.ReadFull(conn, verHdr[:]); err != nil {
		return trace.Wrap(err)
	}
	ulen := verHdr[1]
	user := make([]byte, ulen)
	if _, err := io.ReadFull(conn, user); err != nil {
		return trace.Wrap(err)
	}
	var plenBuf [1]byte
	if _, err := io.ReadFull(conn, plenBuf[:]); err != nil {
		return trace.Wrap(err)
	}
	pass := make([]byte, plenBuf[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return trace.Wrap(err)
	}

	ok := string(user) == in.cfg.Username && string(pass) == in.cfg.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.AccessDenied("socks5: authentication failed")
	}
	return nil
}

func (in *Ingress) socks5Request(conn net.Conn) (endpoint.Endpoint, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	ver, cmd, _, atyp := hdr[0], hdr[1], hdr[2], hdr[3]
	if ver != socks5Version {
		return endpoint.Endpoint{}, trace.BadParameter("socks5: unsupported version %d", ver)
	}
	if cmd != socks5CmdConnect {
		socks5WriteReply(conn, socks5RepCmdNotSupp)
		return endpoint.Endpoint{}, trace.BadParameter("socks5: unsupported command %d", cmd)
	}

	host, err := socks5ReadAddr(conn, atyp)
	if err != nil {
		socks5WriteReply(conn, socks5RepGeneralFailed)
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	if err := socks5WriteReply(conn, socks5RepSucceeded); err != nil {
		return endpoint.Endpoint{}, trace.Wrap(err)
	}
	return endpoint.Endpoint{Host: host, Port: port}, nil
}

func socks5ReadAddr(conn net.Conn, atyp byte) (string, error) {
	switch atyp {
	case socks5AtypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(conn, ip[:]); err != nil {
			return "", trace.Wrap(err)
		}
		return net.IP(ip[:]).String(), nil
	case socks5AtypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(conn, ip[:]); err != nil {
			return "", trace.Wrap(err)
		}
		return net.IP(ip[:]).String(), nil
	case socks5AtypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", trace.Wrap(err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", trace.Wrap(err)
		}
		return string(domain), nil
	default:
		return "", trace.BadParameter("socks5: unsupported address type %d", atyp)
	}
}

// socks5WriteReply writes a CONNECT reply with a zero-valued BND.ADDR/PORT,
// which real SOCKS5 clients accept since they dial the address they asked
// for rather than the one echoed back.
func socks5WriteReply(conn net.Conn, rep byte) error {
	reply := []byte{socks5Version, rep, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return trace.Wrap(err)
}
