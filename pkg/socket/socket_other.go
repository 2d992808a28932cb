// Copyright 2024 Inclavare Containers Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !linux

package socket

import "net"

// TuneAccepted only enables SO_KEEPALIVE outside Linux; SO_MARK and TCP_USER_TIMEOUT are
// Linux-specific and the netfilter ingress/egress modes they support are
// Linux-only per spec.md §4.9/§4.10.
func TuneAccepted(conn *net.TCPConn) error {
	return conn.SetKeepAlive(true)
}

// SetMark is a no-op outside Linux.
func SetMark(conn *net.TCPConn, mark int) error {
	return nil
}
