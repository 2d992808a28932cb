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

package transport

import (
	"net"
	"sync"
	"time"
)

// FirstByteTimeout is the wall-clock deadline applied before the transport
// is handed to the security layer, defending against non-TNG clients
// connecting to a TNG server, per spec.md §4.5/§5.
const FirstByteTimeout = 5 * time.Second

// WithFirstByteTimeout wraps conn so that the first Read must return
// within FirstByteTimeout; once it does, the deadline is cleared and conn
// behaves normally for the rest of its life.
func WithFirstByteTimeout(conn net.Conn) net.Conn {
	return &firstByteConn{Conn: conn}
}

type firstByteConn struct {
	net.Conn
	once sync.Once
	err  error
}

func (c *firstByteConn) Read(p []byte) (int, error) {
	c.once.Do(func() {
		c.err = c.Conn.SetReadDeadline(time.Now().Add(FirstByteTimeout))
	})
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.Conn.Read(p)
	if n > 0 {
		// Got at least one byte; clear the deadline for the rest of the
		// connection's life.
		if clearErr := c.Conn.SetReadDeadline(time.Time{}); clearErr != nil {
			return n, clearErr
		}
	}
	return n, err
}
