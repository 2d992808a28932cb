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

// Package keyconfig implements the three OHTTP key sources from spec.md
// §4.8: self_generated, file, and peer_shared. All three expose the same
// capability set so the OHTTP server can depend on a single interface
// regardless of which source backs it.
package keyconfig

import (
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Status distinguishes an active key (used for new seals) from a
// retired one (kept only to decrypt late-arriving requests).
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// KeyID identifies one HPKE key configuration.
type KeyID = uint8

// Key is one HPKE key pair plus its lifecycle metadata.
type Key struct {
	ID        KeyID
	Private   *ecdh.PrivateKey
	Public    *ecdh.PublicKey
	Status    Status
	CreatedAt time.Time
	StaleAt   time.Time // becomes Retired at this time
	ExpireAt  time.Time // deleted at this time
}

// Event is fired to CallbackManager subscribers when the active key set
// changes.
type Event int

const (
	EventCreated Event = iota
	EventRemoved
)

// Callback receives key lifecycle notifications.
type Callback func(Event, Key)

// CallbackManager fans lifecycle events out to subscribers in
// registration order, and guarantees Created fires before Removed for
// the same logical rotation so subscribers see a brief overlap.
type CallbackManager struct {
	mu        sync.Mutex
	callbacks []Callback
}

// Register adds cb to the notification list.
func (m *CallbackManager) Register(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Rotate notifies subscribers, in registration order, that created
// becomes active and removed (if non-zero) is gone.
func (m *CallbackManager) Rotate(created Key, removed *Key) {
	m.mu.Lock()
	cbs := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(EventCreated, created)
	}
	if removed != nil {
		for _, cb := range cbs {
			cb(EventRemoved, *removed)
		}
	}
}

// Source is the shape every key source implements, per spec.md §4.8's
// "same capability set, dispatch by tagged variant at construction."
type Source interface {
	// GetKey returns the current key used for new seal operations.
	GetKey() (Key, error)
	// GetAllKeys returns every key still usable for open (active + retired).
	GetAllKeys() []Key
	// RegisterCallback subscribes to lifecycle events.
	RegisterCallback(cb Callback)
	// Close releases resources (watchers, tickers) held by the source.
	Close() error
}

func newKeyID() KeyID {
	// A full uuid is overkill for a one-byte RFC 9458 key_id; one byte of
	// it serves as the random source, without a package-level PRNG. Two
	// keys can draw the same id; SelfGenerated.rotate redraws when the new
	// id equals the active key's.
	id := uuid.New()
	return id[0]
}

func newExpiry(createdAt time.Time, rotation time.Duration) (stale, expire time.Time) {
	if rotation <= 0 {
		return time.Time{}, time.Time{}
	}
	return createdAt.Add(rotation), createdAt.Add(2 * rotation)
}

var errNoActiveKey = trace.NotFound("no active key configured")
