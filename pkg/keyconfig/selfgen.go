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

package keyconfig

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/inclavare-containers/tng/pkg/runtime"
)

// DefaultRotationInterval is used when SelfGeneratedConfig.RotationInterval
// is zero, per spec.md §4.8.
const DefaultRotationInterval = 300 * time.Second

// SelfGeneratedConfig configures the self_generated key source.
type SelfGeneratedConfig struct {
	// RotationInterval is how often a new key is generated. Zero means
	// DefaultRotationInterval.
	RotationInterval time.Duration
}

// SelfGenerated generates an X25519 HPKE key pair at construction and
// rotates it on a ticker, retiring (not deleting) the previous key for
// one rotation window so late-arriving requests still decrypt.
type SelfGenerated struct {
	mu       sync.RWMutex
	active   Key
	retired  []Key
	cbs      CallbackManager
	rotation time.Duration
	log      log.FieldLogger
}

// NewSelfGenerated builds a SelfGenerated source with one freshly
// generated key already active.
func NewSelfGenerated(cfg SelfGeneratedConfig) (*SelfGenerated, error) {
	rotation := cfg.RotationInterval
	if rotation <= 0 {
		rotation = DefaultRotationInterval
	}
	s := &SelfGenerated{rotation: rotation, log: log.WithField("component", "keyconfig.self_generated")}
	key, err := generateKey(rotation)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.active = key
	return s, nil
}

func generateKey(rotation time.Duration) (Key, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	now := time.Now()
	stale, expire := newExpiry(now, rotation)
	return Key{
		ID:        newKeyID(),
		Private:   priv,
		Public:    priv.PublicKey(),
		Status:    StatusActive,
		CreatedAt: now,
		StaleAt:   stale,
		ExpireAt:  expire,
	}, nil
}

func (s *SelfGenerated) GetKey() (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *SelfGenerated) GetAllKeys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.retired)+1)
	keys = append(keys, s.active)
	keys = append(keys, s.retired...)
	return keys
}

func (s *SelfGenerated) RegisterCallback(cb Callback) { s.cbs.Register(cb) }

func (s *SelfGenerated) Close() error { return nil }

// LaunchRotation starts the rotation ticker as a supervised task.
func (s *SelfGenerated) LaunchRotation(sup *runtime.Supervisor) {
	sup.Go("keyconfig-self-generated-rotate", func(ctx context.Context) error {
		ticker := time.NewTicker(s.rotation)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.rotate()
			}
		}
	})
}

func (s *SelfGenerated) rotate() {
	next, err := generateKey(s.rotation)
	if err != nil {
		s.log.WithError(err).Error("key rotation failed, keeping previous key")
		return
	}

	s.mu.Lock()
	previous := s.active
	for next.ID == previous.ID {
		next.ID = newKeyID()
	}
	previous.Status = StatusRetired
	now := time.Now()
	var stillRetired []Key
	for _, k := range s.retired {
		if k.ExpireAt.After(now) {
			stillRetired = append(stillRetired, k)
		}
	}
	s.retired = append(stillRetired, previous)
	s.active = next
	s.mu.Unlock()

	s.cbs.Rotate(next, &previous)
	s.log.Debug("rotated self-generated HPKE key")
}
