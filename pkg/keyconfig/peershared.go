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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

// PeerSharedConfig configures the peer_shared key source.
type PeerSharedConfig struct {
	// Local is this replica's own key source (self_generated or file),
	// whose keys are advertised to peers.
	Local Source
	// Peers lists the other replicas' addresses to sync with.
	Peers []string
	// SyncInterval is how often peers are polled for their current keys.
	SyncInterval time.Duration
	// Verify validates a peer's attestation over its advertised public
	// key bytes before that peer's keys are trusted.
	Verify *attestation.VerifyArgs
	AS     attestation.Service
	// FetchPeer retrieves one peer's currently active keys plus the
	// attestation evidence covering them. The transport is supplied by
	// the caller, since this package has no opinion on carrier selection
	// (cmd/tng uses a plain HTTP POST of the peer's /tng/key-config).
	FetchPeer func(ctx context.Context, addr string) (Key, []byte, error)
}

// PeerShared merges this replica's own self-generated/file keys with
// periodically synced keys from its peers, so that a client may land on
// any replica and still find a key it can decrypt against, per spec.md
// §4.8. There is no gossip membership library in the example corpus;
// this is a plain periodic full-sync rather than a true gossip protocol.
type PeerShared struct {
	cfg PeerSharedConfig

	mu    sync.RWMutex
	peers map[string]Key
	cbs   CallbackManager
	log   log.FieldLogger
}

// NewPeerShared builds a PeerShared source backed by cfg.Local.
func NewPeerShared(cfg PeerSharedConfig) *PeerShared {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	return &PeerShared{
		cfg:   cfg,
		peers: make(map[string]Key),
		log:   log.WithField("component", "keyconfig.peer_shared"),
	}
}

func (p *PeerShared) GetKey() (Key, error) { return p.cfg.Local.GetKey() }

func (p *PeerShared) GetAllKeys() []Key {
	keys := p.cfg.Local.GetAllKeys()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.peers {
		keys = append(keys, k)
	}
	return keys
}

func (p *PeerShared) RegisterCallback(cb Callback) {
	p.cfg.Local.RegisterCallback(cb)
	p.cbs.Register(cb)
}

func (p *PeerShared) Close() error { return p.cfg.Local.Close() }

// LaunchSync starts the periodic peer-poll loop as a supervised task.
func (p *PeerShared) LaunchSync(sup *runtime.Supervisor) {
	sup.Go("keyconfig-peer-shared-sync", func(ctx context.Context) error {
		ticker := time.NewTicker(p.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.syncOnce(ctx)
			}
		}
	})
}

func (p *PeerShared) syncOnce(ctx context.Context) {
	for _, addr := range p.cfg.Peers {
		key, evidenceRaw, err := p.cfg.FetchPeer(ctx, addr)
		if err != nil {
			p.log.WithError(err).WithField("peer", addr).Warn("peer key sync failed, keeping previous state")
			continue
		}
		if p.cfg.Verify != nil && p.cfg.AS != nil {
			if _, err := p.cfg.AS.VerifyEvidence(ctx, *p.cfg.Verify, evidenceRaw, publicKeyBytes(key)); err != nil {
				p.log.WithError(err).WithField("peer", addr).Warn("peer attestation failed, rejecting its keys")
				continue
			}
		}

		p.mu.Lock()
		previous, had := p.peers[addr]
		p.peers[addr] = key
		p.mu.Unlock()

		if had {
			p.cbs.Rotate(key, &previous)
		} else {
			p.cbs.Rotate(key, nil)
		}
	}
}

func publicKeyBytes(k Key) []byte {
	if k.Public == nil {
		return nil
	}
	return k.Public.Bytes()
}
