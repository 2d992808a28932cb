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
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/inclavare-containers/tng/pkg/filewatch"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

// FileConfig configures the file key source.
type FileConfig struct {
	// Path is a PKCS#8 PEM file holding one X25519 private key.
	Path string
}

// File reads an HPKE key from a PEM file and reloads it on atomic
// rename/write, tolerating Remove events by continuing to serve the last
// good key, per spec.md §4.8.
type File struct {
	mu      sync.RWMutex
	current Key
	cbs     CallbackManager
	watcher *filewatch.Watcher
	log     log.FieldLogger
}

// NewFile loads the initial key from cfg.Path and returns a File source.
func NewFile(cfg FileConfig) (*File, error) {
	f := &File{log: log.WithField("component", "keyconfig.file")}
	key, err := loadKeyFile(cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.current = key

	w, err := filewatch.New(cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.watcher = w
	return f, nil
}

func loadKeyFile(path string) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return Key{}, trace.BadParameter("file key source: no PEM block found in %v", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return Key{}, trace.Wrap(err)
	}
	priv, ok := parsed.(*ecdh.PrivateKey)
	if !ok {
		return Key{}, trace.BadParameter("file key source: %v does not hold an X25519 key", path)
	}
	return Key{
		ID:      newKeyID(),
		Private: priv,
		Public:  priv.PublicKey(),
		Status:  StatusActive,
	}, nil
}

func (f *File) GetKey() (Key, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current, nil
}

func (f *File) GetAllKeys() []Key {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return []Key{f.current}
}

func (f *File) RegisterCallback(cb Callback) { f.cbs.Register(cb) }

func (f *File) Close() error { return f.watcher.Close() }

// LaunchWatch starts the directory-watch-driven reload loop as a
// supervised task.
func (f *File) LaunchWatch(sup *runtime.Supervisor, path string) {
	sup.Go("keyconfig-file-watch", func(ctx context.Context) error {
		return f.watcher.Run(ctx, func(ev filewatch.Event) {
			switch ev {
			case filewatch.EventRemoved:
				// Tolerated: keep serving the last good key until the
				// file reappears.
				f.log.Warn("key file removed, continuing to serve previous key")
			case filewatch.EventChanged:
				key, err := loadKeyFile(path)
				if err != nil {
					f.log.WithError(err).Error("key file reload failed, keeping previous key")
					return
				}
				f.mu.Lock()
				previous := f.current
				f.current = key
				f.mu.Unlock()
				f.cbs.Rotate(key, &previous)
			}
		})
	})
}
