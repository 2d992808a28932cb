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

// Package filewatch watches a single file for content changes, tolerating
// atomic renames (the common "write a temp file, rename over the target"
// pattern editors and config-management tools use). Grounded on
// tng/src/tunnel/utils/file_watcher.rs from original_source/, ported from
// inotify to fsnotify.
package filewatch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Event is the kind of change observed on the watched file.
type Event int

const (
	// EventChanged covers Write, Create, and Rename events -- anything
	// that means "re-read the file", per spec.md §4.8.
	EventChanged Event = iota
	// EventRemoved means the file is gone; spec.md §4.8 says this is
	// tolerated and callers should keep serving the last-good content
	// until a EventChanged recreates it.
	EventRemoved
)

// Watcher watches one file path, notifying a callback on change.
type Watcher struct {
	path string
	dir  string
	fsw  *fsnotify.Watcher
	log  log.FieldLogger
}

// New creates a Watcher for path. It watches the containing directory (not
// just the file) so that atomic renames, which unlink the old inode, are
// still observed.
func New(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, trace.Wrap(err)
	}
	return &Watcher{
		path: path,
		dir:  dir,
		fsw:  fsw,
		log:  log.WithField("component", "filewatch"),
	}, nil
}

// Run delivers events to onEvent until ctx is canceled. It is meant to be
// launched as a supervised task (one task per watched key file, per
// spec.md §5).
func (w *Watcher) Run(ctx context.Context, onEvent func(Event)) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				onEvent(EventChanged)
			case ev.Op&fsnotify.Remove != 0:
				onEvent(EventRemoved)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}
