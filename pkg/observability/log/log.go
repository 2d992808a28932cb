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

// Package log configures process-wide logging the way teleport's
// components do: a logrus logger with fields keyed by component name,
// filterable by the TNG_LOG_LEVEL and TNG_LOG_STYLE environment variables
// from spec.md §6.
package log

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	envLevel = "TNG_LOG_LEVEL"
	envStyle = "TNG_LOG_STYLE"
)

// Init configures the standard logrus logger from the environment.
// Unrecognized values fall back to "info"/text, matching the permissive
// parsing teleport's own CLI flag handling uses.
func Init() {
	lvl, err := log.ParseLevel(strings.ToLower(envOrDefault(envLevel, "info")))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	switch strings.ToLower(envOrDefault(envStyle, "text")) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Component returns a field logger scoped to a pipeline component, the way
// teleport.Component(...) tags every subsystem logger.
func Component(name string) log.FieldLogger {
	return log.WithField("component", name)
}
