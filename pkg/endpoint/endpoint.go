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

// Package endpoint implements the Endpoint Matcher & Path Rewriter
// component from spec.md §4.2: deciding whether a flow is in scope for the
// tunnel, and rewriting outbound HTTP paths.
package endpoint

import "fmt"

// Endpoint is a (host, port) pair. Host may be empty on the listen side
// (meaning "all interfaces"); spec.md §3 requires host to always be
// present on the dial side -- callers that dial must enforce that
// themselves, this type only carries the value.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	if e.Host == "" {
		return fmt.Sprintf(":%d", e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
