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

package endpoint

import (
	"regexp"
	"strings"

	"github.com/armon/go-radix"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"
)

// FilterKind tags which host-matching rule an EndpointFilter uses.
type FilterKind int

const (
	// KindExact matches the host by exact string equality.
	KindExact FilterKind = iota
	// KindWildcard matches an Envoy-compatible "*.example.com" or "foo.*" pattern.
	KindWildcard
	// KindRegex matches an anchored regular expression.
	KindRegex
)

const defaultPort = 80

// EndpointFilter is one filter entry: a host rule paired with a port.
// Construction fails if both Exact and Regex are set on the same filter
// (spec.md §3).
type EndpointFilter struct {
	Exact   string
	Regex   string
	Port    uint16
	compiled hostMatcher
}

type hostMatcher interface {
	match(host string) bool
}

type exactMatcher string

func (e exactMatcher) match(host string) bool { return string(e) == host }

type suffixMatcher string // pattern was "*.example.com"; stores ".example.com"

func (s suffixMatcher) match(host string) bool { return strings.HasSuffix(host, string(s)) }

type prefixMatcher string // pattern was "foo.*"; stores "foo."

func (p prefixMatcher) match(host string) bool { return strings.HasPrefix(host, string(p)) }

type regexMatcher struct{ re *regexp.Regexp }

func (r regexMatcher) match(host string) bool { return r.re.MatchString(host) }

// compile validates and compiles the filter, rejecting Exact+Regex combos
// and middle-"*" wildcard patterns.
func (f *EndpointFilter) compile() error {
	if f.Exact != "" && f.Regex != "" {
		return trace.BadParameter("endpoint_filter: exact and regex cannot both be set")
	}
	if f.Port == 0 {
		f.Port = defaultPort
	}
	switch {
	case f.Regex != "":
		re, err := regexp.Compile(anchor(f.Regex))
		if err != nil {
			return trace.Wrap(err, "invalid regex filter %q", f.Regex)
		}
		f.compiled = regexMatcher{re: re}
	case strings.Contains(f.Exact, "*"):
		m, err := compileWildcard(f.Exact)
		if err != nil {
			return trace.Wrap(err)
		}
		f.compiled = m
	case f.Exact != "":
		f.compiled = exactMatcher(f.Exact)
	default:
		return trace.BadParameter("endpoint_filter: exact or regex must be set")
	}
	return nil
}

func compileWildcard(pattern string) (hostMatcher, error) {
	idx := strings.Index(pattern, "*")
	if strings.Count(pattern, "*") != 1 {
		return nil, trace.BadParameter("endpoint_filter: only a single '*' is supported in %q", pattern)
	}
	switch {
	case idx == 0:
		return suffixMatcher(pattern[1:]), nil
	case idx == len(pattern)-1:
		return prefixMatcher(pattern[:len(pattern)-1]), nil
	default:
		return nil, trace.BadParameter("endpoint_filter: middle-'*' patterns are rejected: %q", pattern)
	}
}

func anchor(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	return pattern
}

// Matcher evaluates a compiled list of EndpointFilter against endpoints.
// An empty filter list matches everything, per spec.md §4.2.
type Matcher struct {
	filters []EndpointFilter
	exact   *radix.Tree // reversed-host -> []int indices into filters, for the common exact case
	cache   *lru.Cache
}

// NewMatcher compiles filters at construction time.
func NewMatcher(filters []EndpointFilter) (*Matcher, error) {
	m := &Matcher{exact: radix.New()}
	for i := range filters {
		f := filters[i]
		if err := f.compile(); err != nil {
			return nil, trace.Wrap(err)
		}
		m.filters = append(m.filters, f)
		if em, ok := f.compiled.(exactMatcher); ok {
			key := reverseString(string(em))
			var idxs []int
			if v, ok := m.exact.Get(key); ok {
				idxs = v.([]int)
			}
			m.exact.Insert(key, append(idxs, i))
		}
	}
	cache, err := lru.New(4096)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.cache = cache
	return m, nil
}

// Matches reports whether e is in scope: true if any filter matches both
// host (by its chosen rule) and port (equality).
func (m *Matcher) Matches(e Endpoint) bool {
	if len(m.filters) == 0 {
		return true
	}
	key := e.String()
	if v, ok := m.cache.Get(key); ok {
		return v.(bool)
	}
	result := m.matchesUncached(e)
	m.cache.Add(key, result)
	return result
}

func (m *Matcher) matchesUncached(e Endpoint) bool {
	if v, ok := m.exact.Get(reverseString(e.Host)); ok {
		for _, idx := range v.([]int) {
			if m.filters[idx].Port == e.Port {
				return true
			}
		}
	}
	for _, f := range m.filters {
		if _, ok := f.compiled.(exactMatcher); ok {
			continue // already checked via the radix index above
		}
		if f.Port == e.Port && f.compiled.match(e.Host) {
			return true
		}
	}
	return false
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
