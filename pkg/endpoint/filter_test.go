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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatcherEmptyMatchesAll(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher(nil)
	require.NoError(t, err)
	require.True(t, m.Matches(Endpoint{Host: "anything.example.com", Port: 443}))
}

func TestMatcherHostRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		filters []EndpointFilter
		ep      Endpoint
		want    bool
	}{
		{
			name:    "exact match",
			filters: []EndpointFilter{{Exact: "example.com", Port: 80}},
			ep:      Endpoint{Host: "example.com", Port: 80},
			want:    true,
		},
		{
			name:    "exact mismatch port",
			filters: []EndpointFilter{{Exact: "example.com", Port: 80}},
			ep:      Endpoint{Host: "example.com", Port: 8080},
			want:    false,
		},
		{
			name:    "suffix wildcard",
			filters: []EndpointFilter{{Exact: "*.example.com", Port: 443}},
			ep:      Endpoint{Host: "foo.example.com", Port: 443},
			want:    true,
		},
		{
			name:    "prefix wildcard",
			filters: []EndpointFilter{{Exact: "foo.*", Port: 443}},
			ep:      Endpoint{Host: "foo.bar", Port: 443},
			want:    true,
		},
		{
			name:    "anchored regex",
			filters: []EndpointFilter{{Regex: `api-\d+\.example\.com`, Port: 443}},
			ep:      Endpoint{Host: "api-12.example.com", Port: 443},
			want:    true,
		},
		{
			name:    "regex does not match partial",
			filters: []EndpointFilter{{Regex: `api-\d+`, Port: 443}},
			ep:      Endpoint{Host: "xapi-12x", Port: 443},
			want:    false,
		},
		{
			name:    "default port is 80",
			filters: []EndpointFilter{{Exact: "example.com"}},
			ep:      Endpoint{Host: "example.com", Port: 80},
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := NewMatcher(tt.filters)
			require.NoError(t, err)
			require.Equal(t, tt.want, m.Matches(tt.ep))
			// Calling Matches twice exercises the LRU cache path.
			require.Equal(t, tt.want, m.Matches(tt.ep))
		})
	}
}

func TestFilterRejectsExactAndRegex(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]EndpointFilter{{Exact: "example.com", Regex: "example.com"}})
	require.Error(t, err)
}

func TestFilterRejectsMiddleWildcard(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]EndpointFilter{{Exact: "foo.*.example.com"}})
	require.Error(t, err)
}

func TestFilterRejectsMultipleWildcards(t *testing.T) {
	t.Parallel()
	_, err := NewMatcher([]EndpointFilter{{Exact: "*.example.*"}})
	require.Error(t, err)
}
