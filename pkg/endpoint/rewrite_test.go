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

func TestPathRewriteGroup(t *testing.T) {
	t.Parallel()

	g, err := NewPathRewriteGroup([]PathRewrite{
		{MatchRegex: `/foo/bar/(.*)`, Substitution: `/foo/bar`},
		{MatchRegex: `/api/v1/(\w+)/(\w+)`, Substitution: `\2/\1`},
	})
	require.NoError(t, err)

	require.Equal(t, "/foo/bar", g.Rewrite("/foo/bar/www?type=1&case=1"))
	require.Equal(t, "beta/alpha", g.Rewrite("/api/v1/alpha/beta"))
	require.Equal(t, "/", g.Rewrite("/unrelated/path"))
}

func TestPathRewriteGroupEmptyRewritesNoMatchToRoot(t *testing.T) {
	t.Parallel()
	g, err := NewPathRewriteGroup(nil)
	require.NoError(t, err)
	require.Equal(t, "/", g.Rewrite("/anything"))
}
