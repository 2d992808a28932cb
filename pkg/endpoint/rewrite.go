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

	"github.com/gravitational/trace"
)

// backCompatRef matches the legacy `\N` backreference syntax so it can be
// translated to Go's `${N}` form.
var backCompatRef = regexp.MustCompile(`\\(\d+)`)

// PathRewrite is an anchored regex paired with a substitution template.
type PathRewrite struct {
	MatchRegex  string
	Substitution string

	re *regexp.Regexp
}

func (p *PathRewrite) compile() error {
	re, err := regexp.Compile(anchor(p.MatchRegex))
	if err != nil {
		return trace.Wrap(err, "invalid path rewrite regex %q", p.MatchRegex)
	}
	p.re = re
	return nil
}

// translatedSubstitution rewrites legacy `\N` backreferences into Go's
// `${N}` template form, per spec.md §3's back-compat note.
func (p *PathRewrite) translatedSubstitution() string {
	return backCompatRef.ReplaceAllString(p.Substitution, "${$1}")
}

// PathRewriteGroup tries an ordered list of PathRewrite entries, first
// match wins. If none match, the path becomes "/".
type PathRewriteGroup struct {
	rules []PathRewrite
}

// NewPathRewriteGroup compiles every rule's regex up front.
func NewPathRewriteGroup(rules []PathRewrite) (*PathRewriteGroup, error) {
	g := &PathRewriteGroup{rules: make([]PathRewrite, len(rules))}
	copy(g.rules, rules)
	for i := range g.rules {
		if err := g.rules[i].compile(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return g, nil
}

// Rewrite applies the first matching rule to path, or returns "/" if none
// match.
func (g *PathRewriteGroup) Rewrite(path string) string {
	for _, r := range g.rules {
		if loc := r.re.FindStringSubmatchIndex(path); loc != nil {
			return string(r.re.ExpandString(nil, r.translatedSubstitution(), path, loc))
		}
	}
	return "/"
}
