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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadYAMLMappingIngress(t *testing.T) {
	doc := `
add_ingress:
  - mode: mapping
    in_addr: 127.0.0.1
    in_port: 10000
    out_addr: 127.0.0.1
    out_port: 20000
    ra_args:
      no_ra: true
`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.AddIngress, 1)
	require.Equal(t, IngressModeMapping, cfg.AddIngress[0].Mode)
	require.Equal(t, uint16(10000), cfg.AddIngress[0].InPort)

	ra, err := cfg.AddIngress[0].RaArgs.ToRaArgs()
	require.NoError(t, err)
	require.True(t, ra.IsNoRa())
}

func TestLoadRejectsUnknownField(t *testing.T) {
	doc := `
add_ingress:
  - mode: mapping
    in_addr: 127.0.0.1
    in_port: 10000
    bogus_field: 1
    ra_args:
      no_ra: true
`
	_, err := Load([]byte(doc))
	require.Error(t, err)
}

func TestLoadJSONEquivalent(t *testing.T) {
	doc := `{"add_egress":[{"mode":"mapping","in_addr":"0.0.0.0","in_port":30000,"ra_args":{"no_ra":true}}]}`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cfg.AddEgress, 1)
	require.Equal(t, EgressModeMapping, cfg.AddEgress[0].Mode)
}

func TestCompatShimLiftsAllowNonTngTrafficRegexes(t *testing.T) {
	doc := `
add_ingress:
  - mode: http_proxy
    proxy_listen_addr: 127.0.0.1
    proxy_listen_port: 41000
    allow_non_tng_traffic_regexes:
      - "^/healthz$"
    ra_args:
      no_ra: true
`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Empty(t, cfg.AddIngress[0].AllowNonTngTrafficRegexes)
	require.Equal(t, []DirectForwardRule{{HTTPPath: "^/healthz$"}}, cfg.AddIngress[0].DirectForward)
}

func TestCompatShimRejectsBothFieldsSet(t *testing.T) {
	doc := `
add_ingress:
  - mode: http_proxy
    proxy_listen_addr: 127.0.0.1
    proxy_listen_port: 41000
    allow_non_tng_traffic_regexes:
      - "^/healthz$"
    direct_forward:
      - http_path: "^/other$"
    ra_args:
      no_ra: true
`
	_, err := Load([]byte(doc))
	require.Error(t, err)
}

func TestToRaArgsRejectsEmptyConfig(t *testing.T) {
	_, err := RaArgsConfig{}.ToRaArgs()
	require.Error(t, err)
}
