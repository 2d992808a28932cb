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

// Package config implements the TngConfig data model and loader from
// spec.md §6: a JSON/YAML document describing the control interface,
// metrics, and every ingress/egress endpoint this process runs.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/endpoint"
)

// TngConfig is the top-level configuration document.
type TngConfig struct {
	Metric          *MetricConfig    `json:"metric,omitempty"`
	ControlInterface *ControlInterfaceConfig `json:"control_interface,omitempty"`
	AddIngress      []IngressConfig  `json:"add_ingress,omitempty"`
	AddEgress       []EgressConfig   `json:"add_egress,omitempty"`
}

// MetricConfig configures the Prometheus exporter.
type MetricConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// ControlInterfaceConfig configures the /livez, /readyz control surface.
type ControlInterfaceConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// RaArgsConfig is the wire shape of attestation.RaArgs, tagged by which
// of no_ra/attest/verify/attest+verify fields are present.
type RaArgsConfig struct {
	NoRA   bool                `json:"no_ra,omitempty"`
	Attest *AttestArgsConfig   `json:"attest,omitempty"`
	Verify *VerifyArgsConfig   `json:"verify,omitempty"`
}

// AttestArgsConfig is the wire shape of attestation.AttestArgs.
type AttestArgsConfig struct {
	Model           string `json:"model"`
	AAAddr          string `json:"aa_addr"`
	RefreshInterval *int64 `json:"refresh_interval_secs,omitempty"`
}

// VerifyArgsConfig is the wire shape of attestation.VerifyArgs.
type VerifyArgsConfig struct {
	Model             string   `json:"model"`
	ASAddr            string   `json:"as_addr,omitempty"`
	PolicyIDs         []string `json:"policy_ids,omitempty"`
	TrustedCertsPaths []string `json:"trusted_certs_paths,omitempty"`
}

// OhttpConfig switches a tunnel endpoint from rats-TLS to OHTTP.
type OhttpConfig struct {
	Path string `json:"path,omitempty"` // ingress only: prefix placed before /tng/tunnel and /tng/key-config

	// Keys configures the HPKE key-config source, only meaningful on the
	// egress (publishing) side of an OHTTP endpoint, per spec.md §4.8.
	Keys *KeyConfig `json:"key_config,omitempty"`
}

// KeyConfig is the wire shape of an egress's HPKE key source: exactly one
// of SelfGenerated, File, or PeerShared, per spec.md §4.8.
type KeyConfig struct {
	SelfGenerated *SelfGeneratedKeyConfig `json:"self_generated,omitempty"`
	File          *FileKeyConfig          `json:"file,omitempty"`
	PeerShared    *PeerSharedKeyConfig    `json:"peer_shared,omitempty"`
}

// SelfGeneratedKeyConfig is the wire shape of keyconfig.SelfGeneratedConfig.
type SelfGeneratedKeyConfig struct {
	// RotationIntervalSeconds is how often a new key is generated. Zero
	// means keyconfig.DefaultRotationInterval (300s).
	RotationIntervalSeconds int64 `json:"rotation_interval,omitempty"`
}

// FileKeyConfig is the wire shape of keyconfig.FileConfig.
type FileKeyConfig struct {
	Path string `json:"path"`
}

// PeerSharedKeyConfig is the wire shape of keyconfig.PeerSharedConfig,
// wrapping one local source (self_generated or file) that this replica
// advertises, plus the peer addresses it syncs with.
type PeerSharedKeyConfig struct {
	Local               KeyConfig `json:"local"`
	Peers               []string  `json:"peers"`
	SyncIntervalSeconds int64     `json:"sync_interval,omitempty"`
	Verify              *VerifyArgsConfig `json:"verify,omitempty"`
}

// EncapInHTTPConfig wraps the carrier in an extra HTTP/2-framed hop.
type EncapInHTTPConfig struct {
	Enabled bool `json:"enabled"`
}

// EndpointFilterConfig is the wire shape of endpoint.EndpointFilter.
type EndpointFilterConfig struct {
	Exact string `json:"exact,omitempty"`
	Regex string `json:"regex,omitempty"`
	Port  uint16 `json:"port,omitempty"`
}

// PathRewriteConfig is the wire shape of one endpoint.PathRewrite rule.
type PathRewriteConfig struct {
	MatchRegex   string `json:"match_regex"`
	Substitution string `json:"substitution"`
}

// DirectForwardRule names a bypass rule: requests matching HTTPPath (and,
// for mapping mode, Domain) skip the tunnel entirely.
type DirectForwardRule struct {
	Domain   string `json:"domain,omitempty"`
	HTTPPath string `json:"http_path,omitempty"`
}

// IngressMode tags which of the four ingress dispatch modes an
// IngressConfig uses.
type IngressMode string

const (
	IngressModeMapping   IngressMode = "mapping"
	IngressModeHTTPProxy IngressMode = "http_proxy"
	IngressModeSocks5    IngressMode = "socks5"
	IngressModeNetfilter IngressMode = "netfilter"
)

// IngressConfig is one `add_ingress` entry.
type IngressConfig struct {
	Mode IngressMode `json:"mode"`

	// mapping
	InAddr  string `json:"in_addr,omitempty"`
	InPort  uint16 `json:"in_port,omitempty"`
	OutAddr string `json:"out_addr,omitempty"`
	OutPort uint16 `json:"out_port,omitempty"`

	// http_proxy / socks5
	ProxyListenAddr string `json:"proxy_listen_addr,omitempty"`
	ProxyListenPort uint16 `json:"proxy_listen_port,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`

	// netfilter
	NetfilterListenAddr string `json:"netfilter_listen_addr,omitempty"`
	NetfilterListenPort uint16 `json:"netfilter_listen_port,omitempty"`

	EndpointFilters []EndpointFilterConfig `json:"endpoint_filters,omitempty"`
	PathRewrites    []PathRewriteConfig    `json:"path_rewrites,omitempty"`

	// Deprecated; silently lifted into DirectForward at load time per
	// spec.md §9's compatibility shim.
	AllowNonTngTrafficRegexes []string            `json:"allow_non_tng_traffic_regexes,omitempty"`
	DirectForward             []DirectForwardRule `json:"direct_forward,omitempty"`

	RaArgs       RaArgsConfig       `json:"ra_args"`
	Ohttp        *OhttpConfig       `json:"ohttp,omitempty"`
	EncapInHTTP  *EncapInHTTPConfig `json:"encap_in_http,omitempty"`
}

// EgressMode tags which of the two egress dispatch modes an EgressConfig
// uses.
type EgressMode string

const (
	EgressModeMapping   EgressMode = "mapping"
	EgressModeNetfilter EgressMode = "netfilter"
)

// EgressConfig is one `add_egress` entry.
type EgressConfig struct {
	Mode EgressMode `json:"mode"`

	InAddr     string `json:"in_addr"`
	InPort     uint16 `json:"in_port"`
	UpstreamAddr string `json:"upstream_addr,omitempty"`
	UpstreamPort uint16 `json:"upstream_port,omitempty"`

	DirectForward []DirectForwardRule `json:"direct_forward,omitempty"`

	RaArgs      RaArgsConfig       `json:"ra_args"`
	Ohttp       *OhttpConfig       `json:"ohttp,omitempty"`
	EncapInHTTP *EncapInHTTPConfig `json:"encap_in_http,omitempty"`
}

// Load parses a JSON or YAML config document, rejecting unknown fields
// anywhere in the document per spec.md §6, and applies the
// allow_non_tng_traffic_regexes compatibility shim.
func Load(raw []byte) (*TngConfig, error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, trace.Wrap(err, "config: invalid YAML/JSON")
	}

	var cfg TngConfig
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, trace.Wrap(err, "config: unknown or malformed field")
	}

	if err := applyCompatShim(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	return &cfg, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*TngConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return Load(raw)
}

// ToRaArgs converts the wire shape into attestation.RaArgs, validating the
// no_ra/attest/verify exclusivity rule along the way.
func (c RaArgsConfig) ToRaArgs() (attestation.RaArgs, error) {
	switch {
	case c.NoRA:
		if c.Attest != nil || c.Verify != nil {
			return attestation.RaArgs{}, trace.BadParameter("ra_args: no_ra cannot be combined with attest or verify")
		}
		return attestation.NoRa(), nil
	case c.Attest != nil && c.Verify != nil:
		return attestation.AttestAndVerify(c.Attest.toAttestArgs(), c.Verify.toVerifyArgs())
	case c.Attest != nil:
		return attestation.AttestOnly(c.Attest.toAttestArgs())
	case c.Verify != nil:
		return attestation.VerifyOnly(c.Verify.toVerifyArgs())
	default:
		return attestation.RaArgs{}, trace.BadParameter("ra_args: exactly one of no_ra, attest, verify must be set")
	}
}

func (c *AttestArgsConfig) toAttestArgs() attestation.AttestArgs {
	a := attestation.AttestArgs{
		Model:  attestation.Model(c.Model),
		AAAddr: c.AAAddr,
	}
	if c.RefreshInterval != nil {
		d := time.Duration(*c.RefreshInterval) * time.Second
		a.RefreshInterval = &d
	}
	return a
}

// Validate checks that exactly one key-source variant is set, per
// spec.md §4.8. Building the actual keyconfig.Source is left to the
// caller since peer_shared needs a live transport to reach its peers.
func (c *KeyConfig) Validate() error {
	set := 0
	if c.SelfGenerated != nil {
		set++
	}
	if c.File != nil {
		set++
	}
	if c.PeerShared != nil {
		set++
		if c.PeerShared.Local.PeerShared != nil {
			return trace.BadParameter("key_config: peer_shared.local cannot itself be peer_shared")
		}
		if err := c.PeerShared.Local.Validate(); err != nil {
			return trace.Wrap(err)
		}
	}
	if set != 1 {
		return trace.BadParameter("key_config: exactly one of self_generated, file, peer_shared must be set")
	}
	return nil
}

func (c *VerifyArgsConfig) toVerifyArgs() attestation.VerifyArgs {
	return attestation.VerifyArgs{
		Model:             attestation.Model(c.Model),
		ASAddr:            c.ASAddr,
		PolicyIDs:         c.PolicyIDs,
		TrustedCertsPaths: c.TrustedCertsPaths,
	}
}

// ToEndpointFilter converts the wire shape into endpoint.EndpointFilter.
func (c EndpointFilterConfig) ToEndpointFilter() endpoint.EndpointFilter {
	return endpoint.EndpointFilter{Exact: c.Exact, Regex: c.Regex, Port: c.Port}
}

// ToEndpointFilters converts a slice in one pass.
func ToEndpointFilters(cs []EndpointFilterConfig) []endpoint.EndpointFilter {
	out := make([]endpoint.EndpointFilter, len(cs))
	for i, c := range cs {
		out[i] = c.ToEndpointFilter()
	}
	return out
}

// ToPathRewrite converts the wire shape into endpoint.PathRewrite.
func (c PathRewriteConfig) ToPathRewrite() endpoint.PathRewrite {
	return endpoint.PathRewrite{MatchRegex: c.MatchRegex, Substitution: c.Substitution}
}

// ToPathRewrites converts a slice in one pass.
func ToPathRewrites(cs []PathRewriteConfig) []endpoint.PathRewrite {
	out := make([]endpoint.PathRewrite, len(cs))
	for i, c := range cs {
		out[i] = c.ToPathRewrite()
	}
	return out
}

// applyCompatShim lifts the deprecated allow_non_tng_traffic_regexes
// field into direct_forward rules, per spec.md §9. Setting both fails
// load, since the two would otherwise silently compose in an
// unspecified order.
func applyCompatShim(cfg *TngConfig) error {
	for i := range cfg.AddIngress {
		ing := &cfg.AddIngress[i]
		if len(ing.AllowNonTngTrafficRegexes) == 0 {
			continue
		}
		if len(ing.DirectForward) > 0 {
			return trace.BadParameter("ingress[%d]: allow_non_tng_traffic_regexes and direct_forward cannot both be set", i)
		}
		for _, re := range ing.AllowNonTngTrafficRegexes {
			ing.DirectForward = append(ing.DirectForward, DirectForwardRule{HTTPPath: re})
		}
		ing.AllowNonTngTrafficRegexes = nil
	}
	return nil
}
