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

// Package attestation models the remote-attestation requirements (RaArgs)
// described in spec.md §3 and the client contracts used to reach the
// external Attestation Agent (AA) and Attestation Service (AS). This
// package never verifies evidence or mints tokens itself -- spec.md §1
// explicitly delegates that to the AA/AS; it only shapes the requests and
// parses the results they return.
package attestation

import (
	"context"
	"os"
	"time"

	"github.com/gravitational/trace"
)

// Model distinguishes the two attestation protocols from spec.md §3.
type Model string

const (
	// ModelBackgroundCheck: raw evidence is produced and sent to the peer,
	// which forwards it to the AS for verification.
	ModelBackgroundCheck Model = "background_check"
	// ModelPassport: the attester obtains a signed token from the AS
	// itself and ships only the token.
	ModelPassport Model = "passport"
)

// DefaultEvidenceRefresh is used when AttestArgs.RefreshInterval is unset.
const DefaultEvidenceRefresh = 10 * time.Minute

// AttestArgs configures how this side produces attestation material.
type AttestArgs struct {
	Model Model
	// AAAddr is the UNIX socket address of the local Attestation Agent.
	AAAddr string
	// RefreshInterval is how often evidence/tokens are refreshed.
	// Zero means "fetch on every use"; unset (nil) means DefaultEvidenceRefresh.
	RefreshInterval *time.Duration
}

// EffectiveRefresh returns the interval to use, applying the unset-vs-zero
// distinction from spec.md §3.
func (a *AttestArgs) EffectiveRefresh() time.Duration {
	if a.RefreshInterval == nil {
		return DefaultEvidenceRefresh
	}
	return *a.RefreshInterval
}

func (a *AttestArgs) checkAndSetDefaults() error {
	if a == nil {
		return nil
	}
	if a.Model != ModelBackgroundCheck && a.Model != ModelPassport {
		return trace.BadParameter("attest_args: unknown model %q", a.Model)
	}
	if a.AAAddr == "" {
		return trace.BadParameter("attest_args: aa_addr is required")
	}
	if _, err := os.Stat(a.AAAddr); err != nil {
		return trace.Wrap(err, "aa socket path does not exist: %v", a.AAAddr)
	}
	return nil
}

// VerifyArgs configures how this side verifies the peer's attestation.
type VerifyArgs struct {
	Model Model
	// ASAddr is the remote AS URL. Required for BackgroundCheck, unused for
	// Passport (spec.md §9 open question: Passport verifiers only check
	// policy_ids and trusted_certs_paths, never an AS URL).
	ASAddr string
	// PolicyIDs are AS policy identifiers evidence/tokens are checked against.
	PolicyIDs []string
	// TrustedCertsPaths lists PEM bundles used to validate a Passport token's
	// signing certificate chain when no AS URL is configured.
	TrustedCertsPaths []string
}

func (v *VerifyArgs) checkAndSetDefaults() error {
	if v == nil {
		return nil
	}
	switch v.Model {
	case ModelBackgroundCheck:
		if v.ASAddr == "" {
			return trace.BadParameter("verify_args: as_addr is required for background_check")
		}
	case ModelPassport:
		// Passport clients cannot revalidate token signatures against an AS
		// URL by design; they rely solely on policy_ids/trusted_certs_paths.
	default:
		return trace.BadParameter("verify_args: unknown model %q", v.Model)
	}
	return nil
}

// RaArgs is exactly one of NoRa, AttestOnly, VerifyOnly, or
// AttestAndVerify, per spec.md §3.
type RaArgs struct {
	noRA   bool
	attest *AttestArgs
	verify *VerifyArgs
}

// NoRa builds the no-attestation variant.
func NoRa() RaArgs { return RaArgs{noRA: true} }

// AttestOnly builds the attester-only variant.
func AttestOnly(a AttestArgs) (RaArgs, error) {
	r := RaArgs{attest: &a}
	return r, r.validate()
}

// VerifyOnly builds the verifier-only variant.
func VerifyOnly(v VerifyArgs) (RaArgs, error) {
	r := RaArgs{verify: &v}
	return r, r.validate()
}

// AttestAndVerify builds the mutual variant.
func AttestAndVerify(a AttestArgs, v VerifyArgs) (RaArgs, error) {
	r := RaArgs{attest: &a, verify: &v}
	return r, r.validate()
}

func (r *RaArgs) validate() error {
	if r.noRA {
		if r.attest != nil || r.verify != nil {
			return trace.BadParameter("ra_args: no_ra cannot be combined with attest or verify")
		}
		return nil
	}
	if r.attest == nil && r.verify == nil {
		return trace.BadParameter("ra_args: exactly one of no_ra, attest, verify must be set")
	}
	if err := r.attest.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := r.verify.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// IsNoRa reports whether this RaArgs carries no attestation requirement.
func (r RaArgs) IsNoRa() bool { return r.noRA }

// Attest returns the AttestArgs, if configured.
func (r RaArgs) Attest() (AttestArgs, bool) {
	if r.attest == nil {
		return AttestArgs{}, false
	}
	return *r.attest, true
}

// Verify returns the VerifyArgs, if configured.
func (r RaArgs) Verify() (VerifyArgs, bool) {
	if r.verify == nil {
		return VerifyArgs{}, false
	}
	return *r.verify, true
}

// Evidence is the raw attestation payload returned by the AA in
// BackgroundCheck mode, or the signed token in Passport mode.
type Evidence struct {
	Model   Model
	Raw     []byte // CBOR-encoded evidence (BackgroundCheck) or token bytes (Passport)
	FromTEE string // TEE type reported by the AA, e.g. "tdx", "sev-snp"
}

// Result is the opaque claim map attached to a stream once verification
// succeeds (spec.md §3 AttestationResult).
type Result struct {
	Claims map[string]interface{}
}

// Agent is the contract this repository uses to reach the local
// Attestation Agent over its UNIX socket. The concrete RPC wiring
// (AA's own protocol) is an external collaborator per spec.md §1; this
// interface is the seam the Cert Manager and OHTTP layer code against.
type Agent interface {
	// CollectEvidence asks the AA for evidence (BackgroundCheck) or a
	// signed token (Passport) covering the supplied claims-binding bytes
	// (e.g. a public key or a certificate's TBS bytes).
	CollectEvidence(ctx context.Context, args AttestArgs, bound []byte) (Evidence, error)
}

// Service is the contract used to reach the remote Attestation Service.
type Service interface {
	// VerifyEvidence validates raw BackgroundCheck evidence against
	// args.PolicyIDs at args.ASAddr and returns the extracted claims.
	VerifyEvidence(ctx context.Context, args VerifyArgs, evidence []byte, bound []byte) (Result, error)
	// VerifyToken validates a Passport token locally (or via AS if an
	// ASAddr happens to be configured) and returns the extracted claims.
	VerifyToken(ctx context.Context, args VerifyArgs, token []byte, bound []byte) (Result, error)
	// Challenge returns a BackgroundCheck nonce token, proxied by the
	// OHTTP server's /tng/background-check/challenge endpoint.
	Challenge(ctx context.Context, args VerifyArgs) ([]byte, error)
}
