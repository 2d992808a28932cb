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

package ohttp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/inclavare-containers/tng/pkg/apperr"
	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/keyconfig"
)

// Upstream forwards a decoded BHTTP request to the real destination and
// returns its response, already BHTTP-encodable. The egress dispatcher
// supplies this; OHTTP itself has no opinion on how the upstream
// connection is made.
type Upstream func(req *http.Request) (*http.Response, error)

// ServerConfig wires a Server to its key source and, optionally,
// attestation collaborators.
type ServerConfig struct {
	Keys     keyconfig.Source
	Upstream Upstream

	// Attest, if set, produces attestation info covering the published
	// key bytes (BackgroundCheck/Passport modes). Nil means the
	// `/tng/key-config` response carries no attestation_info field.
	Attest *attestation.AttestArgs
	Agent  attestation.Agent

	// AS backs the background-check proxy endpoints. Nil if this egress
	// never runs in BackgroundCheck mode.
	AS         attestation.Service
	VerifyArgs *attestation.VerifyArgs
}

// Server implements the four `/tng/` endpoints from spec.md §4.7.
type Server struct {
	cfg ServerConfig
	mux *mux.Router
	log log.FieldLogger
}

// NewServer builds a Server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, mux: mux.NewRouter(), log: log.WithField("component", "ohttp.server")}
	s.mux.HandleFunc("/tng/key-config", s.handleKeyConfig).Methods(http.MethodPost)
	s.mux.HandleFunc("/tng/tunnel", s.handleTunnel).Methods(http.MethodPost)
	s.mux.HandleFunc("/tng/background-check/challenge", s.handleChallenge).Methods(http.MethodGet)
	s.mux.HandleFunc("/tng/background-check/verify", s.handleVerify).Methods(http.MethodPost)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleKeyConfig(w http.ResponseWriter, r *http.Request) {
	keys := s.cfg.Keys.GetAllKeys()
	if len(keys) == 0 {
		writeError(w, apperr.New(apperr.KindNoActiveKey, trace.NotFound("no key configured")))
		return
	}

	encoded, expire, err := EncodeKeyConfigList(keys)
	if err != nil {
		writeError(w, err)
		return
	}

	active, err := s.cfg.Keys.GetKey()
	if err != nil {
		writeError(w, apperr.New(apperr.KindNoActiveKey, err))
		return
	}

	resp := KeyConfigResponse{}
	resp.HpkeKeyConfig.KeyID = active.ID
	resp.HpkeKeyConfig.EncodedKeyConfigList = encoded
	if !expire.IsZero() {
		resp.HpkeKeyConfig.ExpireTimestamp = expire.Unix()
	}

	if s.cfg.Attest != nil && s.cfg.Agent != nil {
		ev, err := s.cfg.Agent.CollectEvidence(r.Context(), *s.cfg.Attest, active.Public.Bytes())
		if err != nil {
			writeError(w, apperr.New(apperr.KindAAUnavailable, err))
			return
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			writeError(w, apperr.New(apperr.KindGenServerHpke, err))
			return
		}
		resp.AttestationInfo = raw
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	metadata, err := ReadMetadata(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	sealed, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidHTTPRequest, err))
		return
	}

	keyID, ciphertext, err := splitKeyID(sealed)
	if err != nil {
		writeError(w, err)
		return
	}
	key := findKey(s.cfg.Keys.GetAllKeys(), keyID)
	if key == nil {
		writeError(w, apperr.Newf(apperr.KindServerKeyConfigNone, "unknown key_id %d", keyID))
		return
	}

	opened, err := OpenRequest(key.Private, ciphertext, metadata)
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := Decode(opened.Plaintext)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := ToRequest(msg)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.cfg.Upstream(req)
	if err != nil {
		writeError(w, apperr.New(apperr.KindConnectUpstream, err))
		return
	}

	respBHTTP, err := EncodeResponse(resp)
	if err != nil {
		writeError(w, err)
		return
	}
	respSealed, err := SealResponse(opened.ExporterSecret, respBHTTP, metadata)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "message/ohttp-chunked-res")
	w.WriteHeader(http.StatusOK)
	WriteMetadata(w, metadata)
	w.Write(respSealed)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AS == nil || s.cfg.VerifyArgs == nil {
		writeError(w, apperr.Newf(apperr.KindInvalidParameter, "background-check not configured on this egress"))
		return
	}
	token, err := s.cfg.AS.Challenge(r.Context(), *s.cfg.VerifyArgs)
	if err != nil {
		writeError(w, apperr.New(apperr.KindServerVerify, err))
		return
	}
	w.Write(token)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AS == nil || s.cfg.VerifyArgs == nil {
		writeError(w, apperr.Newf(apperr.KindInvalidParameter, "background-check not configured on this egress"))
		return
	}
	evidence, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.New(apperr.KindInvalidHTTPRequest, err))
		return
	}
	result, err := s.cfg.AS.VerifyEvidence(r.Context(), *s.cfg.VerifyArgs, evidence, nil)
	if err != nil {
		writeError(w, apperr.New(apperr.KindServerVerify, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func splitKeyID(sealed []byte) (uint8, []byte, error) {
	if len(sealed) < 1 {
		return 0, nil, apperr.Newf(apperr.KindOhttp, "sealed message missing key_id prefix")
	}
	return sealed[0], sealed[1:], nil
}

func findKey(keys []keyconfig.Key, id uint8) *keyconfig.Key {
	for i := range keys {
		if keys[i].ID == id {
			return &keys[i]
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), apperr.BodyFor(err))
}
