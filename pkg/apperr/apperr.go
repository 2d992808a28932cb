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

// Package apperr defines the error taxonomy shared across the tunnel
// pipeline and maps it to the HTTP status codes the OHTTP layer returns.
package apperr

import (
	"net/http"

	"github.com/gravitational/trace"
)

// Kind identifies one of the named error variants from the taxonomy.
type Kind string

const (
	KindInvalidParameter     Kind = "InvalidParameter"
	KindInvalidHTTPRequest   Kind = "InvalidHttpRequest"
	KindInvalidOhttpHeader   Kind = "InvalidOhttpApiHeader"
	KindBase64Decode         Kind = "Base64Decode"
	KindMetadataDecode       Kind = "MetadataDecode"
	KindRejectNonTng         Kind = "RejectNonTngRequest"
	KindMetadataTooLong      Kind = "MetadataTooLong"
	KindServerKeyConfigNone  Kind = "ServerKeyConfigNotFound"
	KindNoActiveKey          Kind = "NoActiveKey"
	KindTooManyRequests      Kind = "TooManyRequests"
	KindConnectUpstream      Kind = "ConnectUpstreamFailed"
	KindPlainTextForward     Kind = "HttpPlainTextForwardError"
	KindCipherTextForward    Kind = "HttpCipherTextForwardError"
	KindCipherTextTimeout    Kind = "HttpCipherTextForwardTimeout"
	KindSystemTime           Kind = "SystemTime"
	KindOhttp                Kind = "Ohttp"
	KindBhttp                Kind = "Bhttp"
	KindMetadataValidate     Kind = "MetadataValidate"
	KindMetadataEncode       Kind = "MetadataEncode"
	KindClientGet            Kind = "ClientGetKeyConfig"
	KindServerVerify         Kind = "ServerVerifyAttestation"
	KindRequestKeyConfig     Kind = "RequestKeyConfig"
	KindClientSelectHpke     Kind = "ClientSelectHpke"
	KindGenServerHpke        Kind = "GenServerHpke"
	KindCreateOHttpClient    Kind = "CreateOHttpClient"
	KindLoadPrivateKey       Kind = "LoadPrivateKey"
	KindConstructHTTPResp    Kind = "ConstructHttpResponse"
	KindAAUnavailable        Kind = "AAUnavailable"
)

// statusByKind mirrors the table in spec.md §7.
var statusByKind = map[Kind]int{
	KindInvalidParameter:    http.StatusBadRequest,
	KindInvalidHTTPRequest:  http.StatusBadRequest,
	KindInvalidOhttpHeader:  http.StatusBadRequest,
	KindBase64Decode:        http.StatusBadRequest,
	KindMetadataDecode:      http.StatusBadRequest,
	KindRejectNonTng:        http.StatusForbidden,
	KindMetadataTooLong:     http.StatusRequestEntityTooLarge,
	KindServerKeyConfigNone: http.StatusUnprocessableEntity,
	KindNoActiveKey:         http.StatusUnprocessableEntity,
	KindTooManyRequests:     http.StatusTooManyRequests,
	KindConnectUpstream:     http.StatusBadGateway,
	KindPlainTextForward:    http.StatusBadGateway,
	KindCipherTextForward:   http.StatusBadGateway,
	KindCipherTextTimeout:   http.StatusGatewayTimeout,
	KindSystemTime:          http.StatusInternalServerError,
	KindOhttp:               http.StatusInternalServerError,
	KindBhttp:               http.StatusInternalServerError,
	KindMetadataValidate:    http.StatusInternalServerError,
	KindMetadataEncode:      http.StatusInternalServerError,
	KindClientGet:           http.StatusInternalServerError,
	KindServerVerify:        http.StatusInternalServerError,
	KindRequestKeyConfig:    http.StatusInternalServerError,
	KindClientSelectHpke:    http.StatusInternalServerError,
	KindGenServerHpke:       http.StatusInternalServerError,
	KindCreateOHttpClient:   http.StatusInternalServerError,
	KindLoadPrivateKey:      http.StatusInternalServerError,
	KindConstructHTTPResp:   http.StatusInternalServerError,
	KindAAUnavailable:       http.StatusInternalServerError,
}

// tagged carries a Kind alongside a wrapped trace.Error so that the OHTTP
// server and control-plane handlers can recover the right status code
// without re-inspecting the error message.
type tagged struct {
	kind Kind
	err  error
}

func (t *tagged) Error() string { return t.err.Error() }
func (t *tagged) Unwrap() error { return t.err }

// New tags err with kind, wrapping it with trace the way every teleport
// package does at its call boundary.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &tagged{kind: kind, err: trace.Wrap(err)}
}

// Newf builds a new tagged error from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &tagged{kind: kind, err: trace.Errorf(format, args...)}
}

// KindOf extracts the Kind tagged onto err, if any.
func KindOf(err error) (Kind, bool) {
	var t *tagged
	for err != nil {
		if tt, ok := err.(*tagged); ok {
			t = tt
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if t == nil {
		return "", false
	}
	return t.kind, true
}

// HTTPStatus returns the status code the OHTTP layer should answer with for
// err, defaulting to 500 for untagged errors per spec.md §7.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if code, ok := statusByKind[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Body is the JSON error body shape from spec.md §6.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BodyFor builds the wire error body for err.
func BodyFor(err error) Body {
	kind, ok := KindOf(err)
	if !ok {
		kind = KindConstructHTTPResp
	}
	return Body{Code: string(kind), Message: err.Error()}
}
