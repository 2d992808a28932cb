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

// Package ohttp implements the OHTTP layer from spec.md §4.7: an
// alternative to rats-TLS for per-request semantics, built on RFC 9458
// Oblivious HTTP over HPKE (RFC 9180), with a binary HTTP encoding laid
// out after RFC 9292 (but not wire-compatible with it; see Message) as the
// encapsulated message format.
package ohttp

import (
	"encoding/binary"
	"io"

	"github.com/inclavare-containers/tng/pkg/apperr"
)

// MetadataMaxLen bounds the preamble carried ahead of the HPKE
// ciphertext on every `message/ohttp-chunked-req` body, per spec.md
// §4.7. It typically carries routing hints (e.g. a rewritten path) the
// egress needs before it can decrypt the request itself.
const MetadataMaxLen = 4096

// Metadata is the plaintext preamble of an ohttp-chunked request.
type Metadata []byte

// ReadMetadata reads the `[u32 BE len][bytes]` preamble from r, rejecting
// anything over MetadataMaxLen with apperr.KindMetadataTooLong.
func ReadMetadata(r io.Reader) (Metadata, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, apperr.New(apperr.KindMetadataDecode, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MetadataMaxLen {
		return nil, apperr.Newf(apperr.KindMetadataTooLong, "metadata length %d exceeds max %d", n, MetadataMaxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, apperr.New(apperr.KindMetadataDecode, err)
	}
	return buf, nil
}

// WriteMetadata writes m as a `[u32 BE len][bytes]` preamble to w.
func WriteMetadata(w io.Writer, m Metadata) error {
	if len(m) > MetadataMaxLen {
		return apperr.Newf(apperr.KindMetadataTooLong, "metadata length %d exceeds max %d", len(m), MetadataMaxLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return apperr.New(apperr.KindMetadataEncode, err)
	}
	if _, err := w.Write(m); err != nil {
		return apperr.New(apperr.KindMetadataEncode, err)
	}
	return nil
}
