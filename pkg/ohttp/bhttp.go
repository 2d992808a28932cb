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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/inclavare-containers/tng/pkg/apperr"
)

// Message is the decoded form of a request or response in this package's
// binary HTTP encoding. The encoding follows the layout of RFC 9292's
// known-length messages (control data, header fields, body) but is not
// wire-compatible with RFC 9292: every length is a 4-byte big-endian
// integer rather than a variable-length integer, the leading byte is this
// package's frameRequest/frameResponse tag, the status code is a 4-byte
// integer, and no trailer section is carried. There is no
// indeterminate-length (chunked) variant.
type Message struct {
	IsRequest bool

	// Request fields.
	Method    string
	Scheme    string
	Authority string
	Path      string

	// Response fields.
	StatusCode int

	Header http.Header
	Body   []byte
}

// EncodeRequest serializes an *http.Request into this package's binary
// HTTP encoding (see Message).
func EncodeRequest(req *http.Request) ([]byte, error) {
	body, err := readAll(req.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindBhttp, err)
	}
	msg := Message{
		IsRequest: true,
		Method:    req.Method,
		Scheme:    schemeOf(req),
		Authority: req.Host,
		Path:      pathOf(req),
		Header:    req.Header,
		Body:      body,
	}
	return encodeMessage(msg)
}

// EncodeResponse serializes an *http.Response into this package's binary
// HTTP encoding (see Message).
func EncodeResponse(resp *http.Response) ([]byte, error) {
	body, err := readAll(resp.Body)
	if err != nil {
		return nil, apperr.New(apperr.KindBhttp, err)
	}
	msg := Message{
		IsRequest:  false,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	return encodeMessage(msg)
}

// Decode parses a BHTTP-encoded message. The caller knows from context
// (request side vs. response side) which framing to expect, so the
// leading framing-indicator byte distinguishes the two within this
// package's encoding.
func Decode(raw []byte) (Message, error) {
	r := bytes.NewReader(raw)

	kind, err := readByte(r)
	if err != nil {
		return Message{}, apperr.New(apperr.KindBhttp, err)
	}

	msg := Message{IsRequest: kind == frameRequest}
	if msg.IsRequest {
		msg.Method, err = readString(r)
		if err != nil {
			return Message{}, apperr.New(apperr.KindBhttp, err)
		}
		msg.Scheme, err = readString(r)
		if err != nil {
			return Message{}, apperr.New(apperr.KindBhttp, err)
		}
		msg.Authority, err = readString(r)
		if err != nil {
			return Message{}, apperr.New(apperr.KindBhttp, err)
		}
		msg.Path, err = readString(r)
		if err != nil {
			return Message{}, apperr.New(apperr.KindBhttp, err)
		}
	} else {
		var status uint32
		if err := binary.Read(r, binary.BigEndian, &status); err != nil {
			return Message{}, apperr.New(apperr.KindBhttp, err)
		}
		msg.StatusCode = int(status)
	}

	header, err := readHeader(r)
	if err != nil {
		return Message{}, apperr.New(apperr.KindBhttp, err)
	}
	msg.Header = header

	body, err := readLenPrefixed(r)
	if err != nil {
		return Message{}, apperr.New(apperr.KindBhttp, err)
	}
	msg.Body = body

	return msg, nil
}

// ToRequest rebuilds an *http.Request from a decoded request Message.
//
// msg.Path carries the full request-target (path plus query, per RFC
// 9292's single ":path" pseudo-header), so it must be parsed with
// url.ParseRequestURI rather than assigned to url.URL.Path directly --
// url.URL.String() percent-encodes a literal "?" found inside Path,
// which would otherwise fold the query string into the path and drop
// RawQuery entirely.
func ToRequest(msg Message) (*http.Request, error) {
	req, err := http.NewRequest(msg.Method, "/", bytes.NewReader(msg.Body))
	if err != nil {
		return nil, apperr.New(apperr.KindBhttp, err)
	}

	reqURL, err := url.ParseRequestURI(msg.Path)
	if err != nil {
		return nil, apperr.New(apperr.KindBhttp, err)
	}
	reqURL.Scheme = msg.Scheme
	reqURL.Host = msg.Authority
	req.URL = reqURL

	req.Header = msg.Header
	req.Host = msg.Authority
	return req, nil
}

// ToResponse rebuilds an *http.Response from a decoded response Message.
func ToResponse(msg Message) *http.Response {
	return &http.Response{
		StatusCode: msg.StatusCode,
		Header:     msg.Header,
		Body:       io.NopCloser(bytes.NewReader(msg.Body)),
	}
}

const (
	frameRequest  byte = 0x01
	frameResponse byte = 0x02
)

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if msg.IsRequest {
		buf.WriteByte(frameRequest)
		writeString(&buf, msg.Method)
		writeString(&buf, msg.Scheme)
		writeString(&buf, msg.Authority)
		writeString(&buf, msg.Path)
	} else {
		buf.WriteByte(frameResponse)
		var status [4]byte
		binary.BigEndian.PutUint32(status[:], uint32(msg.StatusCode))
		buf.Write(status[:])
	}
	writeHeader(&buf, msg.Header)
	writeLenPrefixed(&buf, msg.Body)
	return buf.Bytes(), nil
}

func writeString(w *bytes.Buffer, s string) {
	writeLenPrefixed(w, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readLenPrefixed(r)
	return string(b), err
}

func writeLenPrefixed(w *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readByte(r *bytes.Reader) (byte, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeHeader serializes header fields in sorted-key order so encode is
// deterministic (useful for tests and canonical-form comparisons), then
// as a repeated [name][value] length-prefixed sequence terminated by a
// zero-length name.
func writeHeader(w *bytes.Buffer, h http.Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range h[name] {
			writeString(w, name)
			writeString(w, value)
		}
	}
	writeString(w, "")
}

func readHeader(r *bytes.Reader) (http.Header, error) {
	h := make(http.Header)
	for {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return h, nil
		}
		value, err := readString(r)
		if err != nil {
			return nil, err
		}
		h.Add(name, value)
	}
}

func readAll(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	br := bufio.NewReader(r)
	return io.ReadAll(br)
}

func schemeOf(req *http.Request) string {
	if req.URL != nil && req.URL.Scheme != "" {
		return req.URL.Scheme
	}
	return "https"
}

// pathOf returns the request-target BHTTP's ":path" field carries: path
// plus query string, mirroring HTTP/2's ":path" pseudo-header. See
// ToRequest for how this gets split back apart on decode.
func pathOf(req *http.Request) string {
	if req.URL == nil {
		return "/"
	}
	if req.URL.RawQuery != "" {
		return req.URL.Path + "?" + req.URL.RawQuery
	}
	return req.URL.Path
}
