// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Header is one name/value pair of a frame extension. Names starting
// with a colon are pseudo-headers.
type Header struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value string
}

func (h Header) String() string {
	return fmt.Sprintf("%s=%q", h.Name, h.Value)
}

// IsPseudo returns true for colon prefixed header names.
func (h Header) IsPseudo() bool {
	return strings.HasPrefix(h.Name, ":")
}

func validHeader(h Header) bool {
	return httpguts.ValidHeaderFieldName(strings.TrimPrefix(h.Name, ":")) &&
		httpguts.ValidHeaderFieldValue(h.Value)
}

// EncodeHeaders encodes a header list as a frame extension.
// An empty list encodes as no extension.
func EncodeHeaders(headers []Header) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	for _, h := range headers {
		if !validHeader(h) {
			return nil, errors.Errorf("invalid header %v", h)
		}
	}
	b, err := cbor.Marshal(headers)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(b) > MaxExtensionLength {
		return nil, errors.Wrapf(FrameTooLargeError{}, "headers %d", len(b))
	}
	return b, nil
}

// DecodeHeaders decodes a frame extension into a header list.
func DecodeHeaders(ext []byte) (headers []Header, err error) {
	if len(ext) == 0 {
		return nil, nil
	}
	if err = cbor.Unmarshal(ext, &headers); err != nil {
		return nil, malformed("extension: %v", err)
	}
	for _, h := range headers {
		if !validHeader(h) {
			return nil, malformed("invalid header %v", h)
		}
	}
	return
}

// responseHeaders returns the :status pseudo-header followed by the
// headers of hdr sorted by name.
func responseHeaders(code int, hdr http.Header) []Header {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]Header, 0, len(keys)+1)
	headers = append(headers, Header{Name: statusPseudoName, Value: strconv.Itoa(code)})
	for _, k := range keys {
		for _, v := range hdr[k] {
			headers = append(headers, Header{Name: strings.ToLower(k), Value: v})
		}
	}
	return headers
}
