// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type contextKey struct {
	name string
}

func (k *contextKey) String() string { return "streamhttp context value " + k.name }

var (
	// BindingContextKey is the request context key holding the Binding
	// that a request was dispatched to.
	BindingContextKey = &contextKey{"binding"}
	// StreamContextKey is the request context key holding the StreamInfo
	// of the exchange serving a request.
	StreamContextKey = &contextKey{"stream"}
)

// StreamInfo identifies the streams of an exchange.
type StreamInfo struct {
	Source        string
	SourceID      uint64
	TargetID      uint64
	CorrelationID uint64
}

// BindingFromContext returns the Binding stored in ctx, if any.
func BindingFromContext(ctx context.Context) (b Binding, ok bool) {
	b, ok = ctx.Value(BindingContextKey).(Binding)
	return
}

// StreamFromContext returns the StreamInfo stored in ctx, if any.
func StreamFromContext(ctx context.Context) (si StreamInfo, ok bool) {
	si, ok = ctx.Value(StreamContextKey).(StreamInfo)
	return
}

// requestHeaders returns the header list describing r, pseudo-headers first.
func requestHeaders(r *http.Request) []Header {
	headers := []Header{
		{Name: ":method", Value: r.Method},
		{Name: ":path", Value: r.URL.RequestURI()},
	}
	if r.Host != "" {
		headers = append(headers, Header{Name: ":authority", Value: r.Host})
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	headers = append(headers, Header{Name: ":scheme", Value: scheme})
	for k, vv := range r.Header {
		for _, v := range vv {
			headers = append(headers, Header{Name: strings.ToLower(k), Value: v})
		}
	}
	return headers
}

// newRequest builds a server request from a decoded header list.
func newRequest(ctx context.Context, headers []Header) (*http.Request, error) {
	var method, path, authority, scheme string
	hdr := make(http.Header)
	for _, h := range headers {
		switch h.Name {
		case ":method":
			method = h.Value
		case ":path":
			path = h.Value
		case ":authority":
			authority = h.Value
		case ":scheme":
			scheme = h.Value
		default:
			if h.IsPseudo() {
				return nil, errors.Errorf("unknown pseudo-header %q", h.Name)
			}
			hdr.Add(h.Name, h.Value)
		}
	}
	if method == "" {
		return nil, errors.New("missing :method")
	}
	if path == "" {
		return nil, errors.New("missing :path")
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if authority == "" {
		authority = hdr.Get("Host")
	}
	hdr.Del("Host")
	if scheme != "" && scheme != "http" && scheme != "https" {
		return nil, errors.Errorf("unsupported :scheme %q", scheme)
	}
	req := &http.Request{
		Method:     method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     hdr,
		Body:       http.NoBody,
		Host:       authority,
		RequestURI: path,
	}
	return req.WithContext(ctx), nil
}
