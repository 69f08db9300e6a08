// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// FastHTTPHandler returns an http.Handler running a fasthttp request
// handler, so that fasthttp handlers can be bound in a Registry.
// The fasthttp response is buffered and sent with a Content-Length.
func FastHTTPHandler(h fasthttp.RequestHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req fasthttp.Request
		req.Header.SetMethod(r.Method)
		uri := r.RequestURI
		if uri == "" {
			uri = r.URL.RequestURI()
		}
		req.SetRequestURI(uri)
		req.Header.SetHost(r.Host)
		for k, vv := range r.Header {
			for _, v := range vv {
				req.Header.Add(k, v)
			}
		}
		if r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.SetBody(body)
		}

		var ctx fasthttp.RequestCtx
		ctx.Init(&req, nil, nil)
		h(&ctx)

		resp := &ctx.Response
		resp.Header.VisitAll(func(k, v []byte) {
			if string(k) != fasthttp.HeaderContentLength {
				w.Header().Add(string(k), string(v))
			}
		})
		body := resp.Body()
		w.Header().Set(fasthttp.HeaderContentLength, strconv.Itoa(len(body)))
		w.WriteHeader(resp.StatusCode())
		if len(body) > 0 {
			_, _ = w.Write(body)
		}
	})
}

// HandleFastHTTP serves the gateway from a fasthttp server.
func (g *Gateway) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	fasthttpadaptor.NewFastHTTPHandler(g)(ctx)
}
