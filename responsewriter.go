// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrStreamReset is returned when writing a response the target has reset.
var ErrStreamReset = errors.New("stream reset by target")

// ResponseWriter implements http.ResponseWriter for an Exchange.
// The response is framed onto the exchange's target stream as it is written.
type ResponseWriter struct {
	ex      *Exchange
	header  http.Header
	code    int
	length  int64 // declared body length, negative if unknown
	written int64
	began   bool
	ended   bool
	aborted bool
}

func newResponseWriter(ex *Exchange) *ResponseWriter {
	return &ResponseWriter{
		ex:     ex,
		header: make(http.Header),
		length: -1,
	}
}

// Header returns the response headers.
func (rw *ResponseWriter) Header() http.Header {
	return rw.header
}

// Status returns the status code sent, or zero if none was sent yet.
func (rw *ResponseWriter) Status() int {
	return rw.code
}

func (rw *ResponseWriter) isOpen() bool {
	return rw.began && !rw.ended && !rw.aborted
}

func (rw *ResponseWriter) headers(code int) []Header {
	headers := responseHeaders(code, rw.header)
	valid := headers[:0]
	for _, h := range headers {
		if validHeader(h) {
			valid = append(valid, h)
			continue
		}
		rw.ex.reader.log.Warn("dropping invalid response header", zap.Stringer("header", h))
	}
	return valid
}

// SendResponseHeaders begins the response. If length is zero the response
// is ended at once; if positive it is ended when that many body bytes have
// been written; if negative it stays open until EndResponse or the end of
// the request stream. A second call returns ErrHeadersSent and sends nothing.
func (rw *ResponseWriter) SendResponseHeaders(code int, length int64) error {
	if rw.began {
		return errors.WithStack(ErrHeadersSent)
	}
	ex := rw.ex
	if err := ex.writer.BeginResponse(ex.targetID, ex.referenceID, ex.correlationID, rw.headers(code)); err != nil {
		ex.fail(err)
		return err
	}
	rw.began = true
	rw.code = code
	rw.length = length
	if length == 0 {
		return rw.EndResponse()
	}
	return nil
}

// WriteHeader sends the response headers using the Content-Length header,
// if any, as the body length. Calls after the first are ignored.
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.began {
		rw.ex.reader.log.Debug("superfluous WriteHeader", zap.Int("code", code), zap.Stringer("exchange", rw.ex))
		return
	}
	length := int64(-1)
	if cl := rw.header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			length = n
		}
	}
	if err := rw.SendResponseHeaders(code, length); err != nil {
		rw.ex.reader.log.Debug("WriteHeader", zap.Error(err))
	}
}

// Write writes body bytes, sending a 200 response first if needed.
func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if !rw.began {
		rw.WriteHeader(http.StatusOK)
		if !rw.began {
			if rw.ex.err != nil {
				return 0, rw.ex.err
			}
			return 0, errors.New("response headers not sent")
		}
	}
	return rw.writeBody(p)
}

func (rw *ResponseWriter) writeBody(p []byte) (n int, err error) {
	switch {
	case rw.ended:
		return 0, errors.WithStack(ErrResponseEnded)
	case rw.aborted:
		return 0, errors.WithStack(ErrStreamReset)
	}
	if rw.length >= 0 && int64(len(p)) > rw.length-rw.written {
		p = p[:rw.length-rw.written]
		err = http.ErrContentLength
	}
	var werr error
	n, werr = rw.ex.writer.WriteData(rw.ex.targetID, p)
	rw.written += int64(n)
	if werr != nil {
		rw.ex.fail(werr)
		return n, werr
	}
	if rw.length >= 0 && rw.written == rw.length {
		if eerr := rw.EndResponse(); eerr != nil {
			err = eerr
		}
	}
	return
}

// EndResponse ends the response, sending an empty 200 response first
// if nothing was sent. A second call returns ErrResponseEnded.
func (rw *ResponseWriter) EndResponse() error {
	if !rw.began {
		return rw.SendResponseHeaders(http.StatusOK, 0)
	}
	if rw.ended {
		return errors.WithStack(ErrResponseEnded)
	}
	rw.ended = true
	if rw.aborted {
		return nil
	}
	err := rw.ex.writer.EndResponse(rw.ex.targetID)
	rw.ex.fail(err)
	return err
}

// Flush sends the response headers if they have not been sent.
func (rw *ResponseWriter) Flush() {
	if !rw.began {
		rw.WriteHeader(http.StatusOK)
	}
}

func (rw *ResponseWriter) abort() {
	rw.aborted = true
}

// finish is called when the handler returns.
func (rw *ResponseWriter) finish() {
	if !rw.began {
		rw.WriteHeader(http.StatusOK)
	}
}
