// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// dataState is the position of an exchange in the Begin, Data, End sequence
// arriving from the source.
type dataState int

const (
	stateBeforeBegin dataState = iota
	stateAfterBeginOrData
	stateAfterRejectOrReset
	stateAfterEnd
)

var dataStateNames = [...]string{"BeforeBegin", "AfterBeginOrData", "AfterRejectOrReset", "AfterEnd"}

func (s dataState) String() string { return dataStateNames[s] }

// throttleState decides which Window frames from the target are relayed
// back to the source.
type throttleState int

const (
	throttleSkipNextWindow throttleState = iota
	throttleNextThenSkipWindow
	throttleNextWindow
)

var throttleStateNames = [...]string{"SkipNextWindow", "NextThenSkipWindow", "NextWindow"}

func (s throttleState) String() string { return throttleStateNames[s] }

// Exchange is the state of one request stream and the response stream
// it is answered on.
type Exchange struct {
	reader        *Reader
	sourceID      uint64
	targetID      uint64
	referenceID   uint64
	correlationID uint64
	credit        int64
	state         dataState
	throttle      throttleState
	writer        *Writer
	rw            *ResponseWriter
	live          bool  // registered as throttle handler and counted
	err           error // first transport error of the response side
}

func newExchange(r *Reader, sourceID uint64) *Exchange {
	return &Exchange{
		reader:   r,
		sourceID: sourceID,
		state:    stateBeforeBegin,
	}
}

func newRejectedExchange(r *Reader, sourceID uint64) *Exchange {
	ex := newExchange(r, sourceID)
	ex.state = stateAfterRejectOrReset
	return ex
}

func (ex *Exchange) String() string {
	return fmt.Sprintf("[Exchange %016x->%016x %v %v credit=%d]",
		ex.sourceID, ex.targetID, ex.state, ex.throttle, ex.credit)
}

func (ex *Exchange) gc() *groupConfig {
	return ex.reader.group.gc
}

func (ex *Exchange) handleFrame(f Frame) error {
	switch ex.state {
	case stateBeforeBegin:
		if b, ok := f.(*Begin); ok {
			return ex.onBegin(b)
		}
		return ex.reject(RejectUnexpectedFrame)
	case stateAfterBeginOrData:
		switch f := f.(type) {
		case *Data:
			return ex.onData(f)
		case *End:
			return ex.onEnd()
		case *Reset:
			return ex.onReset()
		}
		return ex.reject(RejectUnexpectedFrame)
	case stateAfterRejectOrReset:
		switch f := f.(type) {
		case *Data:
			return ex.reader.doWindow(ex.sourceID, int32(len(f.Payload)))
		case *End, *Reset:
			ex.state = stateAfterEnd
			ex.reader.removeStream(ex.sourceID)
		}
	case stateAfterEnd:
	}
	return nil
}

func (ex *Exchange) reject(reason string) error {
	ex.gc().stats.AddRejected(reason)
	if ex.reader.netLog {
		ex.reader.log.Debug("reject", zap.String("reason", reason), zap.Stringer("exchange", ex))
	}
	ex.state = stateAfterRejectOrReset
	return multierr.Append(ex.reader.doReset(ex.sourceID), ex.release())
}

func (ex *Exchange) onBegin(b *Begin) error {
	gc := ex.gc()
	binding, ok := gc.resolver.Resolve(b.ReferenceID)
	if !ok {
		return ex.reject(RejectUnknownReference)
	}
	headers, err := DecodeHeaders(b.Extension)
	if err != nil || len(headers) == 0 {
		return ex.reject(RejectBadRequest)
	}
	req, err := newRequest(context.Background(), headers)
	if err != nil || !binding.Matches(req.URL.Path) {
		if ex.reader.netLog {
			ex.reader.log.Debug("bad request", zap.Error(err), zap.Stringer("frame", b))
		}
		return ex.reject(RejectBadRequest)
	}
	source := ex.reader.group.source
	if ex.writer, err = ex.reader.group.writer(source); err != nil {
		return err
	}

	ex.targetID = gc.ids.Next()
	ex.referenceID = b.ReferenceID
	ex.correlationID = b.CorrelationID
	ex.state = stateAfterBeginOrData
	ex.throttle = throttleSkipNextWindow
	if gc.cfg.RelayInitialWindow {
		ex.throttle = throttleNextThenSkipWindow
	}
	ex.writer.AddThrottle(ex.targetID, ex.onThrottle)
	ex.live = true
	gc.stats.AddExchanges(1)

	ctx := context.WithValue(context.Background(), BindingContextKey, binding)
	ctx = context.WithValue(ctx, StreamContextKey, StreamInfo{
		Source:        source,
		SourceID:      ex.sourceID,
		TargetID:      ex.targetID,
		CorrelationID: ex.correlationID,
	})
	ex.rw = newResponseWriter(ex)
	ex.serve(binding.Handler, req.WithContext(ctx))
	return ex.err
}

// serve calls the handler. A panicking handler is logged and the exchange
// carries on as if the handler had not responded.
func (ex *Exchange) serve(h http.Handler, req *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			err := errors.Wrapf(HandlerFaultError{}, "%v", v)
			ex.gc().stats.AddHandlerFault()
			ex.reader.log.Error("handler fault",
				zap.String("path", req.URL.Path),
				zap.Uint64("stream", ex.sourceID),
				zap.Error(err))
			return
		}
		ex.rw.finish()
	}()
	h.ServeHTTP(ex.rw, req)
}

func (ex *Exchange) onData(d *Data) error {
	ex.credit -= int64(len(d.Payload))
	if ex.credit < 0 {
		return ex.reject(RejectFlowControl)
	}
	if ex.rw.isOpen() {
		if _, err := ex.rw.writeBody(d.Payload); err != nil && IsTransportError(err) {
			return err
		}
	}
	return nil
}

func (ex *Exchange) onEnd() (err error) {
	ex.state = stateAfterEnd
	ex.reader.removeStream(ex.sourceID)
	began := ex.rw.began
	err = ex.release()
	if !began {
		// nothing will ever answer the stream
		err = multierr.Append(err, ex.reader.doReset(ex.sourceID))
	}
	return
}

// onReset handles the source abandoning the request. Nothing more will
// arrive on the stream, so the entry goes away without a Reset back.
func (ex *Exchange) onReset() error {
	ex.state = stateAfterEnd
	ex.reader.removeStream(ex.sourceID)
	if ex.reader.netLog {
		ex.reader.log.Debug("source reset", zap.Stringer("exchange", ex))
	}
	return ex.release()
}

func (ex *Exchange) onThrottle(f Frame) error {
	switch f := f.(type) {
	case *Window:
		switch ex.throttle {
		case throttleSkipNextWindow:
			ex.throttle = throttleNextWindow
		case throttleNextThenSkipWindow:
			ex.throttle = throttleSkipNextWindow
			return ex.relayWindow(f.Credit)
		case throttleNextWindow:
			return ex.relayWindow(f.Credit)
		}
	case *Reset:
		if ex.rw.aborted {
			return nil
		}
		ex.rw.abort()
		return ex.reader.doReset(ex.sourceID)
	}
	return nil
}

func (ex *Exchange) relayWindow(credit int32) error {
	ex.credit += int64(credit)
	return ex.reader.doWindow(ex.sourceID, credit)
}

// fail records err if it makes the response channel unusable.
func (ex *Exchange) fail(err error) {
	if err != nil && ex.err == nil && IsTransportError(err) {
		ex.err = err
	}
}

// release undoes what onBegin set up. It is safe to call more than once.
func (ex *Exchange) release() (err error) {
	if ex.live {
		ex.live = false
		ex.writer.RemoveThrottle(ex.targetID)
		ex.gc().stats.AddExchanges(-1)
		if ex.rw.isOpen() {
			err = ex.rw.EndResponse()
		}
	}
	return
}
