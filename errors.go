// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
)

// MalformedError is returned when a frame cannot be decoded.
type MalformedError struct{}

func (MalformedError) Error() string { return "malformed frame" }

// FrameTooLargeError is returned when a frame field exceeds its wire size.
type FrameTooLargeError struct{}

func (FrameTooLargeError) Error() string { return "frame too large" }

// ChannelFullError is returned when an outbound ring has no room for a frame.
type ChannelFullError struct{}

func (ChannelFullError) Error() string { return "channel full" }

// HandlerFaultError records a request handler that panicked.
type HandlerFaultError struct{}

func (HandlerFaultError) Error() string { return "handler fault" }

// UsageError is returned when the response API is used out of order.
type UsageError string

func (e UsageError) Error() string { return string(e) }

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

var (
	// ErrHeadersSent is returned when response headers are sent twice.
	ErrHeadersSent = UsageError("headers already sent")
	// ErrResponseEnded is returned when writing to or ending an ended response.
	ErrResponseEnded = UsageError("response already ended")
	// ErrServerClosed is returned by Server.Serve after Close.
	ErrServerClosed error = serverClosedError{}
	// ErrAlreadyBound is returned by Registry.Bind for a bound path.
	ErrAlreadyBound = errors.New("path already bound")
	// ErrNotBound is returned by Registry.Unbind for an unbound path.
	ErrNotBound = errors.New("path not bound")
)

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(MalformedError{}, format, args...)
}

// IsMalformed returns true if the cause of err is a MalformedError.
func IsMalformed(err error) bool {
	_, ok := errors.Cause(err).(MalformedError)
	return ok
}

// IsTransportError returns true if the cause of err means the channel
// it happened on can not be used any more.
func IsTransportError(err error) bool {
	switch errors.Cause(err) {
	case ChannelFullError{}, ringbuf.ErrClosed, ringbuf.ErrFull, ringbuf.ErrTooLarge, ringbuf.ErrNotFound:
		return true
	}
	return false
}
