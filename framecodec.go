// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// FrameCodec encodes frames into a reused scratch buffer and decodes
// them into reused frame values. A FrameCodec must not be used
// concurrently.
type FrameCodec struct {
	maxMsg int
	buf    []byte
	begin  Begin
	data   Data
	end    End
	window Window
	reset  Reset
}

// NewFrameCodec returns a FrameCodec producing messages of at most
// maxMessageLength bytes.
func NewFrameCodec(maxMessageLength int) *FrameCodec {
	return &FrameCodec{
		maxMsg: maxMessageLength,
		buf:    make([]byte, maxMessageLength),
	}
}

// MaxMessageLength returns the largest message the codec will encode.
func (c *FrameCodec) MaxMessageLength() int {
	return c.maxMsg
}

// MaxDataPayload returns the largest payload that fits in a Data frame.
func (c *FrameCodec) MaxDataPayload() int {
	n := c.maxMsg - dataHeaderSize
	if n > MaxDataPayload {
		n = MaxDataPayload
	}
	return n
}

func (c *FrameCodec) scratch(n int, what string) ([]byte, error) {
	if n > c.maxMsg {
		return nil, errors.Wrapf(FrameTooLargeError{}, "%s: %d > %d", what, n, c.maxMsg)
	}
	return c.buf[:n], nil
}

// Encode writes f to the scratch buffer and returns it. The returned
// slice is only valid until the next call to Encode.
func (c *FrameCodec) Encode(f Frame) (b []byte, err error) {
	switch f := f.(type) {
	case *Begin:
		if len(f.Extension) > MaxExtensionLength {
			return nil, errors.Wrapf(FrameTooLargeError{}, "begin extension %d", len(f.Extension))
		}
		if b, err = c.scratch(beginHeaderSize+len(f.Extension), "begin"); err == nil {
			binary.BigEndian.PutUint64(b, f.StreamID)
			binary.BigEndian.PutUint64(b[8:], f.ReferenceID)
			binary.BigEndian.PutUint64(b[16:], f.CorrelationID)
			binary.BigEndian.PutUint16(b[24:], uint16(len(f.Extension)))
			copy(b[beginHeaderSize:], f.Extension)
		}
	case *Data:
		if len(f.Payload) > MaxDataPayload {
			return nil, errors.Wrapf(FrameTooLargeError{}, "data payload %d", len(f.Payload))
		}
		if b, err = c.scratch(dataHeaderSize+len(f.Payload), "data"); err == nil {
			binary.BigEndian.PutUint64(b, f.StreamID)
			binary.BigEndian.PutUint16(b[8:], uint16(len(f.Payload)))
			copy(b[dataHeaderSize:], f.Payload)
		}
	case *End:
		if len(f.Extension) > MaxExtensionLength {
			return nil, errors.Wrapf(FrameTooLargeError{}, "end extension %d", len(f.Extension))
		}
		if b, err = c.scratch(endHeaderSize+len(f.Extension), "end"); err == nil {
			binary.BigEndian.PutUint64(b, f.StreamID)
			binary.BigEndian.PutUint16(b[8:], uint16(len(f.Extension)))
			copy(b[endHeaderSize:], f.Extension)
		}
	case *Window:
		if b, err = c.scratch(windowFrameSize, "window"); err == nil {
			binary.BigEndian.PutUint64(b, f.StreamID)
			binary.BigEndian.PutUint32(b[8:], uint32(f.Credit))
		}
	case *Reset:
		if b, err = c.scratch(resetFrameSize, "reset"); err == nil {
			binary.BigEndian.PutUint64(b, f.StreamID)
		}
	default:
		err = errors.Errorf("can't encode %T", f)
	}
	return
}

// PeekStreamID returns the stream id of an encoded frame without decoding it.
func PeekStreamID(msg []byte) (uint64, error) {
	if len(msg) < streamIDSize {
		return 0, malformed("short frame: %d bytes", len(msg))
	}
	return binary.BigEndian.Uint64(msg), nil
}

// Decode decodes one frame. The returned frame and any slices it holds
// refer to codec owned memory and msg, and are only valid until the next
// call to Decode and for as long as msg is unchanged.
func (c *FrameCodec) Decode(typeID int32, msg []byte) (Frame, error) {
	ft := FrameType(typeID)
	if !ft.IsValid() {
		return nil, malformed("unknown frame type 0x%08x", typeID)
	}
	id, err := PeekStreamID(msg)
	if err != nil {
		return nil, err
	}
	switch ft {
	case FrameTypeBegin:
		if len(msg) < beginHeaderSize {
			return nil, malformed("short begin: %d bytes", len(msg))
		}
		n := int(binary.BigEndian.Uint16(msg[24:]))
		if len(msg)-beginHeaderSize < n {
			return nil, malformed("begin extension %d exceeds %d bytes", n, len(msg)-beginHeaderSize)
		}
		c.begin = Begin{
			StreamID:      id,
			ReferenceID:   binary.BigEndian.Uint64(msg[8:]),
			CorrelationID: binary.BigEndian.Uint64(msg[16:]),
		}
		if n > 0 {
			c.begin.Extension = msg[beginHeaderSize : beginHeaderSize+n]
		}
		return &c.begin, nil
	case FrameTypeData:
		if len(msg) < dataHeaderSize {
			return nil, malformed("short data: %d bytes", len(msg))
		}
		n := int(binary.BigEndian.Uint16(msg[8:]))
		if len(msg)-dataHeaderSize < n {
			return nil, malformed("data payload %d exceeds %d bytes", n, len(msg)-dataHeaderSize)
		}
		c.data = Data{StreamID: id, Payload: msg[dataHeaderSize : dataHeaderSize+n]}
		return &c.data, nil
	case FrameTypeEnd:
		if len(msg) < endHeaderSize {
			return nil, malformed("short end: %d bytes", len(msg))
		}
		n := int(binary.BigEndian.Uint16(msg[8:]))
		if len(msg)-endHeaderSize < n {
			return nil, malformed("end extension %d exceeds %d bytes", n, len(msg)-endHeaderSize)
		}
		c.end = End{StreamID: id}
		if n > 0 {
			c.end.Extension = msg[endHeaderSize : endHeaderSize+n]
		}
		return &c.end, nil
	case FrameTypeWindow:
		if len(msg) < windowFrameSize {
			return nil, malformed("short window: %d bytes", len(msg))
		}
		c.window = Window{StreamID: id, Credit: int32(binary.BigEndian.Uint32(msg[8:]))}
		return &c.window, nil
	}
	c.reset = Reset{StreamID: id}
	return &c.reset, nil
}
