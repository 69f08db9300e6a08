// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"fmt"

	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ThrottleHandler receives the Window and Reset frames for one stream.
// The frame is only valid during the call. A returned error stops the
// current Writer.Poll.
type ThrottleHandler func(f Frame) error

// Writer frames responses onto one outbound channel and dispatches the
// Window and Reset frames coming back on its throttle ring.
type Writer struct {
	target    string
	layout    *ringbuf.Layout
	codec     *FrameCodec
	tcodec    *FrameCodec
	throttles map[uint64]ThrottleHandler
	stats     StatsCollector
	log       *zap.Logger
	netLog    bool
	closed    bool
}

func newWriter(target string, layout *ringbuf.Layout, cfg Config, stats StatsCollector, logger *zap.Logger) *Writer {
	return &Writer{
		target:    target,
		layout:    layout,
		codec:     NewFrameCodec(layout.Streams.MaxMessageLength()),
		tcodec:    NewFrameCodec(layout.Throttle.MaxMessageLength()),
		throttles: make(map[uint64]ThrottleHandler),
		stats:     statsOrNop(stats),
		log:       logger.With(zap.String("target", target)),
		netLog:    cfg.NetLog,
	}
}

func (w *Writer) String() string {
	return fmt.Sprintf("[Writer %s throttles=%d]", w.target, len(w.throttles))
}

func (w *Writer) write(f Frame) error {
	if w.closed {
		return errors.WithStack(ringbuf.ErrClosed)
	}
	b, err := w.codec.Encode(f)
	if err != nil {
		return err
	}
	if err = w.layout.Streams.Write(int32(f.Type()), b); err != nil {
		if errors.Cause(err) == ringbuf.ErrFull {
			err = errors.Wrapf(ChannelFullError{}, "%s %v", w.layout.Name, f)
		}
		return err
	}
	w.stats.AddBytesWritten(int64(len(b)))
	if w.netLog {
		w.log.Debug("send", zap.Stringer("frame", f))
	}
	return nil
}

// BeginResponse writes a Begin frame for targetID carrying headers.
func (w *Writer) BeginResponse(targetID, referenceID, correlationID uint64, headers []Header) error {
	ext, err := EncodeHeaders(headers)
	if err != nil {
		return err
	}
	return w.write(&Begin{
		StreamID:      targetID,
		ReferenceID:   referenceID,
		CorrelationID: correlationID,
		Extension:     ext,
	})
}

// WriteData writes p as one or more Data frames for targetID and returns
// the number of bytes framed. If the channel fills up, the bytes framed
// so far are returned together with a ChannelFullError.
func (w *Writer) WriteData(targetID uint64, p []byte) (n int, err error) {
	max := w.codec.MaxDataPayload()
	for err == nil && n < len(p) {
		chunk := p[n:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		if err = w.write(&Data{StreamID: targetID, Payload: chunk}); err == nil {
			n += len(chunk)
		}
	}
	return
}

// EndResponse writes an End frame for targetID.
func (w *Writer) EndResponse(targetID uint64) error {
	return w.write(&End{StreamID: targetID})
}

// AddThrottle routes the throttle frames of streamID to h.
func (w *Writer) AddThrottle(streamID uint64, h ThrottleHandler) {
	w.throttles[streamID] = h
}

// RemoveThrottle stops routing the throttle frames of streamID.
func (w *Writer) RemoveThrottle(streamID uint64) {
	delete(w.throttles, streamID)
}

// Throttles returns the number of registered throttle handlers.
func (w *Writer) Throttles() int {
	return len(w.throttles)
}

// Poll dispatches all pending throttle frames and returns how many
// there were. Frames for streams without a handler are dropped.
func (w *Writer) Poll() (int, error) {
	if w.closed {
		return 0, nil
	}
	return w.layout.Throttle.Read(w.handleThrottle)
}

func (w *Writer) handleThrottle(typeID int32, msg []byte) error {
	f, err := w.tcodec.Decode(typeID, msg)
	if err != nil {
		return errors.WithMessage(err, w.layout.Name)
	}
	w.stats.AddBytesRead(int64(len(msg)))
	if !f.Type().IsThrottle() {
		return malformed("%s: %v on throttle", w.layout.Name, f)
	}
	if w.netLog {
		w.log.Debug("throttle", zap.Stringer("frame", f))
	}
	if h, ok := w.throttles[f.ID()]; ok {
		return h(f)
	}
	if w.netLog {
		w.log.Debug("throttle dropped", zap.Stringer("frame", f))
	}
	return nil
}

// Close releases the outbound channel.
func (w *Writer) Close() error {
	w.closed = true
	w.throttles = make(map[uint64]ThrottleHandler)
	return w.layout.Close()
}
