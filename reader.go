// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"fmt"

	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reader demultiplexes the frames of one inbound channel to the
// exchanges of their streams, and writes Window and Reset frames back
// on the channel's throttle ring.
//
// Stream ids may arrive in any order. The ids of removed streams are
// remembered so that a late Begin never starts one of them again.
type Reader struct {
	group     *Group
	partition string
	layout    *ringbuf.Layout
	codec     *FrameCodec
	tcodec    *FrameCodec
	streams   map[uint64]*Exchange
	removed   map[uint64]struct{}
	order     []uint64 // removed ids, oldest first
	log       *zap.Logger
	netLog    bool
	closed    bool
}

// maxRemovedStreams bounds how many removed stream ids a Reader remembers.
const maxRemovedStreams = 4096

func newReader(g *Group, partition string, layout *ringbuf.Layout) *Reader {
	return &Reader{
		group:     g,
		partition: partition,
		layout:    layout,
		codec:     NewFrameCodec(layout.Streams.MaxMessageLength()),
		tcodec:    NewFrameCodec(layout.Throttle.MaxMessageLength()),
		streams:   make(map[uint64]*Exchange),
		removed:   make(map[uint64]struct{}),
		log:       g.log.With(zap.String("channel", partition)),
		netLog:    g.gc.cfg.NetLog,
	}
}

func (r *Reader) String() string {
	return fmt.Sprintf("[Reader %s streams=%d]", r.partition, len(r.streams))
}

// Streams returns the number of stream table entries, placeholders included.
func (r *Reader) Streams() int {
	return len(r.streams)
}

// Poll handles every frame available on the channel and returns how many
// there were. A malformed frame stops the poll and is returned; the frames
// before it remain handled.
func (r *Reader) Poll() (int, error) {
	if r.closed {
		return 0, nil
	}
	return r.layout.Streams.Read(r.handleFrame)
}

func (r *Reader) handleFrame(typeID int32, msg []byte) error {
	f, err := r.codec.Decode(typeID, msg)
	if err != nil {
		return errors.WithMessage(err, r.layout.Name)
	}
	r.group.gc.stats.AddBytesRead(int64(len(msg)))
	if r.netLog {
		r.log.Debug("recv", zap.Stringer("frame", f))
	}
	id := f.ID()
	if ex, ok := r.streams[id]; ok {
		return ex.handleFrame(f)
	}
	if _, gone := r.removed[id]; !gone && f.Type() == FrameTypeBegin {
		ex := newExchange(r, id)
		r.streams[id] = ex
		return ex.handleFrame(f)
	}
	return r.unrecognized(f)
}

// unrecognized resets a frame for a stream without an entry. Streams that
// may still send Data get a placeholder entry draining them until End.
func (r *Reader) unrecognized(f Frame) error {
	r.group.gc.stats.AddRejected(RejectUnknownStream)
	if r.netLog {
		r.log.Debug("unrecognized", zap.Stringer("frame", f))
	}
	switch f.Type() {
	case FrameTypeBegin, FrameTypeData:
		r.streams[f.ID()] = newRejectedExchange(r, f.ID())
	}
	return r.doReset(f.ID())
}

func (r *Reader) writeThrottle(f Frame) error {
	b, err := r.tcodec.Encode(f)
	if err == nil {
		if err = r.layout.Throttle.Write(int32(f.Type()), b); err == nil {
			r.group.gc.stats.AddBytesWritten(int64(len(b)))
			if r.netLog {
				r.log.Debug("send", zap.Stringer("frame", f))
			}
			return nil
		}
		if errors.Cause(err) == ringbuf.ErrFull {
			err = errors.Wrapf(ChannelFullError{}, "%s throttle %v", r.layout.Name, f)
		}
	}
	return err
}

func (r *Reader) doWindow(streamID uint64, credit int32) error {
	return r.writeThrottle(&Window{StreamID: streamID, Credit: credit})
}

func (r *Reader) doReset(streamID uint64) error {
	return r.writeThrottle(&Reset{StreamID: streamID})
}

// removeStream deletes the entry for streamID and remembers the id, so
// frames that still arrive for it are reset rather than served.
func (r *Reader) removeStream(streamID uint64) {
	delete(r.streams, streamID)
	if _, ok := r.removed[streamID]; ok {
		return
	}
	if len(r.order) >= maxRemovedStreams {
		delete(r.removed, r.order[0])
		r.order = r.order[1:]
	}
	r.removed[streamID] = struct{}{}
	r.order = append(r.order, streamID)
}

// Close releases every exchange and then the channel.
func (r *Reader) Close() (err error) {
	if r.closed {
		return errors.WithStack(ringbuf.ErrClosed)
	}
	r.closed = true
	for id, ex := range r.streams {
		delete(r.streams, id)
		err = multierr.Append(err, ex.release())
	}
	return multierr.Append(err, r.layout.Close())
}
