// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package ringbuf implements bounded, message framed ring buffers and
// the named channel layouts built from them.
//
// A Ring never blocks. Write fails with ErrFull when the message does not
// fit, and Read returns immediately with whatever was available. Any number
// of goroutines may write to a Ring, but only one may read from it.
package ringbuf

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

const (
	// MinCapacity is the smallest ring capacity in bytes.
	MinCapacity = 64
	// RecordHeaderSize is the number of bytes preceding every message.
	RecordHeaderSize = 8
	// RecordAlignment is the alignment of every record in the ring.
	RecordAlignment = 8

	paddingTypeID = int32(-1)
)

var (
	// ErrFull is returned by Write when there is not enough free space.
	ErrFull = errors.New("ring buffer full")
	// ErrClosed is returned when using a closed ring or layout.
	ErrClosed = errors.New("ring buffer closed")
	// ErrTooLarge is returned by Write when the message exceeds MaxMessageLength.
	ErrTooLarge = errors.New("message too large")
	// ErrInvalidType is returned by Write for the reserved padding type id.
	ErrInvalidType = errors.New("invalid message type")
)

// Ring is a capacity bounded FIFO of typed messages.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	mask    uint64
	head    uint64 // next byte to read, guarded by mu
	tail    uint64 // next byte to write, guarded by mu
	closed  bool
	maxMsg  int
	scratch []byte // only touched by the reader
}

// New returns a Ring holding at least capacity bytes. The capacity is
// rounded up to a power of two no smaller than MinCapacity.
func New(capacity int) *Ring {
	c := MinCapacity
	for c < capacity {
		c <<= 1
	}
	return &Ring{
		buf:     make([]byte, c),
		mask:    uint64(c - 1),
		maxMsg:  c / 8,
		scratch: make([]byte, c/8),
	}
}

func align(n int) int {
	return (n + RecordAlignment - 1) &^ (RecordAlignment - 1)
}

// Capacity returns the size of the ring in bytes.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// MaxMessageLength returns the largest message Write accepts.
func (r *Ring) MaxMessageLength() int {
	return r.maxMsg
}

// Size returns the number of bytes currently used by unread records.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

func (r *Ring) putHeader(idx uint64, length, typeID int32) {
	binary.LittleEndian.PutUint32(r.buf[idx:], uint32(length))
	binary.LittleEndian.PutUint32(r.buf[idx+4:], uint32(typeID))
}

func (r *Ring) getHeader(idx uint64) (length, typeID int32) {
	length = int32(binary.LittleEndian.Uint32(r.buf[idx:]))
	typeID = int32(binary.LittleEndian.Uint32(r.buf[idx+4:]))
	return
}

// Write appends one message. It never blocks; if the ring lacks
// space the message is not written and ErrFull is returned.
func (r *Ring) Write(typeID int32, msg []byte) error {
	if typeID == paddingTypeID {
		return errors.WithStack(ErrInvalidType)
	}
	if len(msg) > r.maxMsg {
		return errors.Wrapf(ErrTooLarge, "%d > %d", len(msg), r.maxMsg)
	}
	recLen := RecordHeaderSize + len(msg)
	aligned := uint64(align(recLen))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.WithStack(ErrClosed)
	}
	capacity := uint64(len(r.buf))
	idx := r.tail & r.mask
	toEnd := capacity - idx
	need := aligned
	if toEnd < aligned {
		need += toEnd
	}
	if capacity-(r.tail-r.head) < need {
		return errors.WithStack(ErrFull)
	}
	if toEnd < aligned {
		// records never wrap, pad out the end of the buffer instead
		r.putHeader(idx, int32(toEnd), paddingTypeID)
		r.tail += toEnd
		idx = 0
	}
	r.putHeader(idx, int32(recLen), typeID)
	copy(r.buf[idx+RecordHeaderSize:], msg)
	r.tail += aligned
	return nil
}

// Read calls handler for every message that was available when Read was
// called, in order. The msg slice is only valid until handler returns.
// If handler returns an error, Read stops and returns it; the message that
// caused the error is consumed. Read returns the number of messages handled.
func (r *Ring) Read(handler func(typeID int32, msg []byte) error) (n int, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, errors.WithStack(ErrClosed)
	}
	limit := r.tail
	r.mu.Unlock()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return n, errors.WithStack(ErrClosed)
		}
		if r.head >= limit {
			r.mu.Unlock()
			return n, nil
		}
		idx := r.head & r.mask
		recLen, typeID := r.getHeader(idx)
		if typeID == paddingTypeID {
			r.head += uint64(recLen)
			r.mu.Unlock()
			continue
		}
		msg := r.scratch[:int(recLen)-RecordHeaderSize]
		copy(msg, r.buf[idx+RecordHeaderSize:])
		r.head += uint64(align(int(recLen)))
		r.mu.Unlock()

		n++
		if err = handler(typeID, msg); err != nil {
			return
		}
	}
}

// Close marks the ring closed. Further reads and writes fail with ErrClosed.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.WithStack(ErrClosed)
	}
	r.closed = true
	return nil
}

// IsClosed returns true if Close has been called.
func (r *Ring) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
