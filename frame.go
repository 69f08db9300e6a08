// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import "fmt"

// Frame is one decoded protocol frame.
type Frame interface {
	// ID returns the stream id the frame belongs to.
	ID() uint64
	// Type returns the kind of frame.
	Type() FrameType
	String() string
}

// Begin opens a stream.
type Begin struct {
	StreamID      uint64
	ReferenceID   uint64
	CorrelationID uint64
	Extension     []byte
}

// Data carries stream payload.
type Data struct {
	StreamID uint64
	Payload  []byte
}

// End closes a stream.
type End struct {
	StreamID  uint64
	Extension []byte
}

// Window grants Credit more bytes to the sender of the stream.
type Window struct {
	StreamID uint64
	Credit   int32
}

// Reset aborts a stream.
type Reset struct {
	StreamID uint64
}

func (f *Begin) ID() uint64      { return f.StreamID }
func (f *Begin) Type() FrameType { return FrameTypeBegin }
func (f *Begin) String() string {
	return fmt.Sprintf("[Begin %016x ref=%016x corr=%016x ext=%d]", f.StreamID, f.ReferenceID, f.CorrelationID, len(f.Extension))
}

func (f *Data) ID() uint64      { return f.StreamID }
func (f *Data) Type() FrameType { return FrameTypeData }
func (f *Data) String() string {
	return fmt.Sprintf("[Data %016x len=%d]", f.StreamID, len(f.Payload))
}

func (f *End) ID() uint64      { return f.StreamID }
func (f *End) Type() FrameType { return FrameTypeEnd }
func (f *End) String() string {
	return fmt.Sprintf("[End %016x ext=%d]", f.StreamID, len(f.Extension))
}

func (f *Window) ID() uint64      { return f.StreamID }
func (f *Window) Type() FrameType { return FrameTypeWindow }
func (f *Window) String() string {
	return fmt.Sprintf("[Window %016x credit=%d]", f.StreamID, f.Credit)
}

func (f *Reset) ID() uint64      { return f.StreamID }
func (f *Reset) Type() FrameType { return FrameTypeReset }
func (f *Reset) String() string {
	return fmt.Sprintf("[Reset %016x]", f.StreamID)
}
