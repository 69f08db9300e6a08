// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import "fmt"

// FrameType identifies the kind of a frame. It is carried as the
// ring buffer message type id.
type FrameType int32

const (
	// FrameTypeBegin starts a stream.
	FrameTypeBegin = FrameType(0x00000001)
	// FrameTypeData carries stream payload.
	FrameTypeData = FrameType(0x00000002)
	// FrameTypeEnd ends a stream.
	FrameTypeEnd = FrameType(0x00000003)
	// FrameTypeReset aborts a stream. Travels on the throttle ring.
	FrameTypeReset = FrameType(0x40000001)
	// FrameTypeWindow grants credit. Travels on the throttle ring.
	FrameTypeWindow = FrameType(0x40000002)

	throttleTypeFlag = FrameType(0x40000000)
)

var frameTypeNames = map[FrameType]string{
	FrameTypeBegin:  "Begin",
	FrameTypeData:   "Data",
	FrameTypeEnd:    "End",
	FrameTypeReset:  "Reset",
	FrameTypeWindow: "Window",
}

func (ft FrameType) String() string {
	if s, ok := frameTypeNames[ft]; ok {
		return s
	}
	return fmt.Sprintf("FrameType(0x%08x)", int32(ft))
}

// IsThrottle returns true for the kinds that travel on the throttle ring.
func (ft FrameType) IsThrottle() bool {
	return ft&throttleTypeFlag != 0
}

// IsValid returns true if the frame type is known.
func (ft FrameType) IsValid() bool {
	_, ok := frameTypeNames[ft]
	return ok
}
