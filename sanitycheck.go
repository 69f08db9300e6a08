// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package streamhttp

// sanity check the configuration
func init() {
	if MaxMessageLength(MinStreamsCapacity) < beginHeaderSize+16 {
		panic("MaxMessageLength(MinStreamsCapacity) < beginHeaderSize+16")
	}
	if MaxMessageLength(MinThrottleCapacity) < windowFrameSize {
		panic("MaxMessageLength(MinThrottleCapacity) < windowFrameSize")
	}
	if !isPowerOfTwo(DefaultStreamsCapacity) || DefaultStreamsCapacity < MinStreamsCapacity {
		panic("bad DefaultStreamsCapacity")
	}
	if !isPowerOfTwo(DefaultThrottleCapacity) || DefaultThrottleCapacity < MinThrottleCapacity {
		panic("bad DefaultThrottleCapacity")
	}
	if FrameTypeBegin.IsThrottle() || FrameTypeData.IsThrottle() || FrameTypeEnd.IsThrottle() {
		panic("stream frame type flagged as throttle")
	}
	if !FrameTypeWindow.IsThrottle() || !FrameTypeReset.IsThrottle() {
		panic("throttle frame type not flagged as throttle")
	}
	if DefaultGatewayWindow > MaxDataPayload*64 {
		panic("DefaultGatewayWindow > MaxDataPayload*64")
	}
	if err := DefaultConfig().Validate(); err != nil {
		panic(err)
	}
}
