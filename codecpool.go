// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

// Provides a buffer of allocated but unused FrameCodecs.
var frameCodecPool chan *FrameCodec

func init() {
	frameCodecPool = make(chan *FrameCodec, 256)
}

// FrameCodecAlloc returns a FrameCodec for messages of maxMessageLength bytes.
func FrameCodecAlloc(maxMessageLength int) *FrameCodec {
	select {
	case c := <-frameCodecPool:
		if c.maxMsg == maxMessageLength {
			return c
		}
	default:
	}
	return NewFrameCodec(maxMessageLength)
}

// FrameCodecFree releases a FrameCodec.
func FrameCodecFree(c *FrameCodec) {
	if c != nil {
		select {
		case frameCodecPool <- c:
		default:
		}
	}
}
