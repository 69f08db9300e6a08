// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

const (
	// DefaultName is the local channel owner name of a server.
	DefaultName = "httpserver"
	// SourceSeparator separates the source name from the rest of a channel name.
	SourceSeparator = "#"
	// DefaultStreamsCapacity is the default size in bytes of a streams ring.
	DefaultStreamsCapacity = 1024 * 1024
	// DefaultThrottleCapacity is the default size in bytes of a throttle ring.
	DefaultThrottleCapacity = 64 * 1024
	// MinStreamsCapacity is the smallest streams ring allowed.
	MinStreamsCapacity = 1024
	// MinThrottleCapacity is the smallest throttle ring allowed.
	MinThrottleCapacity = 256
	// MaxDataPayload is the largest payload a single Data frame can carry.
	MaxDataPayload = 0xffff
	// MaxExtensionLength is the largest extension a Begin or End frame can carry.
	MaxExtensionLength = 0xffff

	streamIDSize     = 8
	beginHeaderSize  = streamIDSize + 8 + 8 + 2
	dataHeaderSize   = streamIDSize + 2
	endHeaderSize    = streamIDSize + 2
	windowFrameSize  = streamIDSize + 4
	resetFrameSize   = streamIDSize
	statusPseudoName = ":status"
)

// MaxMessageLength returns the largest message a ring of the given
// capacity accepts.
func MaxMessageLength(capacity int) int {
	return capacity / 8
}
