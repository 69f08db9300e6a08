// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"github.com/linkdata/streamhttp/ringbuf"
)

// Transport opens the channels a server reads from and writes to.
type Transport interface {
	// OpenSource opens the inbound channel named partition.
	OpenSource(partition string) (*ringbuf.Layout, error)
	// OpenTarget opens the outbound channel carrying replies for source to target.
	OpenTarget(source, target string) (*ringbuf.Layout, error)
}

// Watcher reports inbound channels appearing and disappearing.
type Watcher interface {
	// Poll hands pending events to handler without blocking and
	// returns the number of events handled.
	Poll(handler func(ringbuf.Event)) int
}

// DirectoryTransport is a Transport over a ringbuf.Directory. Inbound
// channels are named <Name>/<partition>, outbound channels are named
// <target>/<Name>#<source>.
type DirectoryTransport struct {
	Dir  *ringbuf.Directory
	Name string
}

// OpenSource implements Transport.
func (dt *DirectoryTransport) OpenSource(partition string) (*ringbuf.Layout, error) {
	return dt.Dir.Open(dt.Name, partition)
}

// OpenTarget implements Transport.
func (dt *DirectoryTransport) OpenTarget(source, target string) (*ringbuf.Layout, error) {
	return dt.Dir.Create(target, TargetChannelName(dt.Name, source))
}

// Watch returns a Watcher for the inbound channels.
func (dt *DirectoryTransport) Watch() *ringbuf.Watcher {
	return dt.Dir.Watch(dt.Name)
}

// TargetChannelName returns the name of the channel local uses to
// reply to source.
func TargetChannelName(local, source string) string {
	return local + SourceSeparator + source
}
