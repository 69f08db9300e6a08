// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ringbuf

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Open for a channel that does not exist.
var ErrNotFound = errors.New("channel not found")

// DefaultCapacity is used when a Directory capacity is left at zero.
const DefaultCapacity = 64 * 1024

// EventKind tells if a channel appeared or went away.
type EventKind int

const (
	// Created is reported when a channel is created.
	Created EventKind = iota
	// Removed is reported when a channel is removed.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event reports a channel name appearing or disappearing under an owner.
type Event struct {
	Kind EventKind
	Name string
}

type channel struct {
	streams  *Ring
	throttle *Ring
	refs     int
	removed  bool
}

// Directory is a namespace of channels grouped by owner, the way
// streams files are laid out below a per-owner directory.
// It is safe for concurrent use.
type Directory struct {
	StreamsCapacity  int
	ThrottleCapacity int

	mu       sync.Mutex
	channels map[string]*channel
	watchers map[string][]*Watcher
}

// NewDirectory returns an empty Directory.
func NewDirectory(streamsCapacity, throttleCapacity int) *Directory {
	return &Directory{
		StreamsCapacity:  streamsCapacity,
		ThrottleCapacity: throttleCapacity,
		channels:         make(map[string]*channel),
		watchers:         make(map[string][]*Watcher),
	}
}

// Path returns the key of the channel name below owner.
func Path(owner, name string) string {
	return owner + "/" + name
}

func capacityOrDefault(n int) int {
	if n < 1 {
		return DefaultCapacity
	}
	return n
}

func (d *Directory) init() {
	if d.channels == nil {
		d.channels = make(map[string]*channel)
	}
	if d.watchers == nil {
		d.watchers = make(map[string][]*Watcher)
	}
}

func (d *Directory) handleLocked(path string, ch *channel) *Layout {
	ch.refs++
	return &Layout{
		Name:     path,
		Streams:  ch.streams,
		Throttle: ch.throttle,
		release: func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			ch.refs--
			if ch.refs == 0 && ch.removed {
				ch.streams.Close()
				ch.throttle.Close()
			}
		},
	}
}

func (d *Directory) notifyLocked(owner string, ev Event) {
	live := d.watchers[owner][:0]
	for _, w := range d.watchers[owner] {
		if w.push(ev) {
			live = append(live, w)
		}
	}
	d.watchers[owner] = live
}

// Create returns a handle to the channel name below owner, creating it
// if needed. Watchers of owner are notified when it is created.
func (d *Directory) Create(owner, name string) (*Layout, error) {
	if name == "" {
		return nil, errors.New("empty channel name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	path := Path(owner, name)
	ch, ok := d.channels[path]
	if !ok {
		ch = &channel{
			streams:  New(capacityOrDefault(d.StreamsCapacity)),
			throttle: New(capacityOrDefault(d.ThrottleCapacity)),
		}
		d.channels[path] = ch
		d.notifyLocked(owner, Event{Kind: Created, Name: name})
	}
	return d.handleLocked(path, ch), nil
}

// Open returns a handle to an existing channel.
func (d *Directory) Open(owner, name string) (*Layout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	path := Path(owner, name)
	ch, ok := d.channels[path]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	return d.handleLocked(path, ch), nil
}

// Remove unlinks the channel. Open handles keep working until closed;
// the rings are closed when the last handle is released.
func (d *Directory) Remove(owner, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	path := Path(owner, name)
	ch, ok := d.channels[path]
	if !ok {
		return errors.Wrap(ErrNotFound, path)
	}
	delete(d.channels, path)
	ch.removed = true
	if ch.refs == 0 {
		ch.streams.Close()
		ch.throttle.Close()
	}
	d.notifyLocked(owner, Event{Kind: Removed, Name: name})
	return nil
}

// Names returns the sorted channel names below owner.
func (d *Directory) Names(owner string) (names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := owner + "/"
	for path := range d.channels {
		if strings.HasPrefix(path, prefix) {
			names = append(names, path[len(prefix):])
		}
	}
	sort.Strings(names)
	return
}

// Watch returns a Watcher for channels below owner. Channels that
// already exist are reported as Created on the first Poll.
func (d *Directory) Watch(owner string) *Watcher {
	w := &Watcher{}
	for _, name := range d.Names(owner) {
		w.push(Event{Kind: Created, Name: name})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	d.watchers[owner] = append(d.watchers[owner], w)
	return w
}

// Watcher queues channel events for non-blocking polling.
type Watcher struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
}

// returns false if the watcher is closed
func (w *Watcher) push(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.pending = append(w.pending, ev)
	return true
}

// Poll hands all queued events to handler and returns how many there were.
func (w *Watcher) Poll(handler func(Event)) int {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, ev := range events {
		handler(ev)
	}
	return len(events)
}

// Close stops the watcher from receiving further events.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.pending = nil
	return nil
}
