// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ringbuf

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Layout is one opened channel: the Streams ring carrying frames in the
// channel direction, and the Throttle ring carrying flow control frames
// in the reverse direction.
type Layout struct {
	Name     string
	Streams  *Ring
	Throttle *Ring
	once     sync.Once
	release  func()
}

// NewLayout returns a standalone Layout not registered in any Directory.
func NewLayout(name string, streamsCapacity, throttleCapacity int) *Layout {
	streams, throttle := New(streamsCapacity), New(throttleCapacity)
	return &Layout{
		Name:     name,
		Streams:  streams,
		Throttle: throttle,
		release: func() {
			streams.Close()
			throttle.Close()
		},
	}
}

func (l *Layout) String() string {
	return fmt.Sprintf("[Layout %s]", l.Name)
}

// Close releases the layout. Only the first call has any effect,
// later calls return ErrClosed.
func (l *Layout) Close() (err error) {
	err = errors.WithStack(ErrClosed)
	l.once.Do(func() {
		err = nil
		if l.release != nil {
			l.release()
		}
	})
	return
}
