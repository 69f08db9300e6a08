// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Group serves all channels of one source: a Reader per inbound
// channel and a Writer per destination.
type Group struct {
	source  string
	gc      *groupConfig
	log     *zap.Logger
	readers map[string]*Reader
	writers map[string]*Writer
}

func newGroup(source string, gc *groupConfig) *Group {
	return &Group{
		source:  source,
		gc:      gc,
		log:     gc.log.With(zap.String("source", source)),
		readers: make(map[string]*Reader),
		writers: make(map[string]*Writer),
	}
}

func (g *Group) String() string {
	return fmt.Sprintf("[Group %s r=%d w=%d]", g.source, len(g.readers), len(g.writers))
}

// Source returns the source name of the group.
func (g *Group) Source() string {
	return g.source
}

// OnReadable opens the inbound channel partition unless already open.
func (g *Group) OnReadable(partition string) error {
	if _, ok := g.readers[partition]; ok {
		return nil
	}
	layout, err := g.gc.transport.OpenSource(partition)
	if err != nil {
		return errors.WithMessage(err, partition)
	}
	g.readers[partition] = newReader(g, partition, layout)
	g.log.Debug("reader opened", zap.String("channel", partition))
	return nil
}

// OnExpired closes the inbound channel partition.
func (g *Group) OnExpired(partition string) error {
	r, ok := g.readers[partition]
	if !ok {
		return nil
	}
	delete(g.readers, partition)
	g.log.Debug("reader closed", zap.String("channel", partition))
	return r.Close()
}

// writer returns the Writer for target, opening it on first use.
func (g *Group) writer(target string) (*Writer, error) {
	if w, ok := g.writers[target]; ok {
		return w, nil
	}
	layout, err := g.gc.transport.OpenTarget(g.source, target)
	if err != nil {
		return nil, errors.WithMessage(err, target)
	}
	w := newWriter(target, layout, g.gc.cfg, g.gc.stats, g.log)
	g.writers[target] = w
	g.log.Debug("writer opened", zap.String("target", target))
	return w, nil
}

// Poll polls every reader and writer once. Errors are collected and
// do not stop the other channels from being polled.
func (g *Group) Poll() (n int, err error) {
	for _, r := range g.readers {
		rn, rerr := r.Poll()
		n += rn
		err = multierr.Append(err, rerr)
	}
	for _, w := range g.writers {
		wn, werr := w.Poll()
		n += wn
		err = multierr.Append(err, werr)
	}
	return
}

// Empty returns true when the group has no inbound channels.
func (g *Group) Empty() bool {
	return len(g.readers) == 0
}

// Close closes all readers, releasing their exchanges, then all writers.
func (g *Group) Close() (err error) {
	for name, r := range g.readers {
		delete(g.readers, name)
		err = multierr.Append(err, r.Close())
	}
	for name, w := range g.writers {
		delete(g.writers, name)
		err = multierr.Append(err, w.Close())
	}
	return
}
